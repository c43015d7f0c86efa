// Package config loads the keyboard image from a configuration file
// and hot-reloads it on change. TOML is the primary format; YAML and
// JSON are selected by extension. A reload never swaps state behind
// the engines' backs: the daemon applies it between ticks through the
// advanced-key reset invariant.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/hall-keyboard/internal/profile"
)

// Load reads, parses, and validates the image at path.
func Load(path string) (*profile.Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	im := profile.Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(raw, im)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, im)
	case ".json":
		err = json.Unmarshal(raw, im)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := im.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return im, nil
}

// Watcher delivers re-parsed images when the config file changes.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	// Images receives each successfully loaded image.
	Images chan *profile.Image

	// Errors receives load and watch errors.
	Errors chan error
}

// Watch starts watching path. The parent directory is watched so
// editor rename-and-replace saves are caught.
func Watch(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:    path,
		watcher: fsw,
		Images:  make(chan *profile.Image, 1),
		Errors:  make(chan error, 1),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			im, err := Load(w.path)
			if err != nil {
				select {
				case w.Errors <- err:
				default:
				}
				continue
			}
			// Keep only the newest image if the consumer is behind.
			select {
			case w.Images <- im:
			default:
				select {
				case <-w.Images:
				default:
				}
				w.Images <- im
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.Errors <- err:
			default:
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
