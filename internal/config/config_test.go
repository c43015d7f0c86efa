package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const tomlConfig = `
tick_rate = 2
current_profile = 1

[calibration]
initial_rest_value = 1700
initial_bottom_out_threshold = 520

[options]
xinput_enabled = false
save_bottom_out_threshold = true
`

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "keyboard.toml", tomlConfig)
	im, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if im.TickRate != 2 {
		t.Errorf("tick rate = %d, want 2", im.TickRate)
	}
	if im.CurrentProfile != 1 {
		t.Errorf("current profile = %d, want 1", im.CurrentProfile)
	}
	if im.Calibration.InitialRestValue != 1700 {
		t.Errorf("rest = %d, want 1700", im.Calibration.InitialRestValue)
	}
	if !im.Options.SaveBottomOutThreshold {
		t.Error("save_bottom_out_threshold not applied")
	}
	// Defaults fill what the file omits.
	if im.Profiles[0].ActuationMap[0].ActuationPoint != 128 {
		t.Error("defaults should back the unspecified fields")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "keyboard.yaml", "tick_rate: 3\n")
	im, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if im.TickRate != 3 {
		t.Errorf("tick rate = %d, want 3", im.TickRate)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "keyboard.json", `{"tick_rate": 4}`)
	im, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if im.TickRate != 4 {
		t.Errorf("tick rate = %d, want 4", im.TickRate)
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := writeFile(t, t.TempDir(), "keyboard.ini", "tick_rate = 1")
	if _, err := Load(path); err == nil {
		t.Error("unknown extension must be rejected")
	}
}

func TestLoadRejectsInvalidImage(t *testing.T) {
	path := writeFile(t, t.TempDir(), "keyboard.toml", "current_profile = 99\n")
	if _, err := Load(path); err == nil {
		t.Error("validation failure must surface")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("missing file must error")
	}
}

func TestWatcherDeliversReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "keyboard.toml", tomlConfig)

	w, err := Watch(path)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	writeFile(t, dir, "keyboard.toml", "tick_rate = 5\n")

	select {
	case im := <-w.Images:
		if im.TickRate != 5 {
			t.Errorf("reloaded tick rate = %d, want 5", im.TickRate)
		}
	case err := <-w.Errors:
		t.Fatalf("watch error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload delivered")
	}
}

func TestWatcherSurfacesParseErrors(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "keyboard.toml", tomlConfig)

	w, err := Watch(path)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	writeFile(t, dir, "keyboard.toml", "tick_rate = {broken\n")

	select {
	case <-w.Errors:
	case im := <-w.Images:
		t.Fatalf("broken config must not produce an image: %+v", im.TickRate)
	case <-time.After(3 * time.Second):
		t.Fatal("no error delivered")
	}
}
