package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sweeney/hall-keyboard/internal/hid"
	"github.com/sweeney/hall-keyboard/internal/keycode"
	"github.com/sweeney/hall-keyboard/internal/layout"
	"github.com/sweeney/hall-keyboard/internal/matrix"
	"github.com/sweeney/hall-keyboard/internal/profile"
	"github.com/sweeney/hall-keyboard/internal/store"
)

func TestLoadImageDefaultsWhenEmpty(t *testing.T) {
	st := store.New(store.NewFileWearLeveler(filepath.Join(t.TempDir(), "image.bin")))
	image, err := loadImage(st, "")
	if err != nil {
		t.Fatalf("loadImage: %v", err)
	}
	if image.TickRate != 1 {
		t.Errorf("default tick rate = %d, want 1", image.TickRate)
	}

	// The defaults were persisted; a second load reads them back.
	again, err := loadImage(st, "")
	if err != nil {
		t.Fatalf("second loadImage: %v", err)
	}
	if *again != *image {
		t.Error("stored image differs from the persisted defaults")
	}
}

func TestLoadImageConfigWinsOverStore(t *testing.T) {
	dir := t.TempDir()
	st := store.New(store.NewFileWearLeveler(filepath.Join(dir, "image.bin")))

	stored := profile.Default()
	stored.TickRate = 9
	st.SaveImage(stored)

	cfg := filepath.Join(dir, "keyboard.toml")
	if err := os.WriteFile(cfg, []byte("tick_rate = 2\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	image, err := loadImage(st, cfg)
	if err != nil {
		t.Fatalf("loadImage: %v", err)
	}
	if image.TickRate != 2 {
		t.Errorf("tick rate = %d, config file must win", image.TickRate)
	}

	// The config image replaced the stored one.
	loaded, err := st.Load()
	if err != nil {
		t.Fatalf("store load: %v", err)
	}
	if loaded.TickRate != 2 {
		t.Errorf("stored tick rate = %d, want 2", loaded.TickRate)
	}
}

func TestLoadImageBadConfigFails(t *testing.T) {
	dir := t.TempDir()
	st := store.New(store.NewFileWearLeveler(filepath.Join(dir, "image.bin")))
	cfg := filepath.Join(dir, "keyboard.toml")
	os.WriteFile(cfg, []byte("current_profile = 99\n"), 0o644)

	if _, err := loadImage(st, cfg); err == nil {
		t.Error("invalid config must fail startup")
	}
}

func TestApplyConfigPreservesCalibrationState(t *testing.T) {
	image := profile.Default()
	image.BottomOutThreshold[3] = 444
	st := store.New(store.NewFakeWearLeveler())
	clock := func() uint32 { return 0 }
	fm := &scriptMatrix{}
	lay := layout.New(image, fm, hid.NewFakeDevice(), st, clock)
	lay.Init()

	next := profile.Default()
	next.TickRate = 3
	next.Profiles[0].Keymap[0][4] = keycode.A

	applyConfig(image, next, lay, st)

	if image.TickRate != 3 {
		t.Errorf("tick rate = %d, want 3", image.TickRate)
	}
	if image.Profiles[0].Keymap[0][4] != keycode.A {
		t.Error("profiles not swapped")
	}
	if image.BottomOutThreshold[3] != 444 {
		t.Error("runtime calibration state must survive a reload")
	}
}

type scriptMatrix struct{}

func (scriptMatrix) State(uint8) matrix.KeyState          { return matrix.KeyState{} }
func (scriptMatrix) DisableRapidTrigger(uint8, bool)      {}

func TestDeviceMetadataIsValidJSON(t *testing.T) {
	var meta map[string]any
	if err := json.Unmarshal(deviceMetadata(), &meta); err != nil {
		t.Fatalf("metadata is not valid JSON: %v", err)
	}
	if meta["keys"].(float64) != profile.NumKeys {
		t.Errorf("keys = %v", meta["keys"])
	}
}

func TestDeviceSerialNonEmpty(t *testing.T) {
	if deviceSerial() == "" {
		t.Error("serial must not be empty")
	}
}
