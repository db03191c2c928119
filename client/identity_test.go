package client

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "device-id")

	id, err := LoadOrCreateDeviceID(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if id == "" {
		t.Fatal("empty device id")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("want mode 0600, got %o", perm)
	}

	again, err := LoadOrCreateDeviceID(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if again != id {
		t.Fatalf("id changed across loads: %q != %q", again, id)
	}
}

func TestLoadOrCreateDeviceIDRecoversEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device-id")
	if err := os.WriteFile(path, []byte("\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	id, err := LoadOrCreateDeviceID(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if id == "" {
		t.Fatal("empty device id from blank file")
	}
}
