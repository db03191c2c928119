package config

import (
	"testing"
	"time"
)

type mapEnv map[string]string

func (m mapEnv) Getenv(key string) string { return m[key] }

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 3000 {
		t.Fatalf("expected default port 3000, got %d", cfg.Port)
	}
	if cfg.GinMode != "release" {
		t.Fatalf("expected default gin mode release, got %q", cfg.GinMode)
	}
	if cfg.PairingCodeTTL != 5*time.Minute {
		t.Fatalf("expected default pairing TTL 5m, got %v", cfg.PairingCodeTTL)
	}
	if cfg.MaxDevices != 10 {
		t.Fatalf("expected default device cap 10, got %d", cfg.MaxDevices)
	}
}

func TestLoadConfigFromEnv_MissingSecret(t *testing.T) {
	_, err := LoadConfigFromEnv(mapEnv{})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfigFromEnv_PortOverride(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x", "PORT": "1234"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 1234 {
		t.Fatalf("expected port 1234, got %d", cfg.Port)
	}
}

func TestLoadConfigFromEnv_PairingOverrides(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{
		"MASTER_SECRET":            "x",
		"PAIRING_CODE_TTL_SECONDS": "60",
		"MAX_DEVICES_PER_USER":     "3",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.PairingCodeTTL != time.Minute {
		t.Fatalf("expected pairing TTL 1m, got %v", cfg.PairingCodeTTL)
	}
	if cfg.MaxDevices != 3 {
		t.Fatalf("expected device cap 3, got %d", cfg.MaxDevices)
	}
}

func TestLoadConfigFromEnv_InvalidDeviceCap(t *testing.T) {
	_, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x", "MAX_DEVICES_PER_USER": "0"})
	if err == nil {
		t.Fatalf("expected error")
	}
}
