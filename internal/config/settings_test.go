package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSettings_Defaults(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if s.Port != 4000 || s.Storage.Backend != BackendFile {
		t.Errorf("defaults = %+v", s)
	}
}

func TestLoadSettings_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flujo.yaml")
	doc := "port: 9090\nstorage:\n  backend: redis\n  redisAddr: localhost:6379\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := LoadSettings(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Port != 9090 || s.Storage.Backend != BackendRedis || s.Storage.RedisAddr != "localhost:6379" {
		t.Errorf("settings = %+v", s)
	}
}

func TestLoadSettings_EnvOverride(t *testing.T) {
	t.Setenv("FLUJO_PORT", "7777")
	t.Setenv("FLUJO_STORAGE_BACKEND", BackendMemory)
	s, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if s.Port != 7777 || s.Storage.Backend != BackendMemory {
		t.Errorf("settings = %+v", s)
	}
}

func TestLoadSettings_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flujo.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  backend: carrier-pigeon\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSettings(path); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
