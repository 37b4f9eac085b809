package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Storage backend names accepted in flujo.yaml.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// StorageSettings selects and parameterizes the storage backend.
type StorageSettings struct {
	Backend string `yaml:"backend"`

	// file backend
	Dir string `yaml:"dir"`

	// redis backend
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`
	Namespace     string `yaml:"namespace"`
}

// Settings is the full flujo.yaml document.
type Settings struct {
	Port    int             `yaml:"port"`
	Storage StorageSettings `yaml:"storage"`

	// SecretMaxDepth overrides the secret resolver's reference-depth cap.
	SecretMaxDepth int `yaml:"secretMaxDepth"`
}

// Defaults returns the settings used when no flujo.yaml exists.
func Defaults() Settings {
	return Settings{
		Port: 4000,
		Storage: StorageSettings{
			Backend: BackendFile,
			Dir:     "data",
		},
	}
}

// LoadSettings reads flujo.yaml from path, falling back to defaults when the
// file is absent. Environment variables FLUJO_PORT, FLUJO_STORAGE_BACKEND,
// FLUJO_DATA_DIR and FLUJO_REDIS_ADDR override the file.
func LoadSettings(path string) (Settings, error) {
	settings := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return settings, fmt.Errorf("config: parse %q: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults
	default:
		return settings, fmt.Errorf("config: read %q: %w", path, err)
	}

	if v := os.Getenv("FLUJO_PORT"); v != "" {
		if n, perr := strconv.Atoi(v); perr == nil && n > 0 {
			settings.Port = n
		}
	}
	if v := os.Getenv("FLUJO_STORAGE_BACKEND"); v != "" {
		settings.Storage.Backend = v
	}
	if v := os.Getenv("FLUJO_DATA_DIR"); v != "" {
		settings.Storage.Dir = v
	}
	if v := os.Getenv("FLUJO_REDIS_ADDR"); v != "" {
		settings.Storage.RedisAddr = v
	}

	if err := settings.validate(); err != nil {
		return settings, err
	}
	return settings, nil
}

func (s Settings) validate() error {
	switch s.Storage.Backend {
	case BackendMemory, BackendRedis:
	case BackendFile:
		if s.Storage.Dir == "" {
			return fmt.Errorf("config: file storage backend requires a dir")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", s.Storage.Backend)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", s.Port)
	}
	return nil
}
