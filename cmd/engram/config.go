package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

// ConfigFileName is the default config file name, looked up in the working
// directory. The file is HuJSON: comments and trailing commas are allowed.
const ConfigFileName = ".engram.json"

var errConfigInvalid = errors.New("invalid config file")

// Config holds CLI configuration.
type Config struct {
	// Dir is the store directory.
	Dir string `json:"dir"`
	// Dimension is the embedding dimension for the built-in hashing
	// embedder. 0 selects the default (384).
	Dimension int `json:"dimension,omitempty"`
	// SyncWrites makes every store fsync before acknowledging.
	SyncWrites bool `json:"sync_writes,omitempty"` //nolint:tagliatelle // snake_case for config file
	// CacheSize bounds the decoded-record cache. 0 disables it.
	CacheSize int `json:"cache_size,omitempty"` //nolint:tagliatelle // snake_case for config file
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Dir: ".engram"}
}

// LoadConfig loads configuration with the following precedence (highest
// wins): defaults, config file (explicit path, or ConfigFileName if it
// exists), then CLI overrides applied by the caller.
func LoadConfig(configPath string) (Config, error) {
	cfg := DefaultConfig()

	path := configPath
	explicit := path != ""

	if !explicit {
		path = ConfigFileName
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	parsed, err := parseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	if parsed.Dir != "" {
		cfg.Dir = parsed.Dir
	}

	cfg.Dimension = parsed.Dimension
	cfg.SyncWrites = parsed.SyncWrites
	cfg.CacheSize = parsed.CacheSize

	return cfg, nil
}

func parseConfig(data []byte) (Config, error) {
	// Standardize JSONC to JSON.
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", errConfigInvalid, err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", errConfigInvalid, err)
	}

	return cfg, nil
}

// WriteDefaultConfig writes a commented default config file atomically.
// Fails if the file already exists.
func WriteDefaultConfig(path string) error {
	_, err := os.Stat(path)
	if err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat config: %w", err)
	}

	content := `{
	// Store directory. The engine keeps store.mnemo (and its .lock) here.
	"dir": ".engram",

	// Embedding dimension for the built-in hashing embedder. 0 = 384.
	"dimension": 0,

	// Fsync every store before acknowledging.
	"sync_writes": false,

	// Decoded-record cache entries. 0 disables the cache.
	"cache_size": 0,
}
`

	err = atomic.WriteFile(path, bytes.NewReader([]byte(content)))
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}
