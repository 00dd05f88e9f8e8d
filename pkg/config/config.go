// Package config loads backend settings from a TOML file.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// EnvVar names the environment variable holding a config file path.
const EnvVar = "TRACEJIT_CONFIG"

type Config struct {
	// ChunkSize is the size of each executable code region in bytes.
	ChunkSize int `toml:"chunk_size"`
	// SafetyMargin is the free space kept at the end of a region for the
	// chaining jump.
	SafetyMargin int `toml:"safety_margin"`
	// Debug appends a 0xCC trailer to every guard stub and checks it on
	// recovery.
	Debug    bool   `toml:"debug"`
	LogLevel string `toml:"log_level"`
	// DumpCode logs the bytes of every assembled loop and bridge.
	DumpCode bool `toml:"dump_code"`
	// StackSize is the native stack given to generated code.
	StackSize int `toml:"stack_size"`
	// FailboxChunk is the number of slots per failure box chunk.
	FailboxChunk int `toml:"failbox_chunk"`
}

func Default() Config {
	return Config{
		ChunkSize:    1 << 20,
		SafetyMargin: 64,
		LogLevel:     "info",
		StackSize:    1 << 20,
		FailboxChunk: 256,
	}
}

// Load reads path over the defaults, so a file only needs the keys it
// changes.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFromEnv loads the file named by TRACEJIT_CONFIG, or returns the
// defaults when it is unset.
func LoadFromEnv() (Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.SafetyMargin < 5 || c.SafetyMargin >= c.ChunkSize {
		return fmt.Errorf("safety_margin %d must be at least 5 and below chunk_size %d", c.SafetyMargin, c.ChunkSize)
	}
	if c.StackSize < 4096 {
		return fmt.Errorf("stack_size %d is below one page", c.StackSize)
	}
	if c.FailboxChunk <= 0 {
		return fmt.Errorf("failbox_chunk must be positive, got %d", c.FailboxChunk)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel; an empty level means info.
func (c Config) Level() (zerolog.Level, error) {
	if c.LogLevel == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}
