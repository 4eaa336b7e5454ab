// Package config loads per-node wormhole settings from YAML files or the
// process environment, following the resolution order used across the rest
// of this codebase: explicit argument, environment variable, config file,
// built-in default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AsyncMode selects how a Node dispatches handlers.
type AsyncMode string

const (
	// AsyncNone runs handlers inline on the pop loop goroutine.
	AsyncNone AsyncMode = "NONE"
	// AsyncPool offloads handlers to a bounded worker pool.
	AsyncPool AsyncMode = "POOL"
)

// Config holds the settings a Node needs to talk to the broker and to
// schedule handler execution.
type Config struct {
	BrokerURI              string    `yaml:"broker_uri"`
	MaxConnections         int       `yaml:"max_connections"`
	SendTimeoutSeconds     int       `yaml:"send_timeout_seconds"`
	ReplyExpirationSeconds int       `yaml:"reply_expiration_seconds"`
	AsyncMode              AsyncMode `yaml:"async_mode"`
	MaxParallelWorkers     int       `yaml:"max_parallel_workers"`
	Debug                  bool      `yaml:"debug"`
}

// SendTimeout is SendTimeoutSeconds as a time.Duration.
func (c Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// ReplyExpiration is ReplyExpirationSeconds as a time.Duration.
func (c Config) ReplyExpiration() time.Duration {
	return time.Duration(c.ReplyExpirationSeconds) * time.Second
}

// Defaults returns the built-in configuration matching spec §6: 20 max
// broker connections, 60s send/reply timeouts, inline dispatch.
func Defaults() Config {
	return Config{
		BrokerURI:              "redis://localhost:6379/1",
		MaxConnections:         20,
		SendTimeoutSeconds:     60,
		ReplyExpirationSeconds: 60,
		AsyncMode:              AsyncNone,
		MaxParallelWorkers:     0,
	}
}

// Load reads a YAML file and overlays it onto Defaults(), so a partial file
// only needs to set the fields it wants to change.
func Load(filename string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(filename)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.MaxConnections <= 0 {
		return cfg, fmt.Errorf("max_connections must be positive, got %d", cfg.MaxConnections)
	}
	if cfg.MaxParallelWorkers < 0 {
		return cfg, fmt.Errorf("max_parallel_workers cannot be negative, got %d", cfg.MaxParallelWorkers)
	}
	return cfg, nil
}

// GetEnvConfig reads a WORMHOLE_-prefixed environment variable, falling back
// to the plain variable name, then to defaultValue.
func GetEnvConfig(key, defaultValue string) string {
	if value := os.Getenv("WORMHOLE_" + key); value != "" {
		return value
	}
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetDebugFromEnv checks WORMHOLE_DEBUG=true or a --debug CLI flag.
func GetDebugFromEnv() bool {
	if os.Getenv("WORMHOLE_DEBUG") == "true" {
		return true
	}
	for _, arg := range os.Args {
		if arg == "--debug" {
			return true
		}
	}
	return false
}

// GetEnvInt reads an integer environment variable, falling back to
// defaultValue when unset or unparsable.
func GetEnvInt(key string, defaultValue int) int {
	raw := GetEnvConfig(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

// StandardConfigResolver locates a node's config file following a fixed
// priority order: explicit flag, environment variable, CWD-relative
// ./config/<name>.yaml, binary-relative <dir>/config/<name>.yaml.
type StandardConfigResolver struct {
	NodeName   string
	ConfigFlag *string
}

// Resolve returns the config path to use, or "" if none was found (callers
// should fall back to Defaults()).
func (r *StandardConfigResolver) Resolve() string {
	if r.ConfigFlag != nil && *r.ConfigFlag != "" {
		return *r.ConfigFlag
	}
	if path := os.Getenv("WORMHOLE_CONFIG_PATH"); path != "" && fileExists(path) {
		return path
	}
	path := filepath.Join("config", r.NodeName+".yaml")
	if fileExists(path) {
		return path
	}
	binaryDir := filepath.Dir(os.Args[0])
	path = filepath.Join(binaryDir, "config", r.NodeName+".yaml")
	if fileExists(path) {
		return path
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
