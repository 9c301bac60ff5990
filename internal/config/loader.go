package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// BackendConfig declares one backend to add to the pool at startup.
type BackendConfig struct {
	Type    string `json:"type" yaml:"type" toml:"type"`
	Title   string `json:"title" yaml:"title" toml:"title"`
	Address string `json:"address" yaml:"address" toml:"address"`
	Enabled *bool  `json:"enabled" yaml:"enabled" toml:"enabled"`
}

// EnabledOrDefault treats an absent enabled key as true.
func (b BackendConfig) EnabledOrDefault() bool {
	if b.Enabled == nil {
		return true
	}
	return *b.Enabled
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr               string          `json:"addr" yaml:"addr" toml:"addr"`
	StatePath          string          `json:"state_path" yaml:"state_path" toml:"state_path"`
	MatchIntervalMS    int             `json:"match_interval_ms" yaml:"match_interval_ms" toml:"match_interval_ms"`
	MaxWaitSeconds     int             `json:"max_wait_seconds" yaml:"max_wait_seconds" toml:"max_wait_seconds"`
	SessionIdleMinutes int             `json:"session_idle_minutes" yaml:"session_idle_minutes" toml:"session_idle_minutes"`
	JobTimeoutSeconds  int             `json:"job_timeout_seconds" yaml:"job_timeout_seconds" toml:"job_timeout_seconds"`
	LogLevel           string          `json:"log_level" yaml:"log_level" toml:"log_level"`
	CORSEnabled        bool            `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins        []string        `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	Backends           []BackendConfig `json:"backends" yaml:"backends" toml:"backends"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
