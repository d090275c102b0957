// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads runtime configuration from defaults, an
// optional YAML file, and environment variable overrides, in that
// order of precedence (environment wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full runtime configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineConfig  `yaml:"engine"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// ListenAddr is the host:port the API and WebSocket server binds.
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// EngineConfig configures run execution.
type EngineConfig struct {
	// PlaybookDir is the playbook library root.
	PlaybookDir string `yaml:"playbook_dir,omitempty"`

	// DataDir holds screenshots and other run artifacts.
	DataDir string `yaml:"data_dir,omitempty"`

	// ExecutionTTL is how long terminal runs stay in the live registry.
	ExecutionTTL time.Duration `yaml:"execution_ttl,omitempty"`

	// WatchdogTimeout cancels runs that exceed it.
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout,omitempty"`

	// CredentialsFile is an optional encrypted credential store path.
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

// StorageConfig configures execution history persistence.
type StorageConfig struct {
	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"database_path,omitempty"`

	// MaxOpenConns caps the connection pool.
	MaxOpenConns int `yaml:"max_open_conns,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level,omitempty"`

	// Format is "json" or "text".
	Format string `yaml:"format,omitempty"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8787",
			ShutdownTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			PlaybookDir:     filepath.Join(dataDir, "playbooks"),
			DataDir:         dataDir,
			ExecutionTTL:    60 * time.Minute,
			WatchdogTimeout: time.Hour,
		},
		Storage: StorageConfig{
			DatabasePath: filepath.Join(dataDir, "playbookd.db"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path
// (skipped when path is empty or missing), and environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Engine.PlaybookDir == "" {
		return fmt.Errorf("engine.playbook_dir is required")
	}
	if c.Engine.ExecutionTTL <= 0 {
		return fmt.Errorf("engine.execution_ttl must be positive")
	}
	if c.Engine.WatchdogTimeout <= 0 {
		return fmt.Errorf("engine.watchdog_timeout must be positive")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.ListenAddr, "PLAYBOOKD_LISTEN_ADDR")
	setDuration(&c.Server.ShutdownTimeout, "PLAYBOOKD_SHUTDOWN_TIMEOUT")
	setString(&c.Engine.PlaybookDir, "PLAYBOOKD_PLAYBOOK_DIR")
	setString(&c.Engine.DataDir, "PLAYBOOKD_DATA_DIR")
	setDuration(&c.Engine.ExecutionTTL, "PLAYBOOKD_EXECUTION_TTL")
	setDuration(&c.Engine.WatchdogTimeout, "PLAYBOOKD_WATCHDOG_TIMEOUT")
	setString(&c.Engine.CredentialsFile, "PLAYBOOKD_CREDENTIALS_FILE")
	setString(&c.Storage.DatabasePath, "PLAYBOOKD_DATABASE_PATH")
	setInt(&c.Storage.MaxOpenConns, "PLAYBOOKD_DB_MAX_OPEN_CONNS")
	setString(&c.Log.Level, "PLAYBOOKD_LOG_LEVEL")
	setString(&c.Log.Format, "PLAYBOOKD_LOG_FORMAT")
	setBool(&c.Tracing.Enabled, "PLAYBOOKD_TRACING_ENABLED")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// defaultDataDir follows XDG conventions with a ~/.local/share
// fallback.
func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "playbookd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "playbookd-data"
	}
	return filepath.Join(home, ".local", "share", "playbookd")
}
