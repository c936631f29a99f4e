// Package config loads the auditor's YAML configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/fidde/agent_audit/internal/analysis"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration. Every field has a default, so an
// absent file or an empty document yields a runnable configuration.
type Config struct {
	// Listen addresses.
	APIAddr      string `yaml:"api_addr"`
	OTLPHTTPAddr string `yaml:"otlp_http_addr"`
	OTLPGRPCAddr string `yaml:"otlp_grpc_addr"`

	// Storage selects the scenario store backend.
	Storage StorageConfig `yaml:"storage"`

	// Archive configures the optional ClickHouse record archive.
	Archive ArchiveConfig `yaml:"archive"`

	// Analysis holds the detection thresholds used as per-request defaults.
	Analysis analysis.Config `yaml:"analysis"`

	// Scanner configures the conversation scanner fan-out.
	Scanner ScannerConfig `yaml:"scanner"`
}

// StorageConfig selects and parameterizes the scenario store.
type StorageConfig struct {
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
}

// ArchiveConfig parameterizes the ClickHouse record archive.
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ScannerConfig parameterizes the scanner fan-out.
type ScannerConfig struct {
	AlignmentEnabled bool   `yaml:"alignment_enabled"`
	AlignmentModel   string `yaml:"alignment_model"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		APIAddr:      "0.0.0.0:8080",
		OTLPHTTPAddr: "0.0.0.0:4318",
		OTLPGRPCAddr: "0.0.0.0:4317",
		Storage: StorageConfig{
			Backend:    "memory",
			SQLitePath: "./data/agent_audit.db",
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			Addr:     "localhost:9000",
			Database: "default",
			Username: "default",
		},
		Analysis: analysis.DefaultConfig(),
		Scanner: ScannerConfig{
			AlignmentEnabled: false,
			AlignmentModel:   "",
		},
	}
}

// Load reads a YAML configuration file over the defaults. A missing path is
// not an error; the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Analysis.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
