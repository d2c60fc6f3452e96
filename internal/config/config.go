// Package config loads and validates the proxy configuration.
//
// Configuration is a TOML file with four sections:
//   - [detection] mode, enabled, confidence_threshold, [detection.patterns]
//   - [faker] locale, seed, consistency
//   - [mapping] database_path, encryption, retention_days
//   - [llm] enabled, model, endpoint, timeout_seconds, prompt_template
//
// Load order is defaults, then file overrides, then validation. Validation
// failures are fatal at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Detection modes.
const (
	ModeRegex    = "regex"
	ModeLLM      = "llm"
	ModeRegexLLM = "regex_llm"
)

// Config is the full proxy configuration.
type Config struct {
	Detection DetectionConfig `toml:"detection"`
	Faker     FakerConfig     `toml:"faker"`
	Mapping   MappingConfig   `toml:"mapping"`
	LLM       LLMConfig       `toml:"llm"`
}

// DetectionConfig selects the detection mode and regex pattern set.
type DetectionConfig struct {
	Mode                string            `toml:"mode"`
	Enabled             bool              `toml:"enabled"`
	Patterns            map[string]string `toml:"patterns"`
	ConfidenceThreshold float64           `toml:"confidence_threshold"`
}

// FakerConfig controls fake value synthesis. Consistency is parsed and
// stored but currently reserved.
type FakerConfig struct {
	Locale      string  `toml:"locale"`
	Seed        *uint64 `toml:"seed"`
	Consistency bool    `toml:"consistency"`
}

// MappingConfig locates the persistent mapping store. Encryption is
// reserved. A nil RetentionDays means rows never expire.
type MappingConfig struct {
	DatabasePath  string `toml:"database_path"`
	Encryption    bool   `toml:"encryption"`
	RetentionDays *int   `toml:"retention_days"`
}

// LLMConfig points at the local Ollama instance used for the second
// detection stage.
type LLMConfig struct {
	Enabled        bool   `toml:"enabled"`
	Model          string `toml:"model"`
	Endpoint       string `toml:"endpoint"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	PromptTemplate string `toml:"prompt_template"`
}

// Default returns the built-in configuration: regex_llm mode with the
// standard pattern set, seeded faker, 90-day retention, local Ollama.
func Default() *Config {
	seed := uint64(12345)
	retention := 90
	return &Config{
		Detection: DetectionConfig{
			Mode:                ModeRegexLLM,
			Enabled:             true,
			Patterns:            DefaultPatterns(),
			ConfidenceThreshold: 0.8,
		},
		Faker: FakerConfig{
			Locale:      "en_US",
			Seed:        &seed,
			Consistency: true,
		},
		Mapping: MappingConfig{
			DatabasePath:  "mappings.db",
			Encryption:    false,
			RetentionDays: &retention,
		},
		LLM: LLMConfig{
			Enabled:        true,
			Model:          "llama3.2:3b",
			Endpoint:       "http://localhost:11434",
			TimeoutSeconds: 300,
		},
	}
}

// DefaultPatterns returns a fresh copy of the built-in regex set.
func DefaultPatterns() map[string]string {
	return map[string]string{
		"email":       `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`,
		"phone":       `\b\d{3}-\d{3}-\d{4}\b`,
		"ssn":         `\b\d{3}-\d{2}-\d{4}\b`,
		"credit_card": `\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`,
		"ip_address":  `\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`,
		"url":         `\bhttps?://[^\s"'<>]+`,
	}
}

// Load reads the TOML file at path over the defaults and validates the
// result. An empty path returns validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as TOML, creating parent directories.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // encoder errors are surfaced below

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// Validate checks that every regex compiles, the threshold is in range,
// the mode is known, and the LLM section is coherent when enabled.
func (c *Config) Validate() error {
	switch c.Detection.Mode {
	case ModeRegex, ModeLLM, ModeRegexLLM:
	default:
		return fmt.Errorf("unknown detection mode %q", c.Detection.Mode)
	}
	for name, expr := range c.Detection.Patterns {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("invalid regex pattern %q: %w", name, err)
		}
	}
	if t := c.Detection.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("confidence threshold %v out of range [0,1]", t)
	}
	if c.Mapping.DatabasePath == "" {
		return fmt.Errorf("mapping database_path must not be empty")
	}
	if c.LLM.Enabled {
		if c.LLM.Endpoint == "" {
			return fmt.Errorf("llm enabled but endpoint is empty")
		}
		if c.LLM.Model == "" {
			return fmt.Errorf("llm enabled but model is empty")
		}
		if c.LLM.TimeoutSeconds <= 0 {
			return fmt.Errorf("llm timeout_seconds must be positive, got %d", c.LLM.TimeoutSeconds)
		}
	}
	return nil
}
