package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every problem found, not just the first.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Switch.URL == "" {
		errs = append(errs, errors.New("switch.url is required"))
	}
	if cfg.Switch.App == "" {
		errs = append(errs, errors.New("switch.app is required"))
	}

	if cfg.Admin.Port <= 0 {
		errs = append(errs, fmt.Errorf("admin.port %d must be a positive TCP port", cfg.Admin.Port))
	}

	if cfg.Inbound.RingDelayMs < 0 {
		errs = append(errs, fmt.Errorf("inbound.ring_delay_ms %d must not be negative", cfg.Inbound.RingDelayMs))
	}

	if cfg.ASR.URL == "" {
		errs = append(errs, errors.New("asr.url is required"))
	}

	if cfg.TTS.TimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("tts.timeout_ms %d must not be negative", cfg.TTS.TimeoutMs))
	}

	if cfg.Allowlist.Path == "" {
		errs = append(errs, errors.New("allowlist.path is required"))
	}

	return errors.Join(errs...)
}
