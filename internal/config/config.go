// Package config provides the configuration schema and loader for the call
// mediation orchestrator.
package config

import "time"

// LogLevel controls log verbosity for the orchestrator.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration schema.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Switch    SwitchConfig    `yaml:"switch"`
	Admin     AdminConfig     `yaml:"admin"`
	Inbound   InboundConfig   `yaml:"inbound"`
	ASR       ASRConfig       `yaml:"asr"`
	TTS       TTSConfig       `yaml:"tts"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Allowlist AllowlistConfig `yaml:"allowlist"`
}

// ServerConfig holds process-wide settings, such as the logging concern,
// that sit outside any single collaborator's own config block.
type ServerConfig struct {
	LogLevel LogLevel `yaml:"log_level"`
}

// SwitchConfig configures the connection to the telephony switch.
type SwitchConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	App      string `yaml:"app"` // Stasis application name
}

// AdminConfig holds the admin listen address. The daemon serves /healthz
// and /metrics on Host:Port; the admin REST surface itself is not part of
// this module, and APIKey is loaded but not checked by anything here.
type AdminConfig struct {
	Port   int    `yaml:"port"`
	Host   string `yaml:"host"`
	APIKey string `yaml:"api_key"`
}

// InboundConfig configures inbound-call handling.
type InboundConfig struct {
	RingDelayMs int `yaml:"ring_delay_ms"`
}

// RingDelay returns the configured ring delay, defaulting to 3000ms.
func (c InboundConfig) RingDelay() time.Duration {
	if c.RingDelayMs <= 0 {
		return 3000 * time.Millisecond
	}
	return time.Duration(c.RingDelayMs) * time.Millisecond
}

// ASRConfig configures the ASR streaming service.
type ASRConfig struct {
	URL      string `yaml:"url"`
	Language string `yaml:"language"`
}

// LanguageOrDefault returns the configured language, defaulting to "English".
func (c ASRConfig) LanguageOrDefault() string {
	if c.Language == "" {
		return "English"
	}
	return c.Language
}

// TTSConfig configures the TTS synthesis service. URL is optional — an
// empty URL means TTS is not configured, and speak() fails with
// NotImplemented.
type TTSConfig struct {
	URL             string `yaml:"url"`
	DefaultVoice    string `yaml:"default_voice"`
	DefaultLanguage string `yaml:"default_language"`
	TimeoutMs       int    `yaml:"timeout_ms"`
}

// Configured reports whether a TTS server URL has been set.
func (c TTSConfig) Configured() bool { return c.URL != "" }

// Timeout returns the configured TTS request timeout, defaulting to 30s.
func (c TTSConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// WebhookConfig configures the single fire-and-forget webhook target.
type WebhookConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether a webhook URL has been set.
func (c WebhookConfig) Configured() bool { return c.URL != "" }

// AllowlistConfig configures the caller-ID/destination allowlist gate.
// Path points at a JSON file with {"inbound": [...], "outbound": [...]}; an
// empty array for either direction means allow-all for that direction. The
// file is hot-reloaded when it changes.
type AllowlistConfig struct {
	Path string `yaml:"path"`
}
