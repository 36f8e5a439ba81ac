package config_test

import (
	"testing"
	"time"

	"github.com/callmedia/orchestrator/internal/config"
)

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error(`"verbose" should not be valid`)
	}
}

func TestInboundConfig_RingDelay(t *testing.T) {
	t.Parallel()
	if got := (config.InboundConfig{}).RingDelay(); got != 3*time.Second {
		t.Errorf("default RingDelay = %v, want 3s", got)
	}
	if got := (config.InboundConfig{RingDelayMs: 500}).RingDelay(); got != 500*time.Millisecond {
		t.Errorf("RingDelay = %v, want 500ms", got)
	}
}

func TestASRConfig_LanguageOrDefault(t *testing.T) {
	t.Parallel()
	if got := (config.ASRConfig{}).LanguageOrDefault(); got != "English" {
		t.Errorf("default language = %q, want English", got)
	}
	if got := (config.ASRConfig{Language: "Spanish"}).LanguageOrDefault(); got != "Spanish" {
		t.Errorf("language = %q, want Spanish", got)
	}
}

func TestTTSConfig_ConfiguredAndTimeout(t *testing.T) {
	t.Parallel()
	if (config.TTSConfig{}).Configured() {
		t.Error("empty TTSConfig should not be configured")
	}
	if !(config.TTSConfig{URL: "http://localhost/tts"}).Configured() {
		t.Error("TTSConfig with URL should be configured")
	}
	if got := (config.TTSConfig{}).Timeout(); got != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", got)
	}
	if got := (config.TTSConfig{TimeoutMs: 5000}).Timeout(); got != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", got)
	}
}

func TestWebhookConfig_Configured(t *testing.T) {
	t.Parallel()
	if (config.WebhookConfig{}).Configured() {
		t.Error("empty WebhookConfig should not be configured")
	}
	if !(config.WebhookConfig{URL: "http://localhost/hook"}).Configured() {
		t.Error("WebhookConfig with URL should be configured")
	}
}
