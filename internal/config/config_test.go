package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LiveBackend != BackendGemini {
		t.Fatalf("LiveBackend = %q, want %q", cfg.LiveBackend, BackendGemini)
	}
	if cfg.AudioDevice != DevicePortAudio {
		t.Fatalf("AudioDevice = %q, want %q", cfg.AudioDevice, DevicePortAudio)
	}
	if cfg.InputSampleRate != 16000 || cfg.OutputSampleRate != 24000 || cfg.CaptureFrameSize != 4096 {
		t.Fatalf("audio defaults = %d/%d/%d", cfg.InputSampleRate, cfg.OutputSampleRate, cfg.CaptureFrameSize)
	}
	if cfg.LiveSetupTimeout != 10*time.Second {
		t.Fatalf("LiveSetupTimeout = %v, want 10s", cfg.LiveSetupTimeout)
	}
	if !cfg.RedactPII {
		t.Fatal("RedactPII default = false, want true")
	}
	if cfg.GeminiAPIKey != "" {
		t.Fatalf("GeminiAPIKey = %q, want empty", cfg.GeminiAPIKey)
	}
	if cfg.TranscribeModel != "gemini-3-flash-preview" {
		t.Fatalf("TranscribeModel = %q", cfg.TranscribeModel)
	}
}

func TestLoadAPIKeyFallback(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("API_KEY", " fallback ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GeminiAPIKey != "fallback" {
		t.Fatalf("GeminiAPIKey = %q, want fallback", cfg.GeminiAPIKey)
	}

	t.Setenv("GEMINI_API_KEY", "primary")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GeminiAPIKey != "primary" {
		t.Fatalf("GeminiAPIKey = %q, want primary", cfg.GeminiAPIKey)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("LIVE_BACKEND", "MOCK")
	t.Setenv("AUDIO_DEVICE", "virtual")
	t.Setenv("AUDIO_OUTPUT_SAMPLE_RATE", "48000")
	t.Setenv("LIVE_SETUP_TIMEOUT", "3s")
	t.Setenv("TRANSCRIPT_REDACT_PII", "off")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LiveBackend != BackendMock || cfg.AudioDevice != DeviceVirtual {
		t.Fatalf("backend/device = %q/%q", cfg.LiveBackend, cfg.AudioDevice)
	}
	if cfg.OutputSampleRate != 48000 || cfg.LiveSetupTimeout != 3*time.Second {
		t.Fatalf("rate/timeout = %d/%v", cfg.OutputSampleRate, cfg.LiveSetupTimeout)
	}
	if cfg.RedactPII || !cfg.AllowAnyOrigin {
		t.Fatalf("RedactPII = %v, AllowAnyOrigin = %v", cfg.RedactPII, cfg.AllowAnyOrigin)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"LIVE_BACKEND", "openai", "LIVE_BACKEND"},
		{"AUDIO_DEVICE", "alsa", "AUDIO_DEVICE"},
		{"AUDIO_INPUT_SAMPLE_RATE", "4000", "AUDIO_INPUT_SAMPLE_RATE"},
		{"AUDIO_CAPTURE_FRAME_SIZE", "0", "AUDIO_CAPTURE_FRAME_SIZE"},
		{"AUDIO_OUTBOUND_QUEUE", "abc", "AUDIO_OUTBOUND_QUEUE parse error"},
		{"LIVE_SETUP_TIMEOUT", "10ms", "LIVE_SETUP_TIMEOUT"},
		{"TRANSCRIPT_REDACT_PII", "maybe", "expected bool"},
		{"LOG_LEVEL", "trace", "LOG_LEVEL"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("ASSISTANT_NAME=Nova\nLOG_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	// godotenv only fills unset variables; t.Setenv("") counts as set.
	os.Unsetenv("ASSISTANT_NAME")
	t.Setenv("LOG_LEVEL", "warn")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("ASSISTANT_NAME") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AssistantName != "Nova" {
		t.Fatalf("AssistantName = %q, want Nova", cfg.AssistantName)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"GEMINI_API_KEY",
		"API_KEY",
		"LIVE_BACKEND",
		"LIVE_WS_URL",
		"LIVE_MODEL",
		"LIVE_VOICE_NAME",
		"LIVE_SYSTEM_INSTRUCTION",
		"LIVE_SETUP_TIMEOUT",
		"ASSISTANT_NAME",
		"TRANSCRIBE_MODEL",
		"AUDIO_DEVICE",
		"AUDIO_INPUT_SAMPLE_RATE",
		"AUDIO_OUTPUT_SAMPLE_RATE",
		"AUDIO_CAPTURE_FRAME_SIZE",
		"AUDIO_OUTBOUND_QUEUE",
		"DATABASE_URL",
		"TRANSCRIPT_REDACT_PII",
		"LOG_LEVEL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
