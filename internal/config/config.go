package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendGemini = "gemini"
	BackendMock   = "mock"

	DevicePortAudio = "portaudio"
	DeviceVirtual   = "virtual"
)

// Config contains all runtime settings for the voice client.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	GeminiAPIKey          string
	LiveBackend           string
	LiveWSURL             string
	LiveModel             string
	LiveVoiceName         string
	LiveSystemInstruction string
	LiveSetupTimeout      time.Duration
	AssistantName         string
	TranscribeModel       string

	AudioDevice      string
	InputSampleRate  int
	OutputSampleRate int
	CaptureFrameSize int
	OutboundQueue    int

	DatabaseURL string
	RedactPII   bool

	LogLevel string
}

// LoadDotEnv reads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	apiKey := stringsTrimSpace("GEMINI_API_KEY")
	if apiKey == "" {
		apiKey = stringsTrimSpace("API_KEY")
	}
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", "127.0.0.1:8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "parakeet"),
		GeminiAPIKey:          apiKey,
		LiveBackend:           strings.ToLower(envOrDefault("LIVE_BACKEND", BackendGemini)),
		LiveWSURL:             stringsTrimSpace("LIVE_WS_URL"),
		LiveModel:             stringsTrimSpace("LIVE_MODEL"),
		LiveVoiceName:         stringsTrimSpace("LIVE_VOICE_NAME"),
		LiveSystemInstruction: stringsTrimSpace("LIVE_SYSTEM_INSTRUCTION"),
		AssistantName:         envOrDefault("ASSISTANT_NAME", "Chandram"),
		TranscribeModel:       envOrDefault("TRANSCRIBE_MODEL", "gemini-3-flash-preview"),
		AudioDevice:           strings.ToLower(envOrDefault("AUDIO_DEVICE", DevicePortAudio)),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		LogLevel:              strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		ShutdownTimeout:       15 * time.Second,
		LiveSetupTimeout:      10 * time.Second,
		InputSampleRate:       16000,
		OutputSampleRate:      24000,
		CaptureFrameSize:      4096,
		OutboundQueue:         32,
		RedactPII:             true,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LiveSetupTimeout, err = durationFromEnv("LIVE_SETUP_TIMEOUT", cfg.LiveSetupTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RedactPII, err = boolFromEnv("TRANSCRIPT_REDACT_PII", cfg.RedactPII)
	if err != nil {
		return Config{}, err
	}
	cfg.InputSampleRate, err = intFromEnv("AUDIO_INPUT_SAMPLE_RATE", cfg.InputSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.OutputSampleRate, err = intFromEnv("AUDIO_OUTPUT_SAMPLE_RATE", cfg.OutputSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureFrameSize, err = intFromEnv("AUDIO_CAPTURE_FRAME_SIZE", cfg.CaptureFrameSize)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboundQueue, err = intFromEnv("AUDIO_OUTBOUND_QUEUE", cfg.OutboundQueue)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LiveBackend {
	case BackendGemini, BackendMock:
	default:
		return fmt.Errorf("LIVE_BACKEND must be %q or %q, got %q", BackendGemini, BackendMock, c.LiveBackend)
	}
	switch c.AudioDevice {
	case DevicePortAudio, DeviceVirtual:
	default:
		return fmt.Errorf("AUDIO_DEVICE must be %q or %q, got %q", DevicePortAudio, DeviceVirtual, c.AudioDevice)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}
	if c.InputSampleRate < 8000 || c.InputSampleRate > 48000 {
		return fmt.Errorf("AUDIO_INPUT_SAMPLE_RATE must be between 8000 and 48000")
	}
	if c.OutputSampleRate < 8000 || c.OutputSampleRate > 48000 {
		return fmt.Errorf("AUDIO_OUTPUT_SAMPLE_RATE must be between 8000 and 48000")
	}
	if c.CaptureFrameSize <= 0 {
		return fmt.Errorf("AUDIO_CAPTURE_FRAME_SIZE must be positive")
	}
	if c.OutboundQueue <= 0 {
		return fmt.Errorf("AUDIO_OUTBOUND_QUEUE must be positive")
	}
	if c.LiveSetupTimeout < time.Second {
		return fmt.Errorf("LIVE_SETUP_TIMEOUT must be at least 1s")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
