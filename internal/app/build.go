package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/antoniostano/parakeet/internal/audio"
	"github.com/antoniostano/parakeet/internal/capture"
	"github.com/antoniostano/parakeet/internal/config"
	"github.com/antoniostano/parakeet/internal/httpapi"
	"github.com/antoniostano/parakeet/internal/live"
	"github.com/antoniostano/parakeet/internal/memory"
	"github.com/antoniostano/parakeet/internal/observability"
	"github.com/antoniostano/parakeet/internal/session"
	"github.com/antoniostano/parakeet/internal/transcribe"
)

type VoiceInfo struct {
	Provider string
	Device   string
	Detail   string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Devices  audio.Devices
	Metrics  *observability.Metrics
	Voice    VoiceInfo

	// Cleanup should be called on shutdown to release external resources (DB, audio host, etc).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, cfg.DatabaseURL, cfg.RedactPII)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	setup, err := resolveVoice(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sessions := session.NewManager(session.Config{
		Live: live.Config{
			Model:             cfg.LiveModel,
			VoiceName:         cfg.LiveVoiceName,
			SystemInstruction: cfg.LiveSystemInstruction,
			SetupTimeout:      cfg.LiveSetupTimeout,
		},
		Provider:         setup.provider,
		AssistantName:    cfg.AssistantName,
		InputSampleRate:  cfg.InputSampleRate,
		OutputSampleRate: cfg.OutputSampleRate,
		FrameSize:        cfg.CaptureFrameSize,
		OutboundQueue:    cfg.OutboundQueue,
	}, setup.dialer, setup.devices, store, metrics, logger.Named("session"))

	api := httpapi.New(ctx, cfg, sessions, metrics, logger.Named("http"))

	cleanup := func() error {
		var errs []error
		errs = append(errs, sessions.Close())
		if setup.cleanup != nil {
			errs = append(errs, setup.cleanup())
		}
		errs = append(errs, store.Close())
		return errors.Join(errs...)
	}

	logger.Info("voice stack ready", zap.String("detail", setup.detail), zap.String("store", storeMode(cfg)))

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Devices:  setup.devices,
		Metrics:  metrics,
		Voice: VoiceInfo{
			Provider: setup.provider,
			Device:   setup.device,
			Detail:   setup.detail,
		},
		Cleanup: cleanup,
	}, nil
}

// NewRecorder builds the push-to-record transcription flow on the same
// devices as the live conversation.
func (b *BuildResult) NewRecorder(ctx context.Context, logger *zap.Logger) (*transcribe.Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tx, err := transcribe.NewGeminiTranscriber(ctx, transcribe.GeminiConfig{
		APIKey: b.Config.GeminiAPIKey,
		Model:  b.Config.TranscribeModel,
		Logger: logger.Named("transcribe"),
	})
	if err != nil {
		return nil, err
	}
	return &transcribe.Recorder{
		Devices:     b.Devices,
		Transcriber: tx,
		SampleRate:  b.Config.InputSampleRate,
		FrameSize:   capture.DefaultFrameSize,
		Logger:      logger.Named("recorder"),
		Metrics:     b.Metrics,
	}, nil
}

func storeMode(cfg config.Config) string {
	mode := "in-memory"
	if cfg.DatabaseURL != "" {
		mode = "postgres"
	}
	if cfg.RedactPII {
		mode += "+redacted"
	}
	return mode
}
