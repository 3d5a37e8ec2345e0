package app

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/antoniostano/parakeet/internal/audio"
	"github.com/antoniostano/parakeet/internal/audio/portaudio"
	"github.com/antoniostano/parakeet/internal/config"
	"github.com/antoniostano/parakeet/internal/live"
)

type voiceSetup struct {
	dialer   live.Dialer
	devices  audio.Devices
	provider string
	device   string
	detail   string
	cleanup  func() error
}

// resolveVoice picks the live backend and the audio device set.
func resolveVoice(cfg config.Config, logger *zap.Logger) (voiceSetup, error) {
	var setup voiceSetup

	switch cfg.LiveBackend {
	case config.BackendMock:
		setup.dialer = live.NewMockDialer()
		setup.provider = config.BackendMock
	case config.BackendGemini:
		if cfg.GeminiAPIKey == "" {
			logger.Warn("GEMINI_API_KEY is not set; conversations will fail to start")
		}
		setup.dialer = live.NewGeminiDialer(live.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			WSURL:  cfg.LiveWSURL,
			Logger: logger.Named("gemini"),
		})
		setup.provider = config.BackendGemini
	default:
		return voiceSetup{}, fmt.Errorf("invalid LIVE_BACKEND: %q (expected gemini|mock)", cfg.LiveBackend)
	}

	switch cfg.AudioDevice {
	case config.DeviceVirtual:
		setup.devices = &audio.VirtualDevices{}
		setup.device = config.DeviceVirtual
	case config.DevicePortAudio:
		devices, err := portaudio.Open()
		switch {
		case errors.Is(err, portaudio.ErrNotBuilt):
			logger.Warn("portaudio not compiled in; using virtual audio devices")
			setup.devices = &audio.VirtualDevices{}
			setup.device = config.DeviceVirtual
		case err != nil:
			return voiceSetup{}, fmt.Errorf("audio device init failed: %w", err)
		default:
			setup.devices = devices
			setup.device = config.DevicePortAudio
			setup.cleanup = devices.Close
		}
	default:
		return voiceSetup{}, fmt.Errorf("invalid AUDIO_DEVICE: %q (expected portaudio|virtual)", cfg.AudioDevice)
	}

	setup.detail = fmt.Sprintf("%s live backend, %s audio", setup.provider, setup.device)
	return setup, nil
}
