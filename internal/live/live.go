// Package live abstracts the bidirectional streaming session with a remote
// speech model.
package live

import (
	"context"
	"errors"
	"time"

	"github.com/antoniostano/parakeet/internal/audio"
)

type EventType string

const (
	EventInputText    EventType = "input_text"
	EventOutputText   EventType = "output_text"
	EventAudio        EventType = "audio"
	EventInterrupted  EventType = "interrupted"
	EventTurnComplete EventType = "turn_complete"
	EventClosed       EventType = "closed"
	EventError        EventType = "error"
)

// Event is one inbound notification from the remote session. Closed and
// Error are terminal: no event follows them.
type Event struct {
	Type  EventType
	Text  string
	Audio audio.Blob
	Err   error
}

const (
	DefaultModel             = "gemini-2.5-flash-native-audio-preview-12-2025"
	DefaultVoiceName         = "Zephyr"
	DefaultSystemInstruction = "You are Chandram, a friendly and helpful AI assistant. Keep your responses concise and conversational."
	DefaultSetupTimeout      = 10 * time.Second
)

type Config struct {
	Model             string
	VoiceName         string
	SystemInstruction string
	InputSampleRate   int
	// SetupTimeout bounds the wait for the server to acknowledge setup.
	SetupTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.VoiceName == "" {
		c.VoiceName = DefaultVoiceName
	}
	if c.SystemInstruction == "" {
		c.SystemInstruction = DefaultSystemInstruction
	}
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = 16000
	}
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = DefaultSetupTimeout
	}
	return c
}

var (
	ErrSessionClosed     = errors.New("live session closed")
	ErrMissingCredential = errors.New("missing API credential")
	ErrSetupRejected     = errors.New("live session setup rejected")
)

// Session is one open remote streaming connection.
type Session interface {
	SendAudio(ctx context.Context, blob audio.Blob) error
	// Events is closed after the terminal event, or when Close is called.
	Events() <-chan Event
	Close() error
}

type Dialer interface {
	// Ready reports ErrMissingCredential before any resource is acquired.
	Ready() error
	Open(ctx context.Context, cfg Config) (Session, error)
}
