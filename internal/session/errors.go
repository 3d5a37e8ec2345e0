package session

import (
	"errors"
	"fmt"

	"github.com/antoniostano/parakeet/internal/audio"
	"github.com/antoniostano/parakeet/internal/live"
)

// Kind classifies conversation failures.
type Kind string

const (
	KindPermission Kind = "permission"
	KindConnection Kind = "connection"
	KindDecode     Kind = "decode"
	KindServer     Kind = "server"
)

var (
	ErrAlreadyActive = errors.New("conversation already active")
	// ErrStopped is returned by a Start that was cancelled by Stop.
	ErrStopped       = errors.New("conversation stopped during start")
	ErrManagerClosed = errors.New("session manager closed")
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Terminal reports whether the error ends the session.
func (e *Error) Terminal() bool { return e.Kind != KindDecode }

// UserMessage is the text shown to the user for a terminal failure.
func (e *Error) UserMessage() string {
	switch {
	case errors.Is(e.Err, live.ErrMissingCredential):
		return "No API key configured. Set GEMINI_API_KEY and start again."
	case e.Kind == KindPermission && errors.Is(e.Err, audio.ErrCaptureUnavailable):
		return "Microphone access was denied. Check that an input device is connected and allowed."
	case e.Kind == KindPermission:
		return fmt.Sprintf("Audio output is unavailable: %v", e.Err)
	case e.Kind == KindServer:
		return fmt.Sprintf("An API error occurred: %v", e.Err)
	default:
		return fmt.Sprintf("Failed to start: %v", e.Err)
	}
}
