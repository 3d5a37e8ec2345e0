package session

import (
	"time"

	"github.com/antoniostano/parakeet/internal/transcript"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusListening Status = "listening"
	StatusThinking  Status = "thinking"
	StatusSpeaking  Status = "speaking"
	StatusError     Status = "error"
)

// Active reports whether a session is open or being opened.
func (s Status) Active() bool {
	switch s {
	case StatusListening, StatusThinking, StatusSpeaking:
		return true
	default:
		return false
	}
}

// Snapshot is the UI's view of the conversation.
type Snapshot struct {
	Status          Status             `json:"status"`
	SessionID       string             `json:"session_id,omitempty"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	History         []transcript.Entry `json:"history"`
	InterimText     string             `json:"interim_text"`
	LastError       string             `json:"last_error,omitempty"`
	LastErrorKind   Kind               `json:"last_error_kind,omitempty"`
	OutputLevel     float64            `json:"output_level"`
	PendingSegments int                `json:"pending_segments"`
}
