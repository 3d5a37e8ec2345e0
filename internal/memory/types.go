package memory

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("transcript not found")

// TranscriptRecord stores one committed transcript entry of a session.
type TranscriptRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Seq         int       `json:"seq"`
	Speaker     string    `json:"speaker"`
	Text        string    `json:"text"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists committed transcripts.
type Store interface {
	SaveTurn(ctx context.Context, records []TranscriptRecord) error
	// SessionTranscript returns a session's entries in commit order, or
	// ErrNotFound when nothing was stored for it.
	SessionTranscript(ctx context.Context, sessionID string) ([]TranscriptRecord, error)
	Close() error
}
