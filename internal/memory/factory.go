package memory

import (
	"context"
	"strings"

	"github.com/antoniostano/parakeet/internal/policy"
)

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
// With redact set, entries are masked for PII before they reach the backend.
func NewStore(ctx context.Context, databaseURL string, redact bool) (Store, error) {
	var (
		store Store
		err   error
	)
	if strings.TrimSpace(databaseURL) == "" {
		store = NewInMemoryStore()
	} else if store, err = NewPostgresStore(ctx, databaseURL); err != nil {
		return nil, err
	}
	if redact {
		store = NewRedactingStore(store)
	}
	return store, nil
}

// RedactingStore masks PII in transcript text on write.
type RedactingStore struct {
	Store
}

func NewRedactingStore(inner Store) *RedactingStore { return &RedactingStore{Store: inner} }

func (s *RedactingStore) SaveTurn(ctx context.Context, records []TranscriptRecord) error {
	masked := make([]TranscriptRecord, len(records))
	for i, r := range records {
		text, kinds := policy.RedactPII(r.Text)
		r.Text = text
		r.PIIRedacted = r.PIIRedacted || len(kinds) > 0
		masked[i] = r
	}
	return s.Store.SaveTurn(ctx, masked)
}
