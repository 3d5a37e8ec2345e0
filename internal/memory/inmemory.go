package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process transcript store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]TranscriptRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string][]TranscriptRecord)}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, records []TranscriptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		s.sessions[r.SessionID] = append(s.sessions[r.SessionID], r)
	}
	return nil
}

func (s *InMemoryStore) SessionTranscript(_ context.Context, sessionID string) ([]TranscriptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := slices.Clone(arr)
	slices.SortStableFunc(out, func(a, b TranscriptRecord) int { return a.Seq - b.Seq })
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
