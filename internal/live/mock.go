package live

import (
	"context"
	"sync"

	"github.com/antoniostano/parakeet/internal/audio"
)

// MockDialer is a local backend used when no Gemini credential is configured
// or for offline runs. Every TurnEvery received frames it replies with a
// scripted turn: partial user text, a short tone, model text, turn completion.
type MockDialer struct {
	TurnEvery  int
	OutputRate int
}

func NewMockDialer() *MockDialer { return &MockDialer{TurnEvery: 12, OutputRate: 24000} }

func (d *MockDialer) Ready() error { return nil }

func (d *MockDialer) Open(_ context.Context, cfg Config) (Session, error) {
	cfg = cfg.withDefaults()
	every := d.TurnEvery
	if every <= 0 {
		every = 12
	}
	rate := d.OutputRate
	if rate <= 0 {
		rate = 24000
	}
	s := NewMockSession()
	s.onSend = func(frames int) {
		if frames%every != 0 {
			return
		}
		tone := audio.SineTone(440, rate, rate/5, 0.2)
		s.Push(
			Event{Type: EventInputText, Text: "simulated "},
			Event{Type: EventInputText, Text: "voice input"},
			Event{Type: EventAudio, Audio: audio.EncodePCM16(tone, rate)},
			Event{Type: EventAudio, Audio: audio.EncodePCM16(tone, rate)},
			Event{Type: EventOutputText, Text: "This is a simulated reply."},
			Event{Type: EventTurnComplete},
		)
	}
	return s, nil
}

// MockSession is an in-memory Session. Tests drive it with Push and inspect
// what was sent.
type MockSession struct {
	mu     sync.Mutex
	events chan Event
	sent   []audio.Blob
	closed bool
	closes int
	onSend func(frames int)
}

func NewMockSession() *MockSession {
	return &MockSession{events: make(chan Event, 256)}
}

func (s *MockSession) SendAudio(_ context.Context, blob audio.Blob) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.sent = append(s.sent, blob)
	n := len(s.sent)
	hook := s.onSend
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (s *MockSession) Events() <-chan Event { return s.events }

// Push queues inbound events. It drops them once the session is closed.
func (s *MockSession) Push(events ...Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ev := range events {
		select {
		case s.events <- ev:
		default:
		}
	}
}

func (s *MockSession) Sent() []audio.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Blob(nil), s.sent...)
}

// Closes counts Close calls, including repeated ones.
func (s *MockSession) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
