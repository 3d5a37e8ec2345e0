package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/antoniostano/parakeet/internal/audio"
)

var ErrEmptySegment = errors.New("empty playback segment")

// Segment is one decoded block of model speech.
type Segment struct {
	Samples    []int16
	SampleRate int
}

func (s Segment) Duration() time.Duration {
	return audio.FramesToDuration(int64(len(s.Samples)), s.SampleRate)
}

// Scheduler places segments back to back on an output engine's timeline and
// tracks which of them are still pending.
//
// Lock order: Scheduler.mu is taken before the engine's own lock. The drained
// hook runs on the engine's render thread with no scheduler lock held.
type Scheduler struct {
	mu        sync.Mutex
	out       audio.OutputEngine
	clock     time.Duration
	nextID    uint64
	pending   map[uint64]audio.Voice
	onDrained func()
}

func NewScheduler(out audio.OutputEngine, onDrained func()) *Scheduler {
	return &Scheduler{
		out:       out,
		pending:   make(map[uint64]audio.Voice),
		onDrained: onDrained,
	}
}

// Enqueue schedules seg at max(clock, engine time) and returns that start.
func (s *Scheduler) Enqueue(seg Segment) (time.Duration, error) {
	if len(seg.Samples) == 0 {
		return 0, ErrEmptySegment
	}
	if seg.SampleRate != s.out.SampleRate() {
		return 0, fmt.Errorf("segment rate %d Hz does not match output rate %d Hz", seg.SampleRate, s.out.SampleRate())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := max(s.clock, s.out.CurrentTime())
	s.nextID++
	id := s.nextID
	voice, err := s.out.Schedule(seg.Samples, start, func() { s.ended(id) })
	if err != nil {
		return 0, fmt.Errorf("schedule segment: %w", err)
	}
	s.pending[id] = voice
	s.clock = start + seg.Duration()
	return start, nil
}

func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	if _, ok := s.pending[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	drained := len(s.pending) == 0
	hook := s.onDrained
	s.mu.Unlock()

	if drained && hook != nil {
		hook()
	}
}

// Interrupt discards every pending segment and rewinds the clock to zero.
// It reports drained when anything was discarded.
func (s *Scheduler) Interrupt() int {
	n := s.clear()
	if n > 0 && s.onDrained != nil {
		s.onDrained()
	}
	return n
}

// ClearAll is Interrupt without the drained notification, for teardown.
func (s *Scheduler) ClearAll() int {
	return s.clear()
}

func (s *Scheduler) clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	for id, v := range s.pending {
		v.Stop()
		delete(s.pending, id)
	}
	s.clock = 0
	return n
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Clock is the earliest start time of the next segment.
func (s *Scheduler) Clock() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}
