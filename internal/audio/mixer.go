package audio

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Mixer is the software rendering clock behind output engines. A device
// callback (or a ticker, for headless use) pulls blocks through Render; the
// number of frames rendered so far is the engine's CurrentTime.
type Mixer struct {
	mu       sync.Mutex
	rate     int
	rendered int64
	voices   []*mixVoice
	level    float64
	closed   bool
}

type mixVoice struct {
	m       *Mixer
	start   int64
	samples []int16
	onEnded func()
}

func NewMixer(sampleRate int) *Mixer {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &Mixer{rate: sampleRate}
}

func (m *Mixer) SampleRate() int { return m.rate }

func (m *Mixer) CurrentTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return FramesToDuration(m.rendered, m.rate)
}

func (m *Mixer) Schedule(samples []int16, at time.Duration, onEnded func()) (Voice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("schedule: %w", ErrEngineClosed)
	}
	start := DurationToFrames(at, m.rate)
	if start < m.rendered {
		start = m.rendered
	}
	v := &mixVoice{m: m, start: start, samples: samples, onEnded: onEnded}
	m.voices = append(m.voices, v)
	return v, nil
}

func (v *mixVoice) Stop() {
	m := v.m
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(v)
}

// Render fills out with the next block of mixed audio and advances the clock
// by len(out) frames. End notifications run after the mixer lock is released.
func (m *Mixer) Render(out []int16) {
	m.mu.Lock()
	for i := range out {
		out[i] = 0
	}
	if m.closed {
		m.mu.Unlock()
		return
	}

	blockStart := m.rendered
	blockEnd := blockStart + int64(len(out))
	var ended []func()
	kept := m.voices[:0]
	for _, v := range m.voices {
		vEnd := v.start + int64(len(v.samples))
		lo := max(v.start, blockStart)
		hi := min(vEnd, blockEnd)
		for f := lo; f < hi; f++ {
			idx := f - blockStart
			out[idx] = saturate(int32(out[idx]) + int32(v.samples[f-v.start]))
		}
		if vEnd <= blockEnd {
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	for i := len(kept); i < len(m.voices); i++ {
		m.voices[i] = nil
	}
	m.voices = kept
	m.rendered = blockEnd
	m.level = Energy(out)
	m.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
}

// Active is the number of voices that have not finished or been stopped.
func (m *Mixer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}

func (m *Mixer) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Close drops every voice without notification. Later Schedule calls fail.
func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.voices = nil
	m.level = 0
	return nil
}

func (m *Mixer) removeLocked(target *mixVoice) {
	for i, v := range m.voices {
		if v == target {
			copy(m.voices[i:], m.voices[i+1:])
			m.voices[len(m.voices)-1] = nil
			m.voices = m.voices[:len(m.voices)-1]
			return
		}
	}
}

func saturate(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
