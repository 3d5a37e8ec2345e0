package audio

import (
	"errors"
	"time"
)

var (
	// ErrCaptureUnavailable means the microphone could not be acquired:
	// permission was denied or no input device exists.
	ErrCaptureUnavailable = errors.New("capture device unavailable")
	ErrEngineClosed       = errors.New("audio engine closed")
)

// FrameHandler receives one captured frame. The slice is only valid for the
// duration of the call.
type FrameHandler func(samples []float32)

// InputEngine is an exclusive microphone stream driven by the device callback.
type InputEngine interface {
	Start(onFrame FrameHandler) error
	// Stop halts the callback. No FrameHandler call is in flight once it returns.
	Stop() error
	// Close releases the device handle.
	Close() error
}

// Voice is one block of samples scheduled on an OutputEngine.
type Voice interface {
	// Stop silences the voice immediately. Its end notification never fires.
	Stop()
}

// OutputEngine plays sample blocks at absolute positions on its own clock.
type OutputEngine interface {
	SampleRate() int
	// CurrentTime is the engine clock: the amount of audio rendered so far.
	CurrentTime() time.Duration
	// Schedule plays samples starting at at (or immediately when at has
	// passed) and calls onEnded from the render thread after the last sample.
	Schedule(samples []int16, at time.Duration, onEnded func()) (Voice, error)
	// Level is the normalized energy of the most recently rendered block.
	Level() float64
	Close() error
}

// Devices opens engines on the host audio system.
type Devices interface {
	OpenInput(sampleRate, frameSize int) (InputEngine, error)
	OpenOutput(sampleRate int) (OutputEngine, error)
}

// FramesToDuration converts a frame count at rate to a duration.
func FramesToDuration(frames int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(rate)
}

// DurationToFrames converts d to the nearest frame index at rate.
func DurationToFrames(d time.Duration, rate int) int64 {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}
