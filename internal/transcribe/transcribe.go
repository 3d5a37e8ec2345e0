package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/parakeet/internal/audio"
	"github.com/antoniostano/parakeet/internal/capture"
	"github.com/antoniostano/parakeet/internal/observability"
)

var (
	ErrEmptyAudio = errors.New("no audio captured")
	// ErrNoTranscription is returned when the model answered with no text.
	ErrNoTranscription = errors.New("no transcription found")
)

// Transcriber turns one WAV recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// Recorder captures the microphone for a bounded time and hands the result to
// a Transcriber.
type Recorder struct {
	Devices     audio.Devices
	Transcriber Transcriber
	SampleRate  int
	FrameSize   int
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// Record captures until d elapses or ctx is done and returns the samples.
func (r *Recorder) Record(ctx context.Context, d time.Duration) ([]int16, int, error) {
	rate := r.SampleRate
	if rate <= 0 {
		rate = capture.DefaultSampleRate
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		mu     sync.Mutex
		frames []audio.Blob
	)
	pipeline, err := capture.Start(r.Devices, capture.Config{
		SampleRate: rate,
		FrameSize:  r.FrameSize,
		Logger:     logger.Named("capture"),
		Metrics:    r.Metrics,
	}, func(b audio.Blob) bool {
		mu.Lock()
		frames = append(frames, b)
		mu.Unlock()
		return true
	})
	if err != nil {
		return nil, 0, err
	}

	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	timer.Stop()
	if err := pipeline.Close(); err != nil {
		logger.Warn("closing capture failed", zap.Error(err))
	}

	mu.Lock()
	defer mu.Unlock()
	var samples []int16
	for _, b := range frames {
		pcm, _, err := audio.DecodePCM16(b)
		if err != nil {
			return nil, 0, err
		}
		samples = append(samples, pcm...)
	}
	if len(samples) == 0 {
		return nil, 0, ErrEmptyAudio
	}
	logger.Debug("recording finished",
		zap.Int("frames", len(frames)),
		zap.Duration("audio", audio.FramesToDuration(int64(len(samples)), rate)),
	)
	return samples, rate, nil
}

// Run records for d and transcribes the recording.
func (r *Recorder) Run(ctx context.Context, d time.Duration) (string, error) {
	if r.Transcriber == nil {
		return "", errors.New("transcribe: no transcriber configured")
	}
	samples, rate, err := r.Record(ctx, d)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	wav, err := audio.EncodeWAV(samples, rate)
	if err != nil {
		return "", fmt.Errorf("encode recording: %w", err)
	}
	return r.Transcriber.Transcribe(ctx, wav)
}
