package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/antoniostano/parakeet/internal/audio"
	"github.com/antoniostano/parakeet/internal/observability"
)

const (
	DefaultSampleRate = 16000
	DefaultFrameSize  = 4096
)

type Config struct {
	SampleRate int
	FrameSize  int
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// Sink takes ownership of an encoded frame. It must not block; false means
// the frame was dropped.
type Sink func(audio.Blob) bool

type Stats struct {
	Sent    uint64
	Dropped uint64
}

// Pipeline owns the microphone for one session and forwards every captured
// frame, encoded, to its sink.
type Pipeline struct {
	engine  audio.InputEngine
	rate    int
	sink    Sink
	logger  *zap.Logger
	metrics *observability.Metrics

	sent    atomic.Uint64
	dropped atomic.Uint64
	// dropLog throttles drop warnings to one per second.
	dropLog *rate.Sometimes

	closeOnce sync.Once
	closeErr  error
}

// Start acquires the microphone and begins delivering frames. On failure
// nothing is left open and the error wraps audio.ErrCaptureUnavailable.
func Start(devices audio.Devices, cfg Config, sink Sink) (*Pipeline, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if sink == nil {
		return nil, errors.New("capture sink is required")
	}

	engine, err := devices.OpenInput(cfg.SampleRate, cfg.FrameSize)
	if err != nil {
		if !errors.Is(err, audio.ErrCaptureUnavailable) {
			err = fmt.Errorf("%w: %v", audio.ErrCaptureUnavailable, err)
		}
		return nil, err
	}

	p := &Pipeline{
		engine:  engine,
		rate:    cfg.SampleRate,
		sink:    sink,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		dropLog: &rate.Sometimes{Interval: time.Second},
	}
	if err := engine.Start(p.onFrame); err != nil {
		_ = engine.Close()
		if !errors.Is(err, audio.ErrCaptureUnavailable) {
			err = fmt.Errorf("%w: %v", audio.ErrCaptureUnavailable, err)
		}
		return nil, err
	}
	p.logger.Debug("capture started",
		zap.Int("sample_rate", cfg.SampleRate),
		zap.Int("frame_size", cfg.FrameSize),
	)
	return p, nil
}

// onFrame runs on the engine callback thread.
func (p *Pipeline) onFrame(samples []float32) {
	blob := audio.EncodeFloat32(samples, p.rate)
	if p.sink(blob) {
		p.sent.Add(1)
		p.metrics.ObserveCaptureFrame(true)
		return
	}
	dropped := p.dropped.Add(1)
	p.metrics.ObserveCaptureFrame(false)

	p.dropLog.Do(func() {
		p.logger.Warn("dropping capture frames",
			zap.Uint64("sent", p.sent.Load()),
			zap.Uint64("dropped", dropped),
		)
	})
}

func (p *Pipeline) Stats() Stats {
	return Stats{Sent: p.sent.Load(), Dropped: p.dropped.Load()}
}

// Close stops the engine callback and then releases the device.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		stopErr := p.engine.Stop()
		closeErr := p.engine.Close()
		p.closeErr = errors.Join(stopErr, closeErr)
		stats := p.Stats()
		if total := stats.Sent + stats.Dropped; total > 0 {
			p.logger.Debug("capture stopped",
				zap.Uint64("sent", stats.Sent),
				zap.Uint64("dropped", stats.Dropped),
				zap.Float64("loss_pct", float64(stats.Dropped)/float64(total)*100),
			)
		}
	})
	return p.closeErr
}
