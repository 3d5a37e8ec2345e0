package audio

import (
	"fmt"
	"sync"
	"time"
)

// VirtualDevices is a headless device set: the input produces frames on a
// wall-clock ticker and the output renders its mixer on a ticker.
type VirtualDevices struct {
	// Source fills a capture frame. Nil produces silence.
	Source func(frame []float32)
	// Tick is the output render interval. Defaults to 20ms.
	Tick time.Duration
	// Deny makes OpenInput fail as if microphone permission was refused.
	Deny bool
}

func (d *VirtualDevices) OpenInput(sampleRate, frameSize int) (InputEngine, error) {
	if d.Deny {
		return nil, fmt.Errorf("%w: permission denied", ErrCaptureUnavailable)
	}
	if sampleRate <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("%w: invalid input format %d Hz / %d frames", ErrCaptureUnavailable, sampleRate, frameSize)
	}
	return &virtualInput{
		source:   d.Source,
		frame:    make([]float32, frameSize),
		interval: FramesToDuration(int64(frameSize), sampleRate),
	}, nil
}

func (d *VirtualDevices) OpenOutput(sampleRate int) (OutputEngine, error) {
	tick := d.Tick
	if tick <= 0 {
		tick = 20 * time.Millisecond
	}
	o := &TickerOutput{
		Mixer: NewMixer(sampleRate),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	block := int(DurationToFrames(tick, o.SampleRate()))
	if block <= 0 {
		block = 1
	}
	go o.run(tick, block)
	return o, nil
}

type virtualInput struct {
	mu       sync.Mutex
	source   func([]float32)
	frame    []float32
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	closed   bool
}

func (in *virtualInput) Start(onFrame FrameHandler) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return ErrEngineClosed
	}
	if in.stop != nil {
		return nil
	}
	in.stop = make(chan struct{})
	in.done = make(chan struct{})
	go in.run(onFrame, in.stop, in.done)
	return nil
}

func (in *virtualInput) run(onFrame FrameHandler, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for i := range in.frame {
				in.frame[i] = 0
			}
			if in.source != nil {
				in.source(in.frame)
			}
			onFrame(in.frame)
		}
	}
}

func (in *virtualInput) Stop() error {
	in.mu.Lock()
	stop, done := in.stop, in.done
	in.stop, in.done = nil, nil
	in.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (in *virtualInput) Close() error {
	_ = in.Stop()
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	return nil
}

// TickerOutput drives a Mixer from a wall-clock ticker.
type TickerOutput struct {
	*Mixer
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (o *TickerOutput) run(tick time.Duration, block int) {
	defer close(o.done)
	buf := make([]int16, block)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.Render(buf)
		}
	}
}

func (o *TickerOutput) Close() error {
	o.closeOnce.Do(func() {
		close(o.stop)
		<-o.done
		_ = o.Mixer.Close()
	})
	return nil
}
