//go:build portaudio

package portaudio

import (
	"fmt"
	"sync"
	"sync/atomic"

	pa "github.com/gordonklaus/portaudio"

	"github.com/antoniostano/parakeet/internal/audio"
)

// OutputFramesPerBuffer is 40ms of audio at 24kHz.
const OutputFramesPerBuffer = 960

const Available = true

// Devices opens the default host input and output devices.
type Devices struct {
	mu     sync.Mutex
	closed bool
}

// Open initializes PortAudio. Close must be called to terminate it.
func Open() (*Devices, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &Devices{}, nil
}

func (d *Devices) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return pa.Terminate()
}

func (d *Devices) OpenInput(sampleRate, frameSize int) (audio.InputEngine, error) {
	if _, err := pa.DefaultInputDevice(); err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrCaptureUnavailable, err)
	}
	in := &inputEngine{}
	stream, err := pa.OpenDefaultStream(1, 0, float64(sampleRate), frameSize, in.process)
	if err != nil {
		return nil, fmt.Errorf("%w: open input stream: %v", audio.ErrCaptureUnavailable, err)
	}
	in.stream = stream
	return in, nil
}

func (d *Devices) OpenOutput(sampleRate int) (audio.OutputEngine, error) {
	out := &outputEngine{Mixer: audio.NewMixer(sampleRate)}
	stream, err := pa.OpenDefaultStream(0, 1, float64(out.SampleRate()), OutputFramesPerBuffer, out.Render)
	if err != nil {
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	out.stream = stream
	return out, nil
}

type inputEngine struct {
	mu      sync.Mutex
	stream  *pa.Stream
	handler atomic.Pointer[audio.FrameHandler]
	running bool
	closed  bool
}

// process runs on the PortAudio callback thread and must not take in.mu:
// Stream.Stop waits for the callback to return.
func (in *inputEngine) process(samples []float32) {
	if h := in.handler.Load(); h != nil {
		(*h)(samples)
	}
}

func (in *inputEngine) Start(onFrame audio.FrameHandler) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return audio.ErrEngineClosed
	}
	if in.running {
		return nil
	}
	in.handler.Store(&onFrame)
	if err := in.stream.Start(); err != nil {
		in.handler.Store(nil)
		return fmt.Errorf("%w: start input stream: %v", audio.ErrCaptureUnavailable, err)
	}
	in.running = true
	return nil
}

func (in *inputEngine) Stop() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.running {
		return nil
	}
	in.running = false
	err := in.stream.Stop()
	in.handler.Store(nil)
	return err
}

func (in *inputEngine) Close() error {
	if err := in.Stop(); err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	return in.stream.Close()
}

type outputEngine struct {
	*audio.Mixer
	stream    *pa.Stream
	closeOnce sync.Once
	closeErr  error
}

func (o *outputEngine) Close() error {
	o.closeOnce.Do(func() {
		_ = o.Mixer.Close()
		if err := o.stream.Stop(); err != nil {
			o.closeErr = err
		}
		if err := o.stream.Close(); err != nil && o.closeErr == nil {
			o.closeErr = err
		}
	})
	return o.closeErr
}
