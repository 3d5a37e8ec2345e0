//go:build !portaudio

package portaudio

import (
	"errors"

	"github.com/antoniostano/parakeet/internal/audio"
)

const Available = false

// Devices is a placeholder so callers compile without the PortAudio library.
type Devices struct{}

func Open() (*Devices, error) { return nil, ErrNotBuilt }

func (d *Devices) Close() error { return nil }

func (d *Devices) OpenInput(int, int) (audio.InputEngine, error) {
	return nil, errors.Join(audio.ErrCaptureUnavailable, ErrNotBuilt)
}

func (d *Devices) OpenOutput(int) (audio.OutputEngine, error) { return nil, ErrNotBuilt }
