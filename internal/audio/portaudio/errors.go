// Package portaudio binds the audio engine interfaces to host devices through
// PortAudio. Build with -tags portaudio; the library must be installed.
package portaudio

import "errors"

// ErrNotBuilt is returned by Open in binaries built without the portaudio tag.
var ErrNotBuilt = errors.New("portaudio support not built; rebuild with -tags portaudio")
