package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"mime"
	"strconv"
	"strings"
)

// Blob is the wire envelope for one block of PCM16LE mono audio.
type Blob struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

const pcmMediaType = "audio/pcm"

// ErrDecode marks malformed or truncated inbound audio payloads.
var ErrDecode = errors.New("audio decode failed")

// MIMEType returns the envelope format tag for PCM16 audio at rate.
func MIMEType(rate int) string {
	return pcmMediaType + ";rate=" + strconv.Itoa(rate)
}

// ParseMIMEType returns the sample rate carried by an envelope format tag.
// An empty tag or a tag without a rate parameter yields rate 0.
func ParseMIMEType(tag string) (int, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return 0, nil
	}
	mediaType, params, err := mime.ParseMediaType(tag)
	if err != nil {
		return 0, fmt.Errorf("%w: mime type %q: %v", ErrDecode, tag, err)
	}
	if mediaType != pcmMediaType {
		return 0, fmt.Errorf("%w: unsupported mime type %q", ErrDecode, mediaType)
	}
	raw, ok := params["rate"]
	if !ok {
		return 0, nil
	}
	rate, err := strconv.Atoi(raw)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("%w: invalid rate %q", ErrDecode, raw)
	}
	return rate, nil
}

// FloatToPCM16 scales samples in [-1,1) to signed 16-bit, clamping the edges.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * 32768)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

// PCM16ToFloat is the inverse of FloatToPCM16 for in-range amplitudes.
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// PCM16Bytes packs samples little-endian.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCM16FromBytes unpacks little-endian samples. An odd length is a truncated payload.
func PCM16FromBytes(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd pcm16 payload length %d", ErrDecode, len(data))
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out, nil
}

// EncodePCM16 wraps samples recorded at rate into a wire blob.
func EncodePCM16(samples []int16, rate int) Blob {
	return Blob{
		Data:     base64.StdEncoding.EncodeToString(PCM16Bytes(samples)),
		MIMEType: MIMEType(rate),
	}
}

// EncodeFloat32 quantizes samples and wraps them into a wire blob.
func EncodeFloat32(samples []float32, rate int) Blob {
	return EncodePCM16(FloatToPCM16(samples), rate)
}

// DecodePCM16 unwraps a wire blob. The returned rate is 0 when the blob does
// not carry one.
func DecodePCM16(b Blob) ([]int16, int, error) {
	rate, err := ParseMIMEType(b.MIMEType)
	if err != nil {
		return nil, 0, err
	}
	raw, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: base64: %v", ErrDecode, err)
	}
	samples, err := PCM16FromBytes(raw)
	if err != nil {
		return nil, 0, err
	}
	return samples, rate, nil
}

// DecodeFloat32 unwraps a wire blob into normalized float samples.
func DecodeFloat32(b Blob) ([]float32, int, error) {
	samples, rate, err := DecodePCM16(b)
	if err != nil {
		return nil, 0, err
	}
	return PCM16ToFloat(samples), rate, nil
}
