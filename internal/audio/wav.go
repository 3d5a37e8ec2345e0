package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	wavChannels      = 1
	wavBitsPerSample = 16
	wavFormatPCM     = 1
)

var ErrInvalidWAV = errors.New("invalid wav stream")

// EncodeWAV wraps mono PCM16 samples in a WAV container.
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAV(&buf, samples, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVFile writes mono PCM16 samples as a WAV file.
func WriteWAVFile(path string, samples []int16, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAV(f, samples, sampleRate); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteWAV writes mono PCM16 samples to out as a WAV stream.
func WriteWAV(out io.Writer, samples []int16, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	dataSize := uint32(len(samples) * 2)
	header := struct {
		RIFF          [4]byte
		ChunkSize     uint32
		WAVE          [4]byte
		Fmt           [4]byte
		FmtSize       uint32
		AudioFormat   uint16
		NumChannels   uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		DataSize      uint32
	}{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   wavFormatPCM,
		NumChannels:   wavChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * wavChannels * wavBitsPerSample / 8),
		BlockAlign:    wavChannels * wavBitsPerSample / 8,
		BitsPerSample: wavBitsPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}

	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	if _, err := w.Write(PCM16Bytes(samples)); err != nil {
		return err
	}
	return w.Flush()
}

// ReadWAVFile loads a mono PCM16 WAV file.
func ReadWAVFile(path string) ([]int16, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return ReadWAV(f)
}

// ReadWAV parses a mono PCM16 WAV stream, skipping chunks other than fmt and data.
func ReadWAV(r io.Reader) ([]int16, int, error) {
	br := bufio.NewReader(r)
	var riff [12]byte
	if _, err := io.ReadFull(br, riff[:]); err != nil {
		return nil, 0, fmt.Errorf("%w: header: %v", ErrInvalidWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrInvalidWAV)
	}

	var (
		rate    int
		haveFmt bool
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return nil, 0, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(br, body); err != nil {
				return nil, 0, fmt.Errorf("%w: fmt chunk: %v", ErrInvalidWAV, err)
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			channels := binary.LittleEndian.Uint16(body[2:4])
			bits := binary.LittleEndian.Uint16(body[14:16])
			if format != wavFormatPCM || channels != wavChannels || bits != wavBitsPerSample {
				return nil, 0, fmt.Errorf("%w: want mono pcm16, got format=%d channels=%d bits=%d", ErrInvalidWAV, format, channels, bits)
			}
			rate = int(binary.LittleEndian.Uint32(body[4:8]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, fmt.Errorf("%w: data before fmt", ErrInvalidWAV)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(br, body); err != nil {
				return nil, 0, fmt.Errorf("%w: data chunk: %v", ErrInvalidWAV, err)
			}
			samples, err := PCM16FromBytes(body)
			if err != nil {
				return nil, 0, err
			}
			return samples, rate, nil
		default:
			skip := int64(size) + int64(size%2)
			if _, err := io.CopyN(io.Discard, br, skip); err != nil {
				return nil, 0, fmt.Errorf("%w: chunk %q: %v", ErrInvalidWAV, id, err)
			}
		}
	}
}
