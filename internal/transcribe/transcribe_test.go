package transcribe

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/antoniostano/parakeet/internal/audio"
	"github.com/antoniostano/parakeet/internal/live"
)

type fakeModels struct {
	mu    sync.Mutex
	errs  []error
	text  string
	calls int
	got   []*genai.Content
	model string
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.model = model
	f.got = contents
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: f.text}}},
		}},
	}, nil
}

func newTestTranscriber(models contentGenerator) *GeminiTranscriber {
	g := newGeminiTranscriber(models, GeminiConfig{})
	g.backoff = func(int) time.Duration { return 0 }
	return g
}

func TestTranscribeSendsWAVAndPrompt(t *testing.T) {
	models := &fakeModels{text: "  hello there \n"}
	g := newTestTranscriber(models)

	wav, err := audio.EncodeWAV(audio.SineTone(440, 16000, 1600, 0.3), 16000)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	text, err := g.Transcribe(context.Background(), wav)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if text != "hello there" {
		t.Fatalf("text = %q, want %q", text, "hello there")
	}
	if models.model != DefaultModel {
		t.Fatalf("model = %q, want %q", models.model, DefaultModel)
	}
	if len(models.got) != 1 || len(models.got[0].Parts) != 2 {
		t.Fatalf("contents = %+v", models.got)
	}
	parts := models.got[0].Parts
	if parts[0].InlineData == nil || parts[0].InlineData.MIMEType != "audio/wav" || len(parts[0].InlineData.Data) != len(wav) {
		t.Fatalf("audio part = %+v", parts[0])
	}
	if parts[1].Text != Prompt {
		t.Fatalf("prompt part = %q", parts[1].Text)
	}
}

func TestTranscribeRetriesRetryableErrors(t *testing.T) {
	models := &fakeModels{
		errs: []error{genai.APIError{Code: 503, Message: "overloaded"}, genai.APIError{Code: 429, Message: "slow down"}},
		text: "ok",
	}
	g := newTestTranscriber(models)
	text, err := g.Transcribe(context.Background(), []byte("RIFF"))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if text != "ok" || models.calls != 3 {
		t.Fatalf("text = %q calls = %d, want ok after 3 calls", text, models.calls)
	}
}

func TestTranscribeStopsOnPermanentError(t *testing.T) {
	models := &fakeModels{errs: []error{genai.APIError{Code: 400, Message: "bad audio"}}, text: "never"}
	g := newTestTranscriber(models)
	_, err := g.Transcribe(context.Background(), []byte("RIFF"))
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 400 {
		t.Fatalf("error = %v, want APIError 400", err)
	}
	if models.calls != 1 {
		t.Fatalf("calls = %d, want 1", models.calls)
	}
}

func TestTranscribeEmptyResults(t *testing.T) {
	g := newTestTranscriber(&fakeModels{text: "   "})
	if _, err := g.Transcribe(context.Background(), []byte("RIFF")); !errors.Is(err, ErrNoTranscription) {
		t.Fatalf("error = %v, want ErrNoTranscription", err)
	}
	if _, err := g.Transcribe(context.Background(), nil); !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("error = %v, want ErrEmptyAudio", err)
	}
}

func TestNewGeminiTranscriberRequiresKey(t *testing.T) {
	if _, err := NewGeminiTranscriber(context.Background(), GeminiConfig{}); !errors.Is(err, live.ErrMissingCredential) {
		t.Fatalf("error = %v, want ErrMissingCredential", err)
	}
}

type captureTranscriber struct {
	wav []byte
}

func (c *captureTranscriber) Transcribe(_ context.Context, wav []byte) (string, error) {
	c.wav = wav
	return "recorded", nil
}

func TestRecorderRunTranscribesCapturedAudio(t *testing.T) {
	tx := &captureTranscriber{}
	rec := &Recorder{
		Devices: &audio.VirtualDevices{Source: func(frame []float32) {
			for i := range frame {
				frame[i] = 0.25
			}
		}},
		Transcriber: tx,
		SampleRate:  16000,
		FrameSize:   160,
	}
	text, err := rec.Run(context.Background(), 80*time.Millisecond)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "recorded" {
		t.Fatalf("text = %q", text)
	}
	samples, rate, err := audio.ReadWAV(bytes.NewReader(tx.wav))
	if err != nil {
		t.Fatalf("ReadWAV() error = %v", err)
	}
	if rate != 16000 || len(samples) == 0 || len(samples)%160 != 0 {
		t.Fatalf("wav = %d samples at %d Hz", len(samples), rate)
	}
	if samples[0] != audio.FloatToPCM16([]float32{0.25})[0] {
		t.Fatalf("first sample = %d", samples[0])
	}
}

func TestRecorderDeniedMicrophone(t *testing.T) {
	rec := &Recorder{Devices: &audio.VirtualDevices{Deny: true}, Transcriber: &captureTranscriber{}}
	if _, err := rec.Run(context.Background(), 10*time.Millisecond); !errors.Is(err, audio.ErrCaptureUnavailable) {
		t.Fatalf("error = %v, want ErrCaptureUnavailable", err)
	}
}
