package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/antoniostano/parakeet/internal/live"
	"github.com/antoniostano/parakeet/internal/reliability"
)

const (
	DefaultModel = "gemini-3-flash-preview"
	Prompt       = "Transcribe the provided audio precisely. Return only the transcription text."
)

// contentGenerator is the slice of *genai.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type GeminiConfig struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint.
	BaseURL     string
	MaxAttempts int
	Logger      *zap.Logger
}

// GeminiTranscriber sends one inline WAV part plus a fixed prompt per call.
type GeminiTranscriber struct {
	models   contentGenerator
	model    string
	attempts int
	backoff  func(attempt int) time.Duration
	logger   *zap.Logger
}

func NewGeminiTranscriber(ctx context.Context, cfg GeminiConfig) (*GeminiTranscriber, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, live.ErrMissingCredential
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newGeminiTranscriber(client.Models, cfg), nil
}

func newGeminiTranscriber(models contentGenerator, cfg GeminiConfig) *GeminiTranscriber {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &GeminiTranscriber{
		models:   models,
		model:    cfg.Model,
		attempts: cfg.MaxAttempts,
		backoff: func(attempt int) time.Duration {
			return reliability.ExponentialBackoff(attempt, 500*time.Millisecond, 4*time.Second)
		},
		logger: cfg.Logger,
	}
}

func (g *GeminiTranscriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", ErrEmptyAudio
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(wav, "audio/wav"),
			genai.NewPartFromText(Prompt),
		}, genai.RoleUser),
	}

	var lastErr error
	for attempt := 0; attempt < g.attempts; attempt++ {
		if attempt > 0 {
			wait := g.backoff(attempt - 1)
			g.logger.Warn("retrying transcription", zap.Int("attempt", attempt+1), zap.Duration("backoff", wait), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}
		resp, err := g.models.GenerateContent(ctx, g.model, contents, nil)
		if err != nil {
			lastErr = err
			if !retryable(err) {
				break
			}
			continue
		}
		text := strings.TrimSpace(resp.Text())
		if text == "" {
			return "", ErrNoTranscription
		}
		return text, nil
	}
	return "", fmt.Errorf("transcribe with %s: %w", g.model, lastErr)
}

func retryable(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return reliability.IsRetryableHTTPStatus(apiErr.Code)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return reliability.IsRetryableHTTPStatus(apiErrPtr.Code)
	}
	return false
}
