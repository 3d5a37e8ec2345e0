package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/parakeet/internal/audio"
	"github.com/antoniostano/parakeet/internal/reliability"
)

const (
	DefaultGeminiURL    = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultWriteTimeout = 10 * time.Second
)

type GeminiConfig struct {
	APIKey string
	WSURL  string
	// WriteTimeout bounds one outbound audio write. A write that misses it
	// breaks the connection and ends the session with an error event.
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// GeminiDialer opens Gemini Live BidiGenerateContent sessions.
type GeminiDialer struct {
	cfg    GeminiConfig
	dialer *websocket.Dialer
}

func NewGeminiDialer(cfg GeminiConfig) *GeminiDialer {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if strings.TrimSpace(cfg.WSURL) == "" {
		cfg.WSURL = DefaultGeminiURL
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &GeminiDialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

func (d *GeminiDialer) Ready() error {
	if d.cfg.APIKey == "" {
		return ErrMissingCredential
	}
	return nil
}

func (d *GeminiDialer) Open(ctx context.Context, cfg Config) (Session, error) {
	if err := d.Ready(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	headers := http.Header{}
	headers.Set("x-goog-api-key", d.cfg.APIKey)
	conn, resp, err := d.dialer.DialContext(ctx, d.cfg.WSURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial live websocket: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial live websocket: %w", err)
	}

	if err := conn.WriteJSON(setupMessage(cfg)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send live setup: %w", err)
	}
	if err := awaitSetupComplete(ctx, conn, cfg.SetupTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &geminiSession{
		conn:         conn,
		rate:         cfg.InputSampleRate,
		writeTimeout: d.cfg.WriteTimeout,
		events:       make(chan Event, 256),
		done:         make(chan struct{}),
		logger:       d.cfg.Logger.With(zap.String("model", cfg.Model)),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

func awaitSetupComplete(ctx context.Context, conn *websocket.Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("%w: %s (code %d)", ErrSetupRejected, closeErr.Text, closeErr.Code)
			}
			return fmt.Errorf("await live setup: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode live setup response: %w", err)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func setupMessage(cfg Config) map[string]any {
	return map[string]any{
		"setup": map[string]any{
			"model": "models/" + strings.TrimPrefix(cfg.Model, "models/"),
			"generationConfig": map[string]any{
				"responseModalities": []string{"AUDIO"},
				"speechConfig": map[string]any{
					"voiceConfig": map[string]any{
						"prebuiltVoiceConfig": map[string]any{"voiceName": cfg.VoiceName},
					},
				},
			},
			"systemInstruction": map[string]any{
				"parts": []map[string]any{{"text": cfg.SystemInstruction}},
			},
			"inputAudioTranscription":  map[string]any{},
			"outputAudioTranscription": map[string]any{},
		},
	}
}

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	GoAway        *struct {
		TimeLeft string `json:"timeLeft"`
	} `json:"goAway,omitempty"`
}

type serverContent struct {
	ModelTurn *struct {
		Parts []struct {
			Text       string `json:"text,omitempty"`
			InlineData *struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"inlineData,omitempty"`
		} `json:"parts"`
	} `json:"modelTurn,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// events converts one server message to events in a fixed order: audio,
// interruption, input text, output text, turn completion.
func (c *serverContent) events() []Event {
	var out []Event
	if c.ModelTurn != nil {
		for _, part := range c.ModelTurn.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			out = append(out, Event{Type: EventAudio, Audio: audio.Blob{
				Data:     part.InlineData.Data,
				MIMEType: part.InlineData.MIMEType,
			}})
		}
	}
	if c.Interrupted {
		out = append(out, Event{Type: EventInterrupted})
	}
	if c.InputTranscription != nil && c.InputTranscription.Text != "" {
		out = append(out, Event{Type: EventInputText, Text: c.InputTranscription.Text})
	}
	if c.OutputTranscription != nil && c.OutputTranscription.Text != "" {
		out = append(out, Event{Type: EventOutputText, Text: c.OutputTranscription.Text})
	}
	if c.TurnComplete {
		out = append(out, Event{Type: EventTurnComplete})
	}
	return out
}

type geminiSession struct {
	conn         *websocket.Conn
	rate         int
	writeTimeout time.Duration
	// writeMu serializes data frames. Close and WriteControl do not take it.
	writeMu   sync.Mutex
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    *zap.Logger
}

func (s *geminiSession) SendAudio(ctx context.Context, blob audio.Blob) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	if blob.MIMEType == "" {
		blob.MIMEType = audio.MIMEType(s.rate)
	}
	payload := map[string]any{
		"realtimeInput": map[string]any{
			"audio": blob,
		},
	}

	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(payload); err != nil {
		select {
		case <-s.done:
			return ErrSessionClosed
		default:
		}
		// A failed write leaves the connection unusable; closing it turns
		// the stall into a terminal event on the read side.
		_ = s.conn.Close()
		return fmt.Errorf("send realtime audio: %w", err)
	}
	return nil
}

func (s *geminiSession) Events() <-chan Event { return s.events }

func (s *geminiSession) readLoop() {
	defer s.wg.Done()
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.emit(s.terminalEvent(err))
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("ignoring undecodable live message", zap.Error(err))
			continue
		}
		if msg.GoAway != nil {
			s.logger.Info("live server announced disconnect", zap.String("time_left", msg.GoAway.TimeLeft))
		}
		if msg.ServerContent == nil {
			continue
		}
		for _, ev := range msg.ServerContent.events() {
			if !s.emit(ev) {
				return
			}
		}
	}
}

func (s *geminiSession) terminalEvent(err error) Event {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if reliability.IsNormalClose(closeErr.Code) {
			return Event{Type: EventClosed}
		}
		return Event{Type: EventError, Err: &ServerError{
			Code:      closeErr.Code,
			Reason:    closeErr.Text,
			Retryable: reliability.IsRetryableCloseCode(closeErr.Code),
		}}
	}
	return Event{Type: EventError, Err: fmt.Errorf("read live websocket: %w", err)}
}

// emit delivers ev unless the session was closed locally.
func (s *geminiSession) emit(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *geminiSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

// ServerError is a session terminated by the remote side with a close code.
type ServerError struct {
	Code      int
	Reason    string
	Retryable bool
}

func (e *ServerError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("live session closed by server (code %d)", e.Code)
	}
	return fmt.Sprintf("live session closed by server: %s (code %d)", e.Reason, e.Code)
}
