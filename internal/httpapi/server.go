package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/parakeet/internal/config"
	"github.com/antoniostano/parakeet/internal/memory"
	"github.com/antoniostano/parakeet/internal/observability"
	"github.com/antoniostano/parakeet/internal/protocol"
	"github.com/antoniostano/parakeet/internal/session"
)

// Conversation is the part of session.Manager the control surface drives.
type Conversation interface {
	Start(ctx context.Context) error
	Stop()
	Ready() error
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
	Transcript(ctx context.Context, sessionID string) ([]memory.TranscriptRecord, error)
}

type Server struct {
	cfg      config.Config
	conv     Conversation
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
	// startCtx bounds Start calls so they outlive the request that issued them.
	startCtx context.Context
}

func New(ctx context.Context, cfg config.Config, conv Conversation, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		conv:     conv,
		metrics:  metrics,
		logger:   logger,
		startCtx: ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive the microphone unless
				// explicitly configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1/conversation", func(r chi.Router) {
		r.Get("/", s.handleSnapshot)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Get("/ws", s.handleConversationWS)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/transcripts/{session_id}", s.handleTranscript)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"live_backend": s.cfg.LiveBackend,
		"audio_device": s.cfg.AudioDevice,
		"store_mode":   s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if err := s.conv.Ready(); err != nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"live_backend": s.cfg.LiveBackend,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.conv.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	if err := s.conv.Start(s.startCtx); err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, session.ErrAlreadyActive):
			status = http.StatusConflict
		case errors.Is(err, session.ErrStopped):
			status = http.StatusConflict
		case errors.Is(err, session.ErrManagerClosed):
			status = http.StatusServiceUnavailable
		}
		ev := protocol.NewErrorEvent(s.conv.Snapshot().SessionID, "start", err)
		respondError(w, status, ev.Code, ev.Detail)
		return
	}
	respondJSON(w, http.StatusOK, s.conv.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.conv.Stop()
	respondJSON(w, http.StatusOK, s.conv.Snapshot())
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "session_id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	records, err := s.conv.Transcript(r.Context(), id)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"entries":    records,
	})
}

// handleConversationWS pushes a conversation_state message after every
// change and accepts client_control commands.
func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, unsubscribe := s.conv.Subscribe()
	defer unsubscribe()

	outbound := make(chan any, 16)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-updates:
				if !ok {
					cancel()
					return
				}
				msg = protocol.NewConversationState(snap)
			case msg = <-outbound:
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.ObserveWSMessage("outbound", "write_error")
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.ObserveWSMessage("outbound", string(t))
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})
	go s.keepAlive(ctx, conn)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.queue(outbound, protocol.NewErrorEvent("", "gateway", err))
			continue
		}
		control, ok := parsed.(protocol.ClientControl)
		if !ok {
			continue
		}
		s.metrics.ObserveWSMessage("inbound", string(control.Type))
		switch control.Action {
		case protocol.ActionStart:
			// Run Start off the read loop so a stop command can cancel it.
			go func() {
				if err := s.conv.Start(s.startCtx); err != nil {
					s.queue(outbound, protocol.NewErrorEvent(s.conv.Snapshot().SessionID, "start", err))
				}
			}()
		case protocol.ActionStop:
			s.conv.Stop()
		case protocol.ActionSnapshot:
			s.queue(outbound, protocol.NewConversationState(s.conv.Snapshot()))
		}
	}

	cancel()
	<-writerDone
	s.metrics.ObserveEvent("ws_disconnected")
}

func (s *Server) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// queue keeps websocket writes on the writer goroutine and drops when it is
// saturated.
func (s *Server) queue(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
		if t, ok := messageTypeOf(msg); ok {
			s.metrics.ObserveWSMessage("outbound_dropped", string(t))
		}
	}
}

func (s *Server) storeMode() string {
	if strings.TrimSpace(s.cfg.DatabaseURL) != "" {
		return "postgres"
	}
	return "in-memory"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.ConversationState:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
