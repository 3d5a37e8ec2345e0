package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the client. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	StatusTransitions *prometheus.CounterVec
	CaptureFrames     *prometheus.CounterVec
	PlaybackSegments  *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram
	OutputLevel       prometheus.Gauge

	stages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open live conversation sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Inbound live session events by type.",
		}, []string{"event"}),
		StatusTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Conversation status transitions.",
		}, []string{"from", "to"}),
		CaptureFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_frames_total",
			Help:      "Captured microphone frames by result (sent, dropped).",
		}, []string{"result"}),
		PlaybackSegments: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_segments_total",
			Help:      "Inbound audio segments by result (scheduled, decode_error, interrupted).",
		}, []string{"result"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Control WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Remote provider errors by provider and kind.",
		}, []string{"provider", "kind"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from the first user transcript to the first model audio segment in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		OutputLevel: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_level",
			Help:      "Normalized energy of the most recently rendered playback block.",
		}),
		stages: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageSpeechToFirstAudio, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.StatusTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveCaptureFrame(sent bool) {
	if m == nil {
		return
	}
	if sent {
		m.CaptureFrames.WithLabelValues("sent").Inc()
		return
	}
	m.CaptureFrames.WithLabelValues("dropped").Inc()
}

func (m *Metrics) ObservePlayback(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PlaybackSegments.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) ObserveProviderError(provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, kind).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) SetOutputLevel(level float64) {
	if m == nil {
		return
	}
	m.OutputLevel.Set(level)
}

// SnapshotTurnStages summarizes the rolling latency window.
func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return newTurnStageWindow(0).Snapshot()
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
