package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antoniostano/parakeet/internal/audio"
	"github.com/antoniostano/parakeet/internal/capture"
	"github.com/antoniostano/parakeet/internal/live"
	"github.com/antoniostano/parakeet/internal/memory"
	"github.com/antoniostano/parakeet/internal/observability"
	"github.com/antoniostano/parakeet/internal/playback"
	"github.com/antoniostano/parakeet/internal/transcript"
)

type Config struct {
	Live             live.Config
	Provider         string
	AssistantName    string
	InputSampleRate  int
	OutputSampleRate int
	FrameSize        int
	// OutboundQueue bounds captured frames waiting for the transport.
	OutboundQueue int
	// LevelInterval is how often the output level gauge is sampled.
	LevelInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Provider == "" {
		c.Provider = "live"
	}
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = capture.DefaultSampleRate
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = 24000
	}
	if c.FrameSize <= 0 {
		c.FrameSize = capture.DefaultFrameSize
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 32
	}
	if c.LevelInterval <= 0 {
		c.LevelInterval = 250 * time.Millisecond
	}
	c.Live.InputSampleRate = c.InputSampleRate
	return c
}

// Manager owns at most one live conversation: its audio engines, its remote
// session, the playback queue and the transcript.
//
// Lock order: Manager.mu, then playback.Scheduler, then the output engine.
// Audio engine callbacks never take Manager.mu.
type Manager struct {
	cfg     Config
	dialer  live.Dialer
	devices audio.Devices
	store   memory.Store
	metrics *observability.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	status  Status
	run     *conversation
	lastErr *Error
	agg     *transcript.Aggregator
	seq     int
	subs    map[uint64]chan Snapshot
	nextSub uint64
	closed  bool

	// last session, kept after teardown for the snapshot
	sessionID string
	startedAt time.Time
	// released is closed once the last ended conversation has let go of its
	// devices and remote session.
	released <-chan struct{}

	persist sync.WaitGroup
}

func NewManager(cfg Config, dialer live.Dialer, devices audio.Devices, store memory.Store, metrics *observability.Metrics, logger *zap.Logger) *Manager {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		devices: devices,
		store:   store,
		metrics: metrics,
		logger:  logger,
		status:  StatusIdle,
		agg:     transcript.NewAggregator(cfg.AssistantName),
		subs:    make(map[uint64]chan Snapshot),
	}
}

// conversation holds the resources of one session. Its fields are written
// only under Manager.mu, before the goroutines that read them start.
type conversation struct {
	id       string
	output   audio.OutputEngine
	sched    *playback.Scheduler
	remote   live.Session
	capture  *capture.Pipeline
	outbound chan audio.Blob
	drained  chan struct{}
	stop     chan struct{}
	released chan struct{}
	// ctx bounds resource acquisition in Start. detach cancels it.
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	failure *Error

	turnStart     time.Time
	awaitingAudio bool
	interruptedAt time.Time
}

func newConversation(ctx context.Context, queue int) *conversation {
	ctx, cancel := context.WithCancel(ctx)
	return &conversation{
		id:       uuid.NewString(),
		outbound: make(chan audio.Blob, queue),
		drained:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		released: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// offer is the capture sink. It runs on the input engine's thread.
func (c *conversation) offer(b audio.Blob) bool {
	select {
	case <-c.stop:
		return false
	default:
	}
	select {
	case c.outbound <- b:
		return true
	default:
		return false
	}
}

// signalDrained runs on the output engine's thread.
func (c *conversation) signalDrained() {
	select {
	case c.drained <- struct{}{}:
	default:
	}
}

// detach stops the capture sink and the worker goroutines and aborts a
// pending acquisition. It runs under Manager.mu, exactly once.
func (c *conversation) detach() {
	close(c.stop)
	c.cancel()
}

// release tears resources down in dependency order: capture callback and
// device, pending playback, output engine, remote session. It runs after
// detach without Manager.mu, since closing a remote session can block on
// the network.
func (c *conversation) release() error {
	defer close(c.released)
	var errs []error
	if c.capture != nil {
		errs = append(errs, c.capture.Close())
	}
	if c.sched != nil {
		c.sched.ClearAll()
	}
	if c.output != nil {
		errs = append(errs, c.output.Close())
	}
	if c.remote != nil {
		errs = append(errs, c.remote.Close())
	}
	return errors.Join(errs...)
}

// Start opens a new conversation. It is valid from Idle or Error only.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.status.Active() {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	conv := newConversation(ctx, m.cfg.OutboundQueue)
	prev := m.released
	m.run = conv
	m.agg.Reset()
	m.seq = 0
	m.lastErr = nil
	m.sessionID = conv.id
	m.startedAt = time.Now().UTC()
	m.setStatusLocked(StatusListening)
	m.mu.Unlock()

	begin := time.Now()
	logger := m.logger.With(zap.String("session_id", conv.id))

	if err := m.dialer.Ready(); err != nil {
		return m.failStart(conv, KindConnection, "check credential", err)
	}

	// The previous conversation may still be closing its devices.
	if prev != nil {
		select {
		case <-prev:
		case <-conv.ctx.Done():
			return m.failStart(conv, KindConnection, "await teardown", conv.ctx.Err())
		}
	}

	output, err := m.devices.OpenOutput(m.cfg.OutputSampleRate)
	if err != nil {
		return m.failStart(conv, KindPermission, "open output", err)
	}
	if err := m.attach(conv, func() {
		conv.output = output
		conv.sched = playback.NewScheduler(output, conv.signalDrained)
	}); err != nil {
		_ = output.Close()
		return err
	}

	remote, err := m.dialer.Open(conv.ctx, m.cfg.Live)
	if err != nil {
		m.metrics.ObserveProviderError(m.cfg.Provider, string(KindConnection))
		return m.failStart(conv, KindConnection, "open live session", err)
	}
	if err := m.attach(conv, func() {
		conv.remote = remote
		m.metrics.SessionOpened()
		conv.wg.Add(2)
		go m.send(conv, logger)
		go m.pump(conv)
	}); err != nil {
		_ = remote.Close()
		return err
	}

	pipeline, err := capture.Start(m.devices, capture.Config{
		SampleRate: m.cfg.InputSampleRate,
		FrameSize:  m.cfg.FrameSize,
		Logger:     logger.Named("capture"),
		Metrics:    m.metrics,
	}, conv.offer)
	if err != nil {
		return m.failStart(conv, KindPermission, "open microphone", err)
	}
	if err := m.attach(conv, func() { conv.capture = pipeline }); err != nil {
		_ = pipeline.Close()
		return err
	}

	m.metrics.ObserveStage(observability.StageSessionStart, time.Since(begin))
	logger.Info("conversation started", zap.Duration("startup", time.Since(begin)))
	return nil
}

// attach runs fn if conv is still the current conversation. Otherwise it
// returns the reason conv ended and the caller must release what it holds.
func (m *Manager) attach(conv *conversation, fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run != conv {
		return conv.endErr()
	}
	fn()
	return nil
}

func (c *conversation) endErr() error {
	if c.failure != nil {
		return c.failure
	}
	return ErrStopped
}

func (m *Manager) failStart(conv *conversation, kind Kind, op string, err error) error {
	cause := &Error{Kind: kind, Op: op, Err: err}
	m.mu.Lock()
	if m.run != conv {
		m.mu.Unlock()
		return conv.endErr()
	}
	m.endLocked(conv, StatusError, cause)
	m.mu.Unlock()
	m.teardown(conv)
	return cause
}

// Stop ends the conversation and waits for its goroutines. It is safe from
// any state, including while Start is acquiring resources.
func (m *Manager) Stop() {
	m.mu.Lock()
	conv := m.run
	if conv != nil {
		m.endLocked(conv, StatusIdle, nil)
	} else {
		m.setStatusLocked(StatusIdle)
	}
	released := m.released
	m.mu.Unlock()

	if conv != nil {
		m.teardown(conv)
		conv.wg.Wait()
	}
	// A conversation ended by the remote side may still be releasing.
	if released != nil {
		<-released
	}
}

// Close stops any conversation, closes subscriptions and flushes pending
// transcript writes.
func (m *Manager) Close() error {
	m.Stop()
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		for id, ch := range m.subs {
			close(ch)
			delete(m.subs, id)
		}
	}
	m.mu.Unlock()
	m.persist.Wait()
	return nil
}

// endLocked detaches conv and publishes its final status. The caller must
// call teardown after unlocking Manager.mu.
func (m *Manager) endLocked(conv *conversation, status Status, cause *Error) {
	if m.run != conv {
		return
	}
	m.run = nil
	m.released = conv.released
	conv.failure = cause
	conv.detach()
	if conv.remote != nil {
		m.metrics.SessionClosed()
	}
	m.agg.ClearPending()
	if cause != nil {
		m.lastErr = cause
		m.logger.Error("conversation failed",
			zap.String("session_id", conv.id),
			zap.String("kind", string(cause.Kind)),
			zap.Error(cause),
		)
	} else {
		m.logger.Info("conversation ended", zap.String("session_id", conv.id))
	}
	m.setStatusLocked(status)
}

func (m *Manager) teardown(conv *conversation) {
	if err := conv.release(); err != nil {
		m.logger.Warn("conversation teardown reported errors", zap.String("session_id", conv.id), zap.Error(err))
	}
}

func (m *Manager) send(conv *conversation, logger *zap.Logger) {
	defer conv.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		select {
		case <-conv.stop:
			return
		case blob := <-conv.outbound:
			if err := conv.remote.SendAudio(ctx, blob); err != nil {
				if errors.Is(err, live.ErrSessionClosed) {
					return
				}
				logger.Debug("dropping outbound frame", zap.Error(err))
			}
		}
	}
}

func (m *Manager) pump(conv *conversation) {
	defer conv.wg.Done()
	levels := time.NewTicker(m.cfg.LevelInterval)
	defer levels.Stop()
	events := conv.remote.Events()
	for {
		select {
		case <-conv.stop:
			return
		case <-conv.drained:
			m.onDrained(conv)
		case <-levels.C:
			m.metrics.SetOutputLevel(conv.output.Level())
		case ev, ok := <-events:
			if !ok {
				ev = live.Event{Type: live.EventClosed}
			}
			if m.handle(conv, ev) || !ok {
				return
			}
		}
	}
}

// handle applies one inbound event and reports whether the session is over.
func (m *Manager) handle(conv *conversation, ev live.Event) bool {
	m.mu.Lock()
	if m.run != conv {
		m.mu.Unlock()
		return true
	}
	ended := m.applyLocked(conv, ev)
	m.mu.Unlock()
	if ended {
		m.teardown(conv)
	}
	return ended
}

// applyLocked reports whether ev ended conv.
func (m *Manager) applyLocked(conv *conversation, ev live.Event) bool {
	m.metrics.ObserveEvent(string(ev.Type))

	switch ev.Type {
	case live.EventInputText:
		if conv.turnStart.IsZero() {
			conv.turnStart = time.Now()
			conv.awaitingAudio = true
		}
		m.agg.AppendUser(ev.Text)
		if m.status == StatusThinking {
			m.publishLocked()
		} else {
			m.setStatusLocked(StatusThinking)
		}
	case live.EventOutputText:
		m.agg.AppendModel(ev.Text)
	case live.EventAudio:
		m.playLocked(conv, ev.Audio)
	case live.EventInterrupted:
		if n := conv.sched.Interrupt(); n > 0 {
			conv.interruptedAt = time.Now()
			m.metrics.ObservePlayback("interrupted", n)
			m.metrics.ObserveIndicator(observability.IndicatorInterrupted)
			m.logger.Debug("playback interrupted", zap.String("session_id", conv.id), zap.Int("discarded", n))
		}
	case live.EventTurnComplete:
		added := m.agg.FlushTurn()
		m.persistLocked(conv.id, added)
		if !conv.turnStart.IsZero() {
			m.metrics.ObserveStage(observability.StageTurnTotal, time.Since(conv.turnStart))
		}
		conv.turnStart = time.Time{}
		conv.awaitingAudio = false
		m.publishLocked()
	case live.EventClosed:
		m.metrics.ObserveIndicator(observability.IndicatorServerClosed)
		m.endLocked(conv, StatusIdle, nil)
		return true
	case live.EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("unknown live session error")
		}
		m.metrics.ObserveProviderError(m.cfg.Provider, string(KindServer))
		m.endLocked(conv, StatusError, &Error{Kind: KindServer, Op: "live session", Err: err})
		return true
	default:
		m.logger.Debug("ignoring live event", zap.String("type", string(ev.Type)))
	}
	return false
}

// playLocked decodes one audio segment and queues it. A bad segment is
// dropped without touching the status.
func (m *Manager) playLocked(conv *conversation, blob audio.Blob) {
	samples, rate, err := audio.DecodePCM16(blob)
	if err == nil {
		if rate == 0 {
			rate = conv.output.SampleRate()
		}
		switch {
		case rate != conv.output.SampleRate():
			err = fmt.Errorf("%w: segment rate %d Hz, output rate %d Hz", audio.ErrDecode, rate, conv.output.SampleRate())
		case len(samples) == 0:
			err = fmt.Errorf("%w: empty segment", audio.ErrDecode)
		}
	}
	if err != nil {
		m.metrics.ObservePlayback("decode_error", 1)
		m.metrics.ObserveIndicator(observability.IndicatorDecodeDrop)
		m.logger.Warn("dropping audio segment",
			zap.String("session_id", conv.id),
			zap.Error(&Error{Kind: KindDecode, Op: "decode audio", Err: err}),
		)
		return
	}

	m.setStatusLocked(StatusSpeaking)
	start, err := conv.sched.Enqueue(playback.Segment{Samples: samples, SampleRate: rate})
	if err != nil {
		m.metrics.ObservePlayback("schedule_error", 1)
		m.logger.Warn("audio segment not scheduled", zap.String("session_id", conv.id), zap.Error(err))
		if conv.sched.Pending() == 0 {
			m.setStatusLocked(StatusListening)
		}
		return
	}
	m.metrics.ObservePlayback("scheduled", 1)
	if conv.awaitingAudio {
		conv.awaitingAudio = false
		m.metrics.ObserveFirstAudioLatency(time.Since(conv.turnStart))
	}
	m.logger.Debug("audio segment scheduled",
		zap.String("session_id", conv.id),
		zap.Duration("start", start),
		zap.Int("samples", len(samples)),
	)
}

func (m *Manager) onDrained(conv *conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run != conv || conv.sched.Pending() > 0 || !m.status.Active() {
		return
	}
	if !conv.interruptedAt.IsZero() {
		m.metrics.ObserveStage(observability.StageInterruptToDrained, time.Since(conv.interruptedAt))
		conv.interruptedAt = time.Time{}
	}
	m.setStatusLocked(StatusListening)
}

func (m *Manager) persistLocked(sessionID string, entries []transcript.Entry) {
	if m.store == nil || len(entries) == 0 {
		return
	}
	records := make([]memory.TranscriptRecord, 0, len(entries))
	for _, e := range entries {
		m.seq++
		records = append(records, memory.TranscriptRecord{
			SessionID: sessionID,
			Seq:       m.seq,
			Speaker:   e.Speaker,
			Text:      e.Text,
		})
	}
	m.persist.Add(1)
	go func() {
		defer m.persist.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.SaveTurn(ctx, records); err != nil {
			m.logger.Warn("persist transcript failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
}

func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	m.metrics.ObserveTransition(string(m.status), string(s))
	m.logger.Debug("status changed", zap.String("from", string(m.status)), zap.String("to", string(s)))
	m.status = s
	m.publishLocked()
}

// publishLocked hands the latest snapshot to every subscriber, replacing any
// snapshot it has not read yet.
func (m *Manager) publishLocked() {
	if len(m.subs) == 0 {
		return
	}
	snap := m.snapshotLocked()
	for _, ch := range m.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:      m.status,
		SessionID:   m.sessionID,
		History:     m.agg.History(),
		InterimText: m.agg.Interim(),
	}
	if !m.startedAt.IsZero() {
		started := m.startedAt
		snap.StartedAt = &started
	}
	if snap.History == nil {
		snap.History = []transcript.Entry{}
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.UserMessage()
		snap.LastErrorKind = m.lastErr.Kind
	}
	if conv := m.run; conv != nil && conv.output != nil {
		snap.OutputLevel = conv.output.Level()
		snap.PendingSegments = conv.sched.Pending()
	}
	return snap
}

// LastError is the cause of the most recent failure, until the next Start.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastErr == nil {
		return nil
	}
	return m.lastErr
}

// Subscribe returns a channel carrying the latest snapshot after every change,
// starting with the current one. Slow readers only ever miss intermediate
// snapshots. cancel releases the subscription.
func (m *Manager) Subscribe() (updates <-chan Snapshot, cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Snapshot, 1)
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.snapshotLocked()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(ch)
			}
		})
	}
}

// Ready reports whether a Start could reach the remote backend.
func (m *Manager) Ready() error {
	return m.dialer.Ready()
}

// Transcript returns the persisted entries of a session.
func (m *Manager) Transcript(ctx context.Context, sessionID string) ([]memory.TranscriptRecord, error) {
	if m.store == nil {
		return nil, memory.ErrNotFound
	}
	return m.store.SessionTranscript(ctx, sessionID)
}
