package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antoniostano/parakeet/internal/audio"
	"github.com/antoniostano/parakeet/internal/live"
	"github.com/antoniostano/parakeet/internal/memory"
	"github.com/antoniostano/parakeet/internal/observability"
	"github.com/antoniostano/parakeet/internal/transcript"
)

var metricsSeq atomic.Int64

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("test_session_%d", metricsSeq.Add(1)))
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.calls, ",")
}

type fakeInput struct {
	rec     *recorder
	mu      sync.Mutex
	handler audio.FrameHandler
	closes  int
}

func (f *fakeInput) Start(h audio.FrameHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	return nil
}

func (f *fakeInput) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = nil
	f.rec.add("input.stop")
	return nil
}

func (f *fakeInput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.rec.add("input.close")
	return nil
}

func (f *fakeInput) emit(samples []float32) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(samples)
	}
}

type fakeOutput struct {
	*audio.Mixer
	rec    *recorder
	closes atomic.Int32
}

func (o *fakeOutput) Close() error {
	o.closes.Add(1)
	o.rec.add("output.close")
	return o.Mixer.Close()
}

type fakeDevices struct {
	rec      *recorder
	inputErr error
	mu       sync.Mutex
	input    *fakeInput
	output   *fakeOutput
	outputs  int
}

func (d *fakeDevices) OpenInput(int, int) (audio.InputEngine, error) {
	if d.inputErr != nil {
		return nil, d.inputErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.input = &fakeInput{rec: d.rec}
	return d.input, nil
}

func (d *fakeDevices) OpenOutput(rate int) (audio.OutputEngine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outputs++
	d.output = &fakeOutput{Mixer: audio.NewMixer(rate), rec: d.rec}
	return d.output, nil
}

func (d *fakeDevices) currentOutput() *fakeOutput {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.output
}

func (d *fakeDevices) openedOutputs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outputs
}

func (d *fakeDevices) currentInput() *fakeInput {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.input
}

type fakeSession struct {
	*live.MockSession
	rec       *recorder
	closeGate chan struct{}
}

func (s *fakeSession) Close() error {
	if s.closeGate != nil {
		<-s.closeGate
	}
	s.rec.add("remote.close")
	return s.MockSession.Close()
}

type fakeDialer struct {
	rec      *recorder
	readyErr error
	openErr  error
	gate     chan struct{}
	entered  chan struct{}
	// ignoreCancel makes Open wait for gate even after ctx is done.
	ignoreCancel bool
	closeGate    chan struct{}
	mu           sync.Mutex
	sessions     []*fakeSession
}

func (d *fakeDialer) Ready() error { return d.readyErr }

func (d *fakeDialer) Open(ctx context.Context, _ live.Config) (live.Session, error) {
	if d.entered != nil {
		close(d.entered)
	}
	if d.gate != nil {
		if d.ignoreCancel {
			<-d.gate
		} else {
			select {
			case <-d.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if d.openErr != nil {
		return nil, d.openErr
	}
	s := &fakeSession{MockSession: live.NewMockSession(), rec: d.rec, closeGate: d.closeGate}
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) last() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

type harness struct {
	rec     *recorder
	devices *fakeDevices
	dialer  *fakeDialer
	store   *memory.InMemoryStore
	m       *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rec := &recorder{}
	h := &harness{
		rec:     rec,
		devices: &fakeDevices{rec: rec},
		dialer:  &fakeDialer{rec: rec},
		store:   memory.NewInMemoryStore(),
	}
	h.m = NewManager(Config{OutputSampleRate: 1000, AssistantName: "Chandram"}, h.dialer, h.devices, h.store, testMetrics(), nil)
	t.Cleanup(func() { _ = h.m.Close() })
	return h
}

func (h *harness) start(t *testing.T) *fakeSession {
	t.Helper()
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return h.dialer.last()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitStatus(t *testing.T, want Status) {
	t.Helper()
	waitFor(t, "status "+string(want), func() bool { return h.m.Status() == want })
}

func segmentEvent(frames int) live.Event {
	return live.Event{Type: live.EventAudio, Audio: audio.EncodePCM16(audio.SineTone(50, 1000, frames, 0.5), 1000)}
}

func TestStopWithoutSessionIsNoop(t *testing.T) {
	h := newHarness(t)
	h.m.Stop()
	h.m.Stop()
	if got := h.m.Status(); got != StatusIdle {
		t.Fatalf("Status() = %s, want idle", got)
	}
	if h.rec.joined() != "" {
		t.Fatalf("unexpected engine calls: %s", h.rec.joined())
	}
}

func TestStartThenStopTearsDownInOrder(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	if got := h.m.Status(); got != StatusListening {
		t.Fatalf("Status() = %s, want listening", got)
	}
	if err := h.m.Start(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyActive", err)
	}

	h.m.Stop()
	h.m.Stop()
	if got := h.m.Status(); got != StatusIdle {
		t.Fatalf("Status() = %s, want idle", got)
	}
	want := "input.stop,input.close,output.close,remote.close"
	if got := h.rec.joined(); got != want {
		t.Fatalf("teardown = %s, want %s", got, want)
	}
}

func TestCapturedFramesReachSessionInOrder(t *testing.T) {
	h := newHarness(t)
	remote := h.start(t)
	in := h.devices.currentInput()
	for i := 1; i <= 5; i++ {
		in.emit([]float32{float32(i) / 100})
	}
	waitFor(t, "5 frames sent", func() bool { return len(remote.Sent()) == 5 })
	for i, blob := range remote.Sent() {
		samples, rate, err := audio.DecodePCM16(blob)
		if err != nil || rate != 16000 {
			t.Fatalf("frame %d: rate=%d err=%v", i, rate, err)
		}
		if want := audio.FloatToPCM16([]float32{float32(i+1) / 100})[0]; samples[0] != want {
			t.Fatalf("frame %d sample = %d, want %d", i, samples[0], want)
		}
	}
}

func TestPartialUserTextCommitsOnTurnComplete(t *testing.T) {
	h := newHarness(t)
	remote := h.start(t)

	remote.Push(live.Event{Type: live.EventInputText, Text: "hel"}, live.Event{Type: live.EventInputText, Text: "lo"})
	waitFor(t, "interim text", func() bool { return h.m.Snapshot().InterimText == "hello" })
	if got := h.m.Status(); got != StatusThinking {
		t.Fatalf("Status() = %s, want thinking", got)
	}

	remote.Push(live.Event{Type: live.EventTurnComplete})
	waitFor(t, "committed history", func() bool { return len(h.m.Snapshot().History) == 1 })
	snap := h.m.Snapshot()
	if snap.History[0] != (transcript.Entry{Speaker: transcript.SpeakerUser, Text: "hello"}) {
		t.Fatalf("History = %+v", snap.History)
	}
	if snap.InterimText != "" {
		t.Fatalf("InterimText = %q, want empty", snap.InterimText)
	}
	if snap.Status != StatusThinking {
		t.Fatalf("turn completion changed status to %s", snap.Status)
	}
}

func TestAudioSetsSpeakingUntilPlaybackDrains(t *testing.T) {
	h := newHarness(t)
	remote := h.start(t)

	remote.Push(segmentEvent(100), segmentEvent(100))
	h.waitStatus(t, StatusSpeaking)
	waitFor(t, "two pending segments", func() bool { return h.m.Snapshot().PendingSegments == 2 })

	out := h.devices.currentOutput()
	out.Render(make([]int16, 100))
	time.Sleep(20 * time.Millisecond)
	if got := h.m.Status(); got != StatusSpeaking {
		t.Fatalf("Status() = %s with a segment still pending, want speaking", got)
	}
	out.Render(make([]int16, 100))
	h.waitStatus(t, StatusListening)
}

func TestDecodeErrorDropsSegmentAndKeepsStatus(t *testing.T) {
	h := newHarness(t)
	remote := h.start(t)

	remote.Push(
		live.Event{Type: live.EventAudio, Audio: audio.Blob{Data: "AQID", MIMEType: "audio/pcm;rate=1000"}},
		live.Event{Type: live.EventAudio, Audio: audio.EncodePCM16([]int16{1, 2}, 16000)},
		live.Event{Type: live.EventOutputText, Text: "marker"},
		live.Event{Type: live.EventTurnComplete},
	)
	waitFor(t, "turn committed", func() bool { return len(h.m.Snapshot().History) == 1 })
	snap := h.m.Snapshot()
	if snap.Status != StatusListening {
		t.Fatalf("Status() = %s, want listening", snap.Status)
	}
	if snap.PendingSegments != 0 {
		t.Fatalf("PendingSegments = %d, want 0", snap.PendingSegments)
	}
	if snap.LastError != "" {
		t.Fatalf("LastError = %q, decode errors are not surfaced", snap.LastError)
	}
}

func TestInterruptDiscardsPlayback(t *testing.T) {
	h := newHarness(t)
	remote := h.start(t)

	remote.Push(segmentEvent(500), segmentEvent(500))
	waitFor(t, "pending segments", func() bool { return h.m.Snapshot().PendingSegments == 2 })
	h.devices.currentOutput().Render(make([]int16, 50))

	remote.Push(live.Event{Type: live.EventInterrupted})
	h.waitStatus(t, StatusListening)
	if got := h.m.Snapshot().PendingSegments; got != 0 {
		t.Fatalf("PendingSegments = %d after interrupt, want 0", got)
	}
	if active := h.devices.currentOutput().Active(); active != 0 {
		t.Fatalf("mixer still has %d voices", active)
	}

	// New audio starts from the engine clock, not the old queue end.
	remote.Push(segmentEvent(10))
	waitFor(t, "post-interrupt segment", func() bool { return h.m.Snapshot().PendingSegments == 1 })
	h.devices.currentOutput().Render(make([]int16, 10))
	h.waitStatus(t, StatusListening)
}

func TestCapturePermissionErrorLeavesNothingOpen(t *testing.T) {
	h := newHarness(t)
	h.devices.inputErr = fmt.Errorf("%w: permission denied", audio.ErrCaptureUnavailable)

	err := h.m.Start(context.Background())
	var sessErr *Error
	if !errors.As(err, &sessErr) || sessErr.Kind != KindPermission {
		t.Fatalf("Start() error = %v, want permission Error", err)
	}
	if !errors.Is(err, audio.ErrCaptureUnavailable) {
		t.Fatalf("Start() error = %v, want ErrCaptureUnavailable in chain", err)
	}
	if got := h.m.Status(); got != StatusError {
		t.Fatalf("Status() = %s, want error", got)
	}
	if n := h.devices.currentOutput().closes.Load(); n != 1 {
		t.Fatalf("output closes = %d, want 1", n)
	}
	if n := h.dialer.last().Closes(); n != 1 {
		t.Fatalf("session closes = %d, want 1", n)
	}
	snap := h.m.Snapshot()
	if snap.LastErrorKind != KindPermission || !strings.Contains(snap.LastError, "Microphone") {
		t.Fatalf("snapshot error = %q (%s)", snap.LastError, snap.LastErrorKind)
	}

	h.m.Stop()
	if got := h.m.Status(); got != StatusIdle {
		t.Fatalf("Status() after Stop = %s, want idle", got)
	}
	if n := h.dialer.last().Closes(); n != 1 {
		t.Fatalf("Stop after failure closed the session again: %d", n)
	}

	h.devices.inputErr = nil
	h.start(t)
	if h.m.LastError() != nil {
		t.Fatalf("LastError() = %v after fresh Start, want nil", h.m.LastError())
	}
}

func TestMissingCredentialFailsBeforeDevices(t *testing.T) {
	h := newHarness(t)
	h.dialer.readyErr = live.ErrMissingCredential

	err := h.m.Start(context.Background())
	var sessErr *Error
	if !errors.As(err, &sessErr) || sessErr.Kind != KindConnection || !errors.Is(err, live.ErrMissingCredential) {
		t.Fatalf("Start() error = %v, want connection error wrapping ErrMissingCredential", err)
	}
	if h.devices.outputs != 0 {
		t.Fatalf("output opened %d times, want 0", h.devices.outputs)
	}
	if got := h.m.Status(); got != StatusError {
		t.Fatalf("Status() = %s, want error", got)
	}
}

func TestConnectionErrorClosesOutput(t *testing.T) {
	h := newHarness(t)
	h.dialer.openErr = errors.New("dial tcp: refused")
	err := h.m.Start(context.Background())
	var sessErr *Error
	if !errors.As(err, &sessErr) || sessErr.Kind != KindConnection {
		t.Fatalf("Start() error = %v, want connection error", err)
	}
	if n := h.devices.currentOutput().closes.Load(); n != 1 {
		t.Fatalf("output closes = %d, want 1", n)
	}
}

func TestServerErrorTearsDown(t *testing.T) {
	h := newHarness(t)
	remote := h.start(t)
	remote.Push(segmentEvent(500))
	waitFor(t, "pending segment", func() bool { return h.m.Snapshot().PendingSegments == 1 })

	remote.Push(live.Event{Type: live.EventError, Err: errors.New("quota exceeded")})
	h.waitStatus(t, StatusError)
	waitFor(t, "session closed", func() bool { return remote.Closes() == 1 })
	snap := h.m.Snapshot()
	if snap.LastErrorKind != KindServer || !strings.Contains(snap.LastError, "quota exceeded") {
		t.Fatalf("snapshot error = %q (%s)", snap.LastError, snap.LastErrorKind)
	}
	if h.devices.currentOutput().closes.Load() != 1 || h.devices.currentInput().closes != 1 {
		t.Fatal("audio engines not closed after server error")
	}
}

func TestServerCloseReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	remote := h.start(t)
	remote.Push(live.Event{Type: live.EventInputText, Text: "half a sen"})
	waitFor(t, "interim", func() bool { return h.m.Snapshot().InterimText != "" })

	remote.Push(live.Event{Type: live.EventClosed})
	h.waitStatus(t, StatusIdle)
	snap := h.m.Snapshot()
	if snap.InterimText != "" || snap.LastError != "" {
		t.Fatalf("snapshot after close = %+v", snap)
	}
	waitFor(t, "teardown", func() bool { return h.rec.joined() == "input.stop,input.close,output.close,remote.close" })
}

func TestStopDuringStartCancelsDial(t *testing.T) {
	h := newHarness(t)
	h.dialer.gate = make(chan struct{})
	h.dialer.entered = make(chan struct{})
	defer close(h.dialer.gate)

	errc := make(chan error, 1)
	go func() { errc <- h.m.Start(context.Background()) }()
	<-h.dialer.entered

	h.m.Stop()
	if got := h.m.Status(); got != StatusIdle {
		t.Fatalf("Status() = %s, want idle", got)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("Start() error = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() still dialing after Stop")
	}
	if n := h.devices.currentOutput().closes.Load(); n != 1 {
		t.Fatalf("output closes = %d, want 1", n)
	}
	if h.dialer.last() != nil {
		t.Fatal("live session opened after Stop")
	}
	if h.devices.currentInput() != nil {
		t.Fatal("microphone opened after Stop")
	}
}

func TestStopDuringStartReleasesLateSession(t *testing.T) {
	h := newHarness(t)
	h.dialer.gate = make(chan struct{})
	h.dialer.entered = make(chan struct{})
	h.dialer.ignoreCancel = true

	errc := make(chan error, 1)
	go func() { errc <- h.m.Start(context.Background()) }()
	<-h.dialer.entered

	h.m.Stop()
	close(h.dialer.gate)

	if err := <-errc; !errors.Is(err, ErrStopped) {
		t.Fatalf("Start() error = %v, want ErrStopped", err)
	}
	if n := h.dialer.last().Closes(); n != 1 {
		t.Fatalf("session closes = %d, want 1", n)
	}
	if h.devices.currentInput() != nil {
		t.Fatal("microphone opened after Stop")
	}
	if got := h.m.Status(); got != StatusIdle {
		t.Fatalf("Status() = %s, want idle", got)
	}
}

func TestBlockedRemoteCloseDoesNotFreezeSnapshots(t *testing.T) {
	h := newHarness(t)
	h.dialer.closeGate = make(chan struct{})
	h.start(t)

	stopped := make(chan struct{})
	go func() {
		h.m.Stop()
		close(stopped)
	}()
	waitFor(t, "output closed", func() bool { return h.devices.currentOutput().closes.Load() == 1 })

	snapped := make(chan Snapshot, 1)
	go func() { snapped <- h.m.Snapshot() }()
	select {
	case snap := <-snapped:
		if snap.Status != StatusIdle {
			t.Fatalf("Status = %s during teardown, want idle", snap.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("Snapshot() blocked while the remote session was closing")
	}
	select {
	case <-stopped:
		t.Fatal("Stop() returned before the remote session closed")
	default:
	}

	close(h.dialer.closeGate)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after the remote session closed")
	}
	if got := h.rec.joined(); got != "input.stop,input.close,output.close,remote.close" {
		t.Fatalf("teardown = %s", got)
	}
}

func TestStartWaitsForRemoteEndedTeardown(t *testing.T) {
	h := newHarness(t)
	h.dialer.closeGate = make(chan struct{})
	remote := h.start(t)

	remote.Push(live.Event{Type: live.EventClosed})
	h.waitStatus(t, StatusIdle)

	errc := make(chan error, 1)
	go func() { errc <- h.m.Start(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	if n := h.devices.openedOutputs(); n != 1 {
		t.Fatalf("outputs opened = %d before the previous session closed, want 1", n)
	}

	h.dialer.closeGate = nil
	close(remote.closeGate)
	if err := <-errc; err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := h.m.Status(); got != StatusListening {
		t.Fatalf("Status() = %s, want listening", got)
	}
}

func TestTurnsArePersisted(t *testing.T) {
	h := newHarness(t)
	remote := h.start(t)
	sessionID := h.m.Snapshot().SessionID

	remote.Push(
		live.Event{Type: live.EventInputText, Text: "what time is it"},
		live.Event{Type: live.EventOutputText, Text: "It is noon."},
		live.Event{Type: live.EventTurnComplete},
	)
	waitFor(t, "two entries", func() bool { return len(h.m.Snapshot().History) == 2 })
	_ = h.m.Close()

	records, err := h.m.Transcript(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Transcript() error = %v", err)
	}
	if len(records) != 2 || records[0].Speaker != "You" || records[1].Speaker != "Chandram" || records[1].Seq != 2 {
		t.Fatalf("records = %+v", records)
	}
}

func TestSubscribeReceivesLatestSnapshot(t *testing.T) {
	h := newHarness(t)
	updates, cancel := h.m.Subscribe()
	defer cancel()

	first := <-updates
	if first.Status != StatusIdle {
		t.Fatalf("first snapshot status = %s, want idle", first.Status)
	}
	h.start(t)
	waitFor(t, "listening snapshot", func() bool {
		select {
		case snap := <-updates:
			return snap.Status == StatusListening
		default:
			return false
		}
	})
	cancel()
	if _, ok := <-updates; ok {
		t.Fatal("updates not closed after cancel")
	}
}
