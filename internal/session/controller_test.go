package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/permission"
	"github.com/loqalabs/loqa-scribe/internal/recovery"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

type fakeTimer struct {
	mu      sync.Mutex
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.mu.Unlock()
	t.f()
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) recovery.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) all() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

func (c *fakeClock) last(t *testing.T) *fakeTimer {
	t.Helper()
	timers := c.all()
	if len(timers) == 0 {
		t.Fatalf("expected a timer to be armed")
	}
	return timers[len(timers)-1]
}

func (c *fakeClock) live() int {
	n := 0
	for _, timer := range c.all() {
		timer.mu.Lock()
		if !timer.stopped && !timer.fired {
			n++
		}
		timer.mu.Unlock()
	}
	return n
}

type fakeStream struct {
	mu       sync.Mutex
	listener stt.Listener
	stops    int
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
}

func (s *fakeStream) stopped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func (s *fakeStream) result(text string, final bool) {
	s.listener.OnResult([]stt.Result{{Text: text, Final: final}}, 0)
}

type fakeRecognizer struct {
	mu        sync.Mutex
	streams   []*fakeStream
	startErrs []error
}

func (r *fakeRecognizer) Name() string { return "fake" }

func (r *fakeRecognizer) Start(_ context.Context, _ stt.StreamConfig, l stt.Listener) (stt.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.startErrs) > 0 {
		err := r.startErrs[0]
		r.startErrs = r.startErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	s := &fakeStream{listener: l}
	r.streams = append(r.streams, s)
	return s, nil
}

func (r *fakeRecognizer) starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func (r *fakeRecognizer) stream(t *testing.T, i int) *fakeStream {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.streams) {
		t.Fatalf("expected stream %d, have %d", i, len(r.streams))
	}
	return r.streams[i]
}

type fakeGate struct {
	mu          sync.Mutex
	granted     bool
	err         error
	invalidated int
}

func (g *fakeGate) Granted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.granted
}

func (g *fakeGate) State() permission.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.granted:
		return permission.StateGranted
	case g.err != nil:
		return permission.StateDenied
	}
	return permission.StateUnknown
}

func (g *fakeGate) EnsureAccess(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.granted = true
	return nil
}

func (g *fakeGate) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.granted = false
	g.invalidated++
}

type fakeClipboard struct {
	mu   sync.Mutex
	text []string
	err  error
}

func (c *fakeClipboard) Write(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.text = append(c.text, text)
	return nil
}

type fakeExporter struct {
	text, filename string
}

func (e *fakeExporter) Save(text, filename string) (string, error) {
	e.text = text
	e.filename = filename
	return "/tmp/exports/" + filename, nil
}

type fakeFeedback struct {
	mu    sync.Mutex
	tones int
}

func (f *fakeFeedback) StopTone() {
	f.mu.Lock()
	f.tones++
	f.mu.Unlock()
}

type recordingSink struct {
	NopSink
	mu     sync.Mutex
	finals []string
	errs   []error
	saved  []string
}

func (s *recordingSink) FinalTranscript(_ string, text string) {
	s.mu.Lock()
	s.finals = append(s.finals, text)
	s.mu.Unlock()
}

func (s *recordingSink) SessionError(_ string, err error, _ bool) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *recordingSink) TranscriptSaved(_ string, path, _ string) {
	s.mu.Lock()
	s.saved = append(s.saved, path)
	s.mu.Unlock()
}

type harness struct {
	c         *Controller
	rec       *fakeRecognizer
	gate      *fakeGate
	restarts  *fakeClock
	timers    *fakeClock
	clipboard *fakeClipboard
	exporter  *fakeExporter
	feedback  *fakeFeedback
	sink      *recordingSink
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		rec:       &fakeRecognizer{},
		gate:      &fakeGate{granted: true},
		restarts:  &fakeClock{},
		timers:    &fakeClock{},
		clipboard: &fakeClipboard{},
		exporter:  &fakeExporter{},
		feedback:  &fakeFeedback{},
		sink:      &recordingSink{},
	}
	opts := Options{
		Recognizer: h.rec,
		Gate:       h.gate,
		Scheduler:  recovery.New(0, recovery.WithAfterFunc(h.restarts.AfterFunc)),
		Clipboard:  h.clipboard,
		Exporter:   h.exporter,
		Feedback:   h.feedback,
		Sink:       h.sink,
		Timing: Timing{
			Mode:              RestartContinuous,
			RestartDelay:      500 * time.Millisecond,
			BurstRestartDelay: time.Second,
			CopyRestartDelay:  300 * time.Millisecond,
			StatusRevert:      2 * time.Second,
			StopTimeout:       3 * time.Second,
		},
		Filename:  "transcript.txt",
		AfterFunc: h.timers.AfterFunc,
		NewID:     func() string { return "session-1" },
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.c = New(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.c.Done()
	})
	return h
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	s, err := h.c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return s
}

func (h *harness) start(t *testing.T) *fakeStream {
	t.Helper()
	before := h.rec.starts()
	if _, err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream := h.rec.stream(t, before)
	stream.listener.OnStart()
	if s := h.snapshot(t); s.State != StateActive {
		t.Fatalf("expected active after start, got %s", s.State)
	}
	return stream
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	stream := h.start(t)

	s, err := h.c.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.State != StateStoppingIntentional || s.IsActive() {
		t.Fatalf("expected stopping and inactive, got %+v", s)
	}
	if stream.stopped() != 1 {
		t.Fatalf("expected stream to be stopped once, got %d", stream.stopped())
	}
	stream.listener.OnEnd()
	if s := h.snapshot(t); s.State != StateIdle || s.PendingRestart {
		t.Fatalf("expected idle without restart, got %+v", s)
	}
	if h.rec.starts() != 1 {
		t.Fatalf("expected no restart, got %d starts", h.rec.starts())
	}
	if h.feedback.tones != 1 {
		t.Fatalf("expected stop tone, got %d", h.feedback.tones)
	}
}

func TestTranscriptAccumulatesFragments(t *testing.T) {
	h := newHarness(t, nil)
	stream := h.start(t)

	stream.result("hello", false)
	stream.result("hello world", false)
	stream.result("hello world.", true)

	s := h.snapshot(t)
	if s.Text != "hello world. " {
		t.Fatalf("unexpected text %q", s.Text)
	}
	if s.Stats.Words != 2 {
		t.Fatalf("expected 2 words, got %d", s.Stats.Words)
	}
	if len(h.sink.finals) != 1 || h.sink.finals[0] != "hello world." {
		t.Fatalf("unexpected finals %v", h.sink.finals)
	}
}

func TestStopTwiceEndsIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	if _, err := h.c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	s, err := h.c.Stop(context.Background())
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if s.State != StateIdle || s.PendingRestart || s.Listening {
		t.Fatalf("expected idle with no pending restart, got %+v", s)
	}
	if h.restarts.live() != 0 {
		t.Fatalf("expected no armed restart timers")
	}
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	s, err := h.c.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.State != StateIdle {
		t.Fatalf("expected idle, got %s", s.State)
	}
	if h.feedback.tones != 0 {
		t.Fatalf("expected no tone when already idle")
	}
}

func TestUnexpectedEndRestartsOnce(t *testing.T) {
	h := newHarness(t, nil)
	stream := h.start(t)

	stream.listener.OnEnd()
	stream.listener.OnEnd()

	s := h.snapshot(t)
	if s.State != StateRecovering || !s.PendingRestart || !s.IsActive() {
		t.Fatalf("expected recovering with pending restart, got %+v", s)
	}
	if got := len(h.restarts.all()); got != 1 {
		t.Fatalf("expected one scheduled restart, got %d", got)
	}
	timer := h.restarts.last(t)
	if timer.d != 500*time.Millisecond {
		t.Fatalf("expected 500ms restart delay, got %s", timer.d)
	}

	timer.fire()
	s = h.snapshot(t)
	if h.rec.starts() != 2 {
		t.Fatalf("expected exactly one restart, got %d starts", h.rec.starts())
	}
	if s.State != StateStarting || s.PendingRestart || s.Restarts != 1 {
		t.Fatalf("unexpected state after restart %+v", s)
	}
	if s.SessionID != "session-1" {
		t.Fatalf("restart should keep the session id, got %q", s.SessionID)
	}
}

func TestNotAllowedIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	stream := h.start(t)

	stream.listener.OnError(stt.ErrorNotAllowed, errors.New("denied"))
	stream.listener.OnEnd()

	s := h.snapshot(t)
	if s.State != StateIdle || s.Listening || s.PendingRestart {
		t.Fatalf("expected idle without restart, got %+v", s)
	}
	if len(h.restarts.all()) != 0 {
		t.Fatalf("expected zero scheduled restarts, got %d", len(h.restarts.all()))
	}
	if h.gate.invalidated != 1 {
		t.Fatalf("expected permission cache to be invalidated")
	}
	if s.Error == "" || s.Status != "Microphone access denied" {
		t.Fatalf("expected permission error in snapshot, got %+v", s)
	}
	if len(h.sink.errs) != 1 || !permission.IsPermissionError(h.sink.errs[0]) {
		t.Fatalf("expected permission error notification, got %v", h.sink.errs)
	}
}

func TestLanguageNotSupportedIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	stream := h.start(t)

	stream.listener.OnError(stt.ErrorLanguageUnsupported, nil)

	s := h.snapshot(t)
	if s.State != StateIdle || s.PendingRestart {
		t.Fatalf("expected idle, got %+v", s)
	}
	if len(h.sink.errs) != 1 || !stt.IsUnsupported(h.sink.errs[0]) {
		t.Fatalf("expected unsupported capability error, got %v", h.sink.errs)
	}
}

func TestRecoverableErrorSchedulesRestart(t *testing.T) {
	h := newHarness(t, nil)
	stream := h.start(t)

	stream.listener.OnError(stt.ErrorNoSpeech, errors.New("silence"))
	stream.listener.OnEnd()

	s := h.snapshot(t)
	if s.State != StateRecovering || !s.PendingRestart {
		t.Fatalf("expected recovering, got %+v", s)
	}
	if s.Status != "No speech detected" {
		t.Fatalf("unexpected status %q", s.Status)
	}
	if len(h.restarts.all()) != 1 {
		t.Fatalf("expected one restart, got %d", len(h.restarts.all()))
	}
	h.restarts.last(t).fire()
	h.snapshot(t)
	if h.rec.starts() != 2 {
		t.Fatalf("expected restart, got %d starts", h.rec.starts())
	}
}

func TestAbortedWaitsForEnd(t *testing.T) {
	h := newHarness(t, nil)
	stream := h.start(t)

	stream.listener.OnError(stt.ErrorAborted, nil)
	if s := h.snapshot(t); s.State != StateActive || s.PendingRestart {
		t.Fatalf("aborted alone should not change state, got %+v", s)
	}
	stream.listener.OnEnd()
	if s := h.snapshot(t); s.State != StateRecovering {
		t.Fatalf("expected recovering after end, got %s", s.State)
	}
	if len(h.restarts.all()) != 1 {
		t.Fatalf("expected one restart, got %d", len(h.restarts.all()))
	}
}

func TestStopCancelsPendingRestart(t *testing.T) {
	h := newHarness(t, nil)
	stream := h.start(t)
	stream.listener.OnEnd()
	h.snapshot(t)

	timer := h.restarts.last(t)
	s, err := h.c.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.State != StateIdle || s.PendingRestart {
		t.Fatalf("expected idle, got %+v", s)
	}
	timer.fire()
	h.snapshot(t)
	if h.rec.starts() != 1 {
		t.Fatalf("cancelled restart must not start, got %d starts", h.rec.starts())
	}
}

func TestStopThenStartDropsStaleFragments(t *testing.T) {
	h := newHarness(t, nil)
	old := h.start(t)
	old.result("hello", true)

	if _, err := h.c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.rec.starts() != 2 {
		t.Fatalf("expected a second stream, got %d", h.rec.starts())
	}

	old.result("stale", true)
	old.listener.OnError(stt.ErrorNetwork, errors.New("late"))
	old.listener.OnEnd()

	fresh := h.rec.stream(t, 1)
	fresh.listener.OnStart()
	fresh.result("fresh", true)

	s := h.snapshot(t)
	if s.Text != "hello fresh " {
		t.Fatalf("unexpected text %q", s.Text)
	}
	if s.State != StateActive || s.PendingRestart {
		t.Fatalf("stale callbacks changed state: %+v", s)
	}
}

func TestClearKeepsRecognitionRunning(t *testing.T) {
	h := newHarness(t, nil)
	stream := h.start(t)
	stream.result("first", true)

	s, err := h.c.Clear(context.Background())
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if s.Text != "" || !s.Empty {
		t.Fatalf("expected empty text, got %q", s.Text)
	}
	if s.State != StateActive || stream.stopped() != 0 {
		t.Fatalf("clear must not stop recognition, got %+v", s)
	}
	stream.result("second", true)
	if s := h.snapshot(t); s.Text != "second " {
		t.Fatalf("unexpected text after clear %q", s.Text)
	}
}

func TestStartErrorSchedulesRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.rec.startErrs = []error{&stt.CapabilityStartError{Backend: "fake", Err: errors.New("busy")}}

	s, err := h.c.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.State != StateRecovering || !s.PendingRestart {
		t.Fatalf("expected retry to be scheduled, got %+v", s)
	}
	h.restarts.last(t).fire()
	s = h.snapshot(t)
	if h.rec.starts() != 1 || s.State != StateStarting {
		t.Fatalf("expected retry to create a stream, got %d starts in %s", h.rec.starts(), s.State)
	}
}

func TestBurstModeRestartsAfterFinal(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Timing.Mode = RestartBurst })
	stream := h.start(t)

	stream.result("one", false)
	if s := h.snapshot(t); s.State != StateActive {
		t.Fatalf("interim should not stop burst stream, got %s", s.State)
	}
	stream.result("one.", true)
	s := h.snapshot(t)
	if s.State != StateRecovering || stream.stopped() != 1 {
		t.Fatalf("expected stream stop after final, got %+v", s)
	}
	if d := h.restarts.last(t).d; d != time.Second {
		t.Fatalf("expected burst delay, got %s", d)
	}

	// trailing results from the draining stream still count
	stream.result("two.", true)
	stream.listener.OnEnd()
	h.restarts.last(t).fire()
	s = h.snapshot(t)
	if s.Text != "one. two. " {
		t.Fatalf("unexpected text %q", s.Text)
	}
	if h.rec.starts() != 2 || len(h.restarts.all()) != 1 {
		t.Fatalf("expected one burst restart, got %d starts %d timers", h.rec.starts(), len(h.restarts.all()))
	}
}

func TestCopyAndRestart(t *testing.T) {
	h := newHarness(t, nil)
	stream := h.start(t)
	stream.result("note to self.", true)

	s, err := h.c.CopyAndRestart(context.Background())
	if err != nil {
		t.Fatalf("copy and restart: %v", err)
	}
	if len(h.clipboard.text) != 1 || h.clipboard.text[0] != "note to self. " {
		t.Fatalf("unexpected clipboard %v", h.clipboard.text)
	}
	if s.Text != "" || s.Mode != RestartBurst || s.State != StateRecovering || !s.IsActive() {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if d := h.restarts.last(t).d; d != 300*time.Millisecond {
		t.Fatalf("expected copy restart delay, got %s", d)
	}

	stream.result("late", true)
	h.restarts.last(t).fire()
	s = h.snapshot(t)
	if s.Text != "" || h.rec.starts() != 2 {
		t.Fatalf("expected fresh stream and empty text, got %q with %d starts", s.Text, h.rec.starts())
	}
}

func TestCopyWithoutText(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.c.Copy(context.Background()); !errors.Is(err, ErrNoText) {
		t.Fatalf("expected ErrNoText, got %v", err)
	}
	if len(h.clipboard.text) != 0 {
		t.Fatalf("clipboard should be untouched")
	}
}

func TestCopyAndRestartWithoutTextLeavesSession(t *testing.T) {
	h := newHarness(t, nil)

	s, err := h.c.CopyAndRestart(context.Background())
	if !errors.Is(err, ErrNoText) {
		t.Fatalf("expected ErrNoText, got %v", err)
	}
	if s.State != StateIdle || s.Listening || s.PendingRestart || s.Mode != RestartContinuous {
		t.Fatalf("session should be untouched, got %+v", s)
	}
	if s.Status != "No text to copy" {
		t.Fatalf("unexpected status %q", s.Status)
	}
	if len(h.restarts.all()) != 0 || len(h.clipboard.text) != 0 {
		t.Fatalf("expected no restart and no clipboard write")
	}
}

func TestCopyStatusReverts(t *testing.T) {
	h := newHarness(t, nil)
	stream := h.start(t)
	stream.result("copied", true)

	s, err := h.c.Copy(context.Background())
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if s.Status != "Text copied to clipboard" {
		t.Fatalf("unexpected status %q", s.Status)
	}
	timer := h.timers.last(t)
	if timer.d != 2*time.Second {
		t.Fatalf("expected 2s revert, got %s", timer.d)
	}
	timer.fire()
	if s := h.snapshot(t); s.Status != "Listening" {
		t.Fatalf("expected status to revert, got %q", s.Status)
	}
}

func TestSaveUsesExporter(t *testing.T) {
	h := newHarness(t, nil)
	stream := h.start(t)
	stream.result("keep this.", true)

	path, _, err := h.c.Save(context.Background(), "")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if path != "/tmp/exports/transcript.txt" || h.exporter.text != "keep this. " {
		t.Fatalf("unexpected save %q %q", path, h.exporter.text)
	}
	if len(h.sink.saved) != 1 {
		t.Fatalf("expected saved notification")
	}

	if _, _, err := h.c.Save(context.Background(), "notes.txt"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if h.exporter.filename != "notes.txt" {
		t.Fatalf("expected explicit filename, got %q", h.exporter.filename)
	}
}

func TestToggle(t *testing.T) {
	h := newHarness(t, nil)
	s, err := h.c.Toggle(context.Background())
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if s.State != StateStarting || !s.Listening {
		t.Fatalf("expected starting, got %+v", s)
	}
	s, err = h.c.Toggle(context.Background())
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if s.State != StateStoppingIntentional || s.Listening {
		t.Fatalf("expected stopping, got %+v", s)
	}
}

func TestStopTimeoutForcesIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	if _, err := h.c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	timer := h.timers.last(t)
	if timer.d != 3*time.Second {
		t.Fatalf("expected stop timeout, got %s", timer.d)
	}
	timer.fire()
	if s := h.snapshot(t); s.State != StateIdle {
		t.Fatalf("expected idle after timeout, got %s", s.State)
	}
}

func TestPermissionDeniedReturnsIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.gate.mu.Lock()
	h.gate.granted = false
	h.gate.err = &permission.PermissionError{Reason: "denied"}
	h.gate.mu.Unlock()

	if _, err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := h.snapshot(t)
		if s.State == StateIdle {
			if s.Error == "" || s.Listening {
				t.Fatalf("expected permission error, got %+v", s)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("permission result never applied, state %s", s.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.rec.starts() != 0 {
		t.Fatalf("capability must not start without permission")
	}
	if len(h.restarts.all()) != 0 {
		t.Fatalf("denied permission must not schedule restarts")
	}
}

func TestPermissionGrantedStartsCapability(t *testing.T) {
	h := newHarness(t, nil)
	h.gate.mu.Lock()
	h.gate.granted = false
	h.gate.mu.Unlock()

	if _, err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.rec.starts() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("capability never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s := h.snapshot(t); s.Permission != permission.StateGranted {
		t.Fatalf("expected granted permission, got %s", s.Permission)
	}
}

func TestClosedController(t *testing.T) {
	c := New(Options{Recognizer: &fakeRecognizer{}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	cancel()
	<-c.Done()
	if _, err := c.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
