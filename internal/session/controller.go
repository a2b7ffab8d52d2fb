// Package session drives one dictation session: it starts and stops the
// recognition capability, restarts it when it ends on its own, and folds its
// results into the transcript.
//
// All session state is owned by a single goroutine (Run). Public methods post
// intents into its queue and wait for the reply, so capability callbacks,
// restart timers and user intents are observed in one total order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-scribe/internal/permission"
	"github.com/loqalabs/loqa-scribe/internal/recovery"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

const eventQueueSize = 64

// Options wires the controller to its collaborators.
type Options struct {
	Recognizer stt.Recognizer
	Gate       Gate
	Scheduler  *recovery.Scheduler
	Clipboard  Clipboard
	Exporter   Exporter
	Feedback   Feedback
	Sink       Sink
	Stream     stt.StreamConfig
	Timing     Timing

	// Filename is the default file name for Save.
	Filename string

	Now       func() time.Time
	AfterFunc recovery.AfterFunc
	NewID     func() string
}

type handle struct {
	gen    uint64
	stream stt.Stream
	cancel context.CancelFunc
}

type Controller struct {
	log       *slog.Logger
	rec       stt.Recognizer
	gate      Gate
	scheduler *recovery.Scheduler
	clipboard Clipboard
	exporter  Exporter
	feedback  Feedback
	sink      Sink
	streamCfg stt.StreamConfig
	timing    Timing
	filename  string
	now       func() time.Time
	after     recovery.AfterFunc
	newID     func() string
	metrics   *metrics

	events chan event
	done   chan struct{}

	// owned by the Run goroutine
	loopCtx        context.Context
	state          State
	listening      bool
	mode           RestartMode
	acc            *transcript.Accumulator
	sessionID      string
	gen            uint64
	handle         *handle
	permAttempt    uint64
	restartToken   uint64
	pendingRestart uint64
	stopToken      uint64
	status         string
	statusSeq      uint64
	lastErr        error
	restarts       int
	dirty          bool
}

func New(opts Options, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		log:       log.With(slog.String("component", "session")),
		rec:       opts.Recognizer,
		gate:      opts.Gate,
		scheduler: opts.Scheduler,
		clipboard: opts.Clipboard,
		exporter:  opts.Exporter,
		feedback:  opts.Feedback,
		sink:      opts.Sink,
		streamCfg: opts.Stream,
		timing:    opts.Timing,
		filename:  opts.Filename,
		now:       opts.Now,
		after:     opts.AfterFunc,
		newID:     opts.NewID,
		events:    make(chan event, eventQueueSize),
		done:      make(chan struct{}),
		state:     StateIdle,
		acc:       transcript.New(),
	}
	if c.timing.Mode == "" {
		c.timing.Mode = RestartContinuous
	}
	c.mode = c.timing.Mode
	if c.scheduler == nil {
		c.scheduler = recovery.New(0)
	}
	if c.sink == nil {
		c.sink = NopSink{}
	}
	if c.feedback == nil {
		c.feedback = nopFeedback{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.after == nil {
		c.after = func(d time.Duration, f func()) recovery.Timer { return time.AfterFunc(d, f) }
	}
	if c.newID == nil {
		c.newID = func() string { return uuid.NewString() }
	}
	c.metrics = newMetrics(c.log)
	return c
}

// Run processes intents and capability events until ctx is done. Any live
// capability stream is stopped on return.
func (c *Controller) Run(ctx context.Context) error {
	c.loopCtx = ctx
	defer close(c.done)
	defer c.shutdown()

	c.log.Info("session controller started",
		slog.String("recognizer", c.recognizerName()),
		slog.String("restart_mode", string(c.mode)),
	)
	c.sink.StateChanged(c.snapshot())

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.dispatch(ev)
			if c.dirty {
				c.dirty = false
				c.sink.StateChanged(c.snapshot())
			}
		}
	}
}

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) Start(ctx context.Context) (Snapshot, error) {
	res, err := c.do(ctx, intent{kind: intentStart})
	return res.snapshot, err
}

func (c *Controller) Stop(ctx context.Context) (Snapshot, error) {
	res, err := c.do(ctx, intent{kind: intentStop})
	return res.snapshot, err
}

// Toggle starts when the user has not asked for dictation and stops otherwise.
func (c *Controller) Toggle(ctx context.Context) (Snapshot, error) {
	res, err := c.do(ctx, intent{kind: intentToggle})
	return res.snapshot, err
}

// Clear empties the transcript without touching recognition.
func (c *Controller) Clear(ctx context.Context) (Snapshot, error) {
	res, err := c.do(ctx, intent{kind: intentClear})
	return res.snapshot, err
}

func (c *Controller) Copy(ctx context.Context) (Snapshot, error) {
	res, err := c.do(ctx, intent{kind: intentCopy})
	return res.snapshot, err
}

// CopyAndRestart copies the transcript, clears it and restarts recognition
// in burst mode.
func (c *Controller) CopyAndRestart(ctx context.Context) (Snapshot, error) {
	res, err := c.do(ctx, intent{kind: intentCopyAndRestart})
	return res.snapshot, err
}

// Save writes the transcript through the exporter and returns the path.
func (c *Controller) Save(ctx context.Context, filename string) (string, Snapshot, error) {
	res, err := c.do(ctx, intent{kind: intentSave, filename: filename})
	return res.path, res.snapshot, err
}

func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	res, err := c.do(ctx, intent{kind: intentSnapshot})
	return res.snapshot, err
}

func (c *Controller) do(ctx context.Context, in intent) (intentResult, error) {
	in.reply = make(chan intentResult, 1)
	select {
	case c.events <- in:
	case <-ctx.Done():
		return intentResult{}, ctx.Err()
	case <-c.done:
		return intentResult{}, ErrClosed
	}
	select {
	case res := <-in.reply:
		return res, res.err
	case <-ctx.Done():
		return intentResult{}, ctx.Err()
	case <-c.done:
		return intentResult{}, ErrClosed
	}
}

// post enqueues an event from a callback or timer goroutine.
func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) dispatch(ev event) {
	switch e := ev.(type) {
	case intent:
		c.handleIntent(e)
	case capStarted:
		c.onCapabilityStarted(e)
	case capResult:
		c.onCapabilityResult(e)
	case capError:
		c.onCapabilityError(e)
	case capEnded:
		c.onCapabilityEnded(e)
	case permissionResolved:
		c.onPermissionResolved(e)
	case restartDue:
		c.onRestartDue(e)
	case statusExpired:
		if e.seq == c.statusSeq && c.status != "" {
			c.status = ""
			c.dirty = true
		}
	case stopTimedOut:
		if e.token == c.stopToken && c.state == StateStoppingIntentional {
			c.log.Warn("capability did not end after stop, forcing idle")
			c.finishStop()
		}
	default:
		c.log.Warn("unknown session event", slog.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (c *Controller) handleIntent(in intent) {
	var res intentResult
	switch in.kind {
	case intentStart:
		c.startIntent()
	case intentStop:
		c.stopIntent()
	case intentToggle:
		if c.listening {
			c.stopIntent()
		} else {
			c.startIntent()
		}
	case intentClear:
		c.acc.Reset()
		c.flash("Text cleared")
	case intentCopy:
		res.err = c.copyText()
	case intentCopyAndRestart:
		res.err = c.copyAndRestart()
	case intentSave:
		res.path, res.err = c.save(in.filename)
	case intentSnapshot:
	}
	if in.kind != intentSnapshot {
		c.dirty = true
		c.log.Debug("intent handled",
			slog.String("intent", in.kind.String()),
			slog.String("state", string(c.state)),
		)
	}
	res.snapshot = c.snapshot()
	in.reply <- res
}

func (c *Controller) startIntent() {
	if c.state == StateStarting || c.state == StateActive {
		c.listening = true
		return
	}
	if c.state == StateIdle || c.sessionID == "" {
		c.sessionID = c.newID()
	}
	c.listening = true
	c.mode = c.timing.Mode
	c.lastErr = nil
	c.cancelRestart()
	c.releaseHandle(true)
	c.requestStart()
}

func (c *Controller) stopIntent() {
	c.listening = false
	c.cancelRestart()
	c.permAttempt++
	switch c.state {
	case StateIdle:
	case StateStoppingIntentional:
		c.finishStop()
	default:
		c.feedback.StopTone()
		if c.handle == nil {
			c.state = StateIdle
			return
		}
		c.handle.stream.Stop()
		c.state = StateStoppingIntentional
		c.armStopTimeout()
	}
}

func (c *Controller) finishStop() {
	c.stopToken++
	c.releaseHandle(true)
	c.state = StateIdle
	c.dirty = true
}

func (c *Controller) armStopTimeout() {
	c.stopToken++
	if c.timing.StopTimeout <= 0 {
		return
	}
	token := c.stopToken
	c.after(c.timing.StopTimeout, func() { c.post(stopTimedOut{token: token}) })
}

// requestStart goes through the permission gate on the first start and
// straight to the capability once access is known to be granted.
func (c *Controller) requestStart() {
	c.state = StateStarting
	if c.gate == nil || c.gate.Granted() {
		c.startCapability()
		return
	}
	c.permAttempt++
	attempt := c.permAttempt
	ctx := c.loopCtx
	go func() {
		err := c.gate.EnsureAccess(ctx)
		c.post(permissionResolved{attempt: attempt, err: err})
	}()
}

func (c *Controller) onPermissionResolved(e permissionResolved) {
	if e.attempt != c.permAttempt || c.state != StateStarting || !c.listening {
		return
	}
	c.dirty = true
	if e.err != nil {
		c.log.Warn("microphone access denied", slog.String("error", e.err.Error()))
		c.metrics.recordError("not-allowed", true)
		c.listening = false
		c.state = StateIdle
		c.lastErr = e.err
		c.sink.SessionError(c.sessionID, e.err, true)
		return
	}
	c.startCapability()
}

func (c *Controller) startCapability() {
	c.releaseHandle(true)
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(c.loopCtx)
	c.metrics.starts.Add(ctx, 1)
	stream, err := c.rec.Start(ctx, c.streamCfg, &listener{c: c, gen: gen})
	if err != nil {
		cancel()
		c.log.Warn("capability start failed",
			slog.Uint64("generation", gen),
			slog.String("error", err.Error()),
		)
		c.metrics.recordError("start", false)
		c.sink.SessionError(c.sessionID, err, false)
		c.state = StateRecovering
		c.scheduleRestart(c.timing.RestartDelay)
		return
	}
	c.handle = &handle{gen: gen, stream: stream, cancel: cancel}
	c.state = StateStarting
	c.dirty = true
	c.log.Debug("capability starting", slog.Uint64("generation", gen))
}

// releaseHandle forgets the live stream; callbacks still in flight from it
// are dropped by the generation check.
func (c *Controller) releaseHandle(stop bool) {
	if c.handle == nil {
		return
	}
	if stop {
		c.handle.stream.Stop()
	}
	c.handle.cancel()
	c.handle = nil
}

func (c *Controller) current(gen uint64) bool {
	return c.handle != nil && c.handle.gen == gen
}

func (c *Controller) onCapabilityStarted(e capStarted) {
	if !c.current(e.gen) {
		return
	}
	if c.state == StateStarting {
		c.state = StateActive
		c.dirty = true
		c.log.Info("listening", slog.String("session_id", c.sessionID), slog.Uint64("generation", e.gen))
	}
}

func (c *Controller) onCapabilityResult(e capResult) {
	if !c.current(e.gen) {
		c.log.Debug("dropping stale results", slog.Uint64("generation", e.gen))
		return
	}
	finals := c.acc.Apply(e.fragments...)
	c.metrics.recordFragments(len(e.fragments)-finals, finals)
	for _, f := range e.fragments {
		if f.Final {
			c.sink.FinalTranscript(c.sessionID, f.Text)
		} else {
			c.sink.PartialTranscript(c.sessionID, f.Text)
		}
	}
	if c.state == StateStarting {
		c.state = StateActive
	}
	c.dirty = true

	if finals > 0 && c.mode == RestartBurst && c.state == StateActive && c.listening {
		c.handle.stream.Stop()
		c.state = StateRecovering
		c.scheduleRestart(c.timing.BurstRestartDelay)
	}
}

func (c *Controller) onCapabilityError(e capError) {
	if !c.current(e.gen) {
		return
	}
	err := e.err
	if err == nil {
		err = errors.New(string(e.code))
	}
	fatal := e.code.Fatal()
	c.metrics.recordError(string(e.code), fatal)

	switch {
	case c.state == StateStoppingIntentional:
		c.log.Debug("capability error while stopping", slog.String("code", string(e.code)))
	case e.code == stt.ErrorAborted:
		c.log.Debug("capability aborted", slog.Uint64("generation", e.gen))
	case fatal:
		c.log.Error("fatal capability error",
			slog.String("code", string(e.code)),
			slog.String("error", err.Error()),
		)
		var reported error
		if e.code == stt.ErrorNotAllowed || e.code == stt.ErrorServiceNotAllowed {
			if c.gate != nil {
				c.gate.Invalidate()
			}
			reported = &permission.PermissionError{Reason: string(e.code), Err: err}
		} else {
			reported = &stt.UnsupportedCapabilityError{Mode: c.recognizerName(), Err: err}
		}
		c.listening = false
		c.cancelRestart()
		c.releaseHandle(true)
		c.state = StateIdle
		c.lastErr = reported
		c.dirty = true
		c.sink.SessionError(c.sessionID, reported, true)
	case c.state == StateRecovering:
	default:
		c.log.Warn("recoverable capability error",
			slog.String("code", string(e.code)),
			slog.String("error", err.Error()),
		)
		c.sink.SessionError(c.sessionID, &stt.TransientRecognitionError{Code: e.code, Err: err}, false)
		c.releaseHandle(true)
		if !c.listening {
			c.state = StateIdle
			c.dirty = true
			return
		}
		c.state = StateRecovering
		c.scheduleRestart(c.timing.RestartDelay)
		if e.code == stt.ErrorNoSpeech {
			c.flash("No speech detected")
		}
	}
}

func (c *Controller) onCapabilityEnded(e capEnded) {
	if !c.current(e.gen) {
		return
	}
	c.releaseHandle(false)
	c.dirty = true
	switch c.state {
	case StateStoppingIntentional:
		c.stopToken++
		c.state = StateIdle
		c.log.Info("stopped", slog.String("session_id", c.sessionID))
	case StateStarting, StateActive:
		if !c.listening {
			c.state = StateIdle
			return
		}
		c.log.Info("capability ended unexpectedly, scheduling restart", slog.Uint64("generation", e.gen))
		c.state = StateRecovering
		c.scheduleRestart(c.timing.RestartDelay)
	case StateRecovering:
	}
}

func (c *Controller) scheduleRestart(delay time.Duration) {
	c.restartToken++
	token := c.restartToken
	c.pendingRestart = token
	effective := c.scheduler.Schedule(delay, func() { c.post(restartDue{token: token}) })
	c.dirty = true
	c.log.Debug("restart scheduled", slog.Duration("delay", effective))
}

func (c *Controller) cancelRestart() {
	c.scheduler.Cancel()
	c.pendingRestart = 0
}

func (c *Controller) onRestartDue(e restartDue) {
	if e.token != c.pendingRestart {
		return
	}
	c.pendingRestart = 0
	c.dirty = true
	if !c.listening {
		c.releaseHandle(true)
		c.state = StateIdle
		return
	}
	c.restarts++
	c.metrics.restarts.Add(context.Background(), 1)
	c.releaseHandle(true)
	c.requestStart()
}

func (c *Controller) copyText() error {
	text := c.acc.Text()
	if strings.TrimSpace(text) == "" {
		c.flash("No text to copy")
		return ErrNoText
	}
	if err := c.clipboard.Write(text); err != nil {
		c.log.Warn("copy failed", slog.String("error", err.Error()))
		c.flash("Copy failed")
		return err
	}
	c.flash("Text copied to clipboard")
	return nil
}

func (c *Controller) copyAndRestart() error {
	text := c.acc.Text()
	if strings.TrimSpace(text) == "" {
		c.flash("No text to copy")
		return ErrNoText
	}
	c.cancelRestart()
	if c.handle != nil {
		c.feedback.StopTone()
	}
	c.releaseHandle(true)

	var copyErr error
	if err := c.clipboard.Write(text); err != nil {
		c.log.Warn("copy failed", slog.String("error", err.Error()))
		copyErr = err
	}
	c.acc.Reset()
	if c.sessionID == "" || c.state == StateIdle {
		c.sessionID = c.newID()
	}
	c.mode = RestartBurst
	c.listening = true
	c.lastErr = nil
	c.state = StateRecovering
	c.scheduleRestart(c.timing.CopyRestartDelay)
	if copyErr != nil {
		c.flash("Copy failed")
	} else {
		c.flash("Copied, restarting")
	}
	return copyErr
}

func (c *Controller) save(filename string) (string, error) {
	text := c.acc.Text()
	if strings.TrimSpace(text) == "" {
		c.flash("No text to save")
		return "", ErrNoText
	}
	if filename == "" {
		filename = c.filename
	}
	path, err := c.exporter.Save(text, filename)
	if err != nil {
		c.log.Warn("save failed", slog.String("error", err.Error()))
		c.flash("Save failed")
		return "", err
	}
	c.sink.TranscriptSaved(c.sessionID, path, text)
	c.flash("Saved to " + filepath.Base(path))
	return path, nil
}

// flash shows a transient status message that reverts after StatusRevert.
func (c *Controller) flash(msg string) {
	c.statusSeq++
	c.status = msg
	c.dirty = true
	if c.timing.StatusRevert <= 0 {
		return
	}
	seq := c.statusSeq
	c.after(c.timing.StatusRevert, func() { c.post(statusExpired{seq: seq}) })
}

func (c *Controller) statusMessage() string {
	if c.status != "" {
		return c.status
	}
	if c.lastErr != nil {
		if permission.IsPermissionError(c.lastErr) {
			return "Microphone access denied"
		}
		if stt.IsUnsupported(c.lastErr) {
			return "Speech recognition unavailable"
		}
	}
	switch c.state {
	case StateStarting:
		return "Starting microphone"
	case StateActive:
		return "Listening"
	case StateStoppingIntentional:
		return "Stopping"
	case StateRecovering:
		return "Restarting"
	}
	return "Press start to dictate"
}

func (c *Controller) snapshot() Snapshot {
	s := Snapshot{
		SessionID:      c.sessionID,
		State:          c.state,
		Listening:      c.listening,
		Mode:           c.mode,
		Text:           c.acc.Text(),
		Empty:          c.acc.Empty(),
		Stats:          c.acc.Stats(),
		Status:         c.statusMessage(),
		Permission:     permission.StateUnknown,
		PendingRestart: c.pendingRestart != 0,
		Restarts:       c.restarts,
		Generation:     c.gen,
		At:             c.now(),
	}
	if c.gate != nil {
		s.Permission = c.gate.State()
	}
	if c.lastErr != nil {
		s.Error = c.lastErr.Error()
	}
	return s
}

func (c *Controller) shutdown() {
	c.listening = false
	c.cancelRestart()
	c.releaseHandle(true)
	if c.state != StateIdle {
		c.state = StateIdle
		c.sink.StateChanged(c.snapshot())
	}
	c.log.Info("session controller stopped")
}

func (c *Controller) recognizerName() string {
	if c.rec == nil {
		return ""
	}
	return c.rec.Name()
}
