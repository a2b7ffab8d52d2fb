package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

const (
	EventSessionState    = "session.state"
	EventTranscriptFinal = "transcript.final"
	EventSessionError    = "session.error"
	EventTranscriptSave  = "transcript.saved"
)

const recorderQueueSize = 256

// Recorder journals session notifications into the store. Writes happen on
// a background goroutine; when the queue is full entries are dropped.
type Recorder struct {
	store      *Store
	log        *slog.Logger
	recognizer string
	queue      chan func(context.Context)

	// owned by the session controller goroutine
	lastID    string
	lastState session.State

	done chan struct{}
}

func NewRecorder(store *Store, recognizer string, log *slog.Logger) *Recorder {
	return &Recorder{
		store:      store,
		log:        log.With(slog.String("component", "journal")),
		recognizer: recognizer,
		queue:      make(chan func(context.Context), recorderQueueSize),
		done:       make(chan struct{}),
	}
}

// Run drains the queue until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case write := <-r.queue:
			write(writeCtx)
		}
	}
}

// Done is closed once Run has flushed and returned.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case write := <-r.queue:
			write(ctx)
		default:
			return
		}
	}
}

func (r *Recorder) enqueue(kind string, write func(context.Context) error) {
	job := func(ctx context.Context) {
		if err := write(ctx); err != nil {
			r.log.Warn("journal write failed", slog.String("kind", kind), slog.String("error", err.Error()))
		}
	}
	select {
	case r.queue <- job:
	default:
		r.log.Warn("journal queue full, dropping entry", slog.String("kind", kind))
	}
}

func (r *Recorder) StateChanged(s session.Snapshot) {
	if s.SessionID == "" {
		return
	}
	if s.SessionID != r.lastID {
		r.lastID = s.SessionID
		r.lastState = ""
		sess := Session{ID: s.SessionID, Recognizer: r.recognizer, RestartMode: string(s.Mode), CreatedAt: s.At.UTC()}
		r.enqueue(EventSessionState, func(ctx context.Context) error {
			return r.store.AppendSession(ctx, sess)
		})
	}
	if s.State == r.lastState {
		return
	}
	r.lastState = s.State
	payload, err := json.Marshal(struct {
		State     string `json:"state"`
		Listening bool   `json:"listening"`
		Mode      string `json:"restart_mode"`
		Restarts  int    `json:"restarts"`
		Error     string `json:"error,omitempty"`
	}{string(s.State), s.Listening, string(s.Mode), s.Restarts, s.Error})
	if err != nil {
		return
	}
	r.append(s.SessionID, EventSessionState, payload)
}

// PartialTranscript is a no-op; only final text is journaled.
func (r *Recorder) PartialTranscript(string, string) {}

func (r *Recorder) FinalTranscript(sessionID, text string) {
	if sessionID == "" {
		return
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return
	}
	r.append(sessionID, EventTranscriptFinal, payload)
}

func (r *Recorder) SessionError(sessionID string, err error, fatal bool) {
	if sessionID == "" || err == nil {
		return
	}
	payload, mErr := json.Marshal(map[string]any{"message": err.Error(), "fatal": fatal})
	if mErr != nil {
		return
	}
	r.append(sessionID, EventSessionError, payload)
}

func (r *Recorder) TranscriptSaved(sessionID, path, text string) {
	stats := transcript.Count(text)
	t := Transcript{SessionID: sessionID, Path: path, Text: text, Words: stats.Words, Chars: stats.Chars}
	r.enqueue(EventTranscriptSave, func(ctx context.Context) error {
		_, err := r.store.SaveTranscript(ctx, t)
		return err
	})
}

func (r *Recorder) append(sessionID, kind string, payload []byte) {
	evt := Event{SessionID: sessionID, Type: kind, Payload: payload, CreatedAt: time.Now().UTC()}
	r.enqueue(kind, func(ctx context.Context) error {
		return r.store.AppendEvent(ctx, evt)
	})
}
