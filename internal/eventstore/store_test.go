package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "scribe.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if _, err := es.SaveTranscript(ctx, Transcript{Text: "ignored"}); err != nil {
		t.Fatalf("save on ephemeral store: %v", err)
	}
	list, err := es.ListTranscripts(ctx, 10)
	if err != nil || len(list) != 0 {
		t.Fatalf("expected nothing stored, got %v %v", list, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "session"})

	sessionID := "session-123"
	if err := es.AppendSession(context.Background(), Session{ID: sessionID, Recognizer: "mock", RestartMode: "continuous"}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: sessionID, Type: "test", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" {
		t.Fatalf("unexpected payload: %s", events[0].Payload)
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be parsed")
	}
}

func TestTranscriptsNewestFirst(t *testing.T) {
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := es.SaveTranscript(ctx, Transcript{SessionID: "a", Path: "/tmp/a.txt", Text: "first ", Words: 1, Chars: 6}); err != nil {
		t.Fatalf("save: %v", err)
	}
	es.clock = func() time.Time { return time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC) }
	if _, err := es.SaveTranscript(ctx, Transcript{SessionID: "b", Text: "second "}); err != nil {
		t.Fatalf("save: %v", err)
	}

	list, err := es.ListTranscripts(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 transcripts, got %d", len(list))
	}
	if list[0].Text != "second " || list[1].Path != "/tmp/a.txt" || list[1].Words != 1 {
		t.Fatalf("unexpected order or content: %+v", list)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), Session{ID: "old-session"}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: "old-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), Session{ID: "new-session"}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
}

func TestRecorderJournalsSession(t *testing.T) {
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "session"})
	rec := NewRecorder(es, "mock", newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go rec.Run(ctx)

	now := time.Now()
	rec.StateChanged(session.Snapshot{State: session.StateIdle, At: now})
	rec.StateChanged(session.Snapshot{SessionID: "s1", State: session.StateStarting, Mode: session.RestartContinuous, At: now})
	rec.StateChanged(session.Snapshot{SessionID: "s1", State: session.StateStarting, At: now})
	rec.StateChanged(session.Snapshot{SessionID: "s1", State: session.StateActive, At: now})
	rec.PartialTranscript("s1", "hel")
	rec.FinalTranscript("s1", "hello.")
	rec.SessionError("s1", errors.New("no speech"), false)
	rec.TranscriptSaved("s1", "/tmp/t.txt", "hello. ")

	cancel()
	<-rec.Done()

	events, err := es.ListSessionEvents(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var kinds []string
	for _, e := range events {
		kinds = append(kinds, e.Type)
	}
	want := []string{EventSessionState, EventSessionState, EventTranscriptFinal, EventSessionError}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected events %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("unexpected events %v", kinds)
		}
	}

	list, err := es.ListTranscripts(context.Background(), 5)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(list) != 1 || list[0].Words != 1 || list[0].SessionID != "s1" {
		t.Fatalf("unexpected transcripts %+v", list)
	}
}
