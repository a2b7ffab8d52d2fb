package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "scribe.yaml")
	cfg, err := loadConfig(missing, false)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HTTP.Port != config.Default().HTTP.Port {
		t.Fatalf("expected default port, got %d", cfg.HTTP.Port)
	}

	if _, err := loadConfig(missing, true); err == nil {
		t.Fatalf("expected an error for an explicit missing config")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPreviewTruncates(t *testing.T) {
	if got := preview("one  two\nthree", 72); got != "one two three" {
		t.Fatalf("unexpected preview %q", got)
	}
	long := strings.Repeat("a", 100)
	if got := []rune(preview(long, 10)); len(got) != 10 || got[9] != '…' {
		t.Fatalf("unexpected truncation %q", string(got))
	}
}

func TestCtlSendsIntent(t *testing.T) {
	var got protocol.Intent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/session/save" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(protocol.IntentReply{OK: true, Path: "/tmp/notes.txt"})
	}))
	defer srv.Close()

	var out bytes.Buffer
	deps := &Dependencies{Config: config.Default(), Logger: slog.New(slog.NewTextHandler(&out, nil)), Out: &out}
	cmd := NewCtlCmd(deps)
	cmd.SetArgs([]string{"save", "notes.txt", "--addr", strings.TrimPrefix(srv.URL, "http://")})
	cmd.SetOut(&out)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("ctl save: %v", err)
	}
	if got.Name != protocol.IntentSave || got.Filename != "notes.txt" {
		t.Fatalf("unexpected intent %+v", got)
	}
	if !strings.Contains(out.String(), "Saved to /tmp/notes.txt") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestCtlReportsFailedIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(protocol.IntentReply{OK: false, Error: "no text"})
	}))
	defer srv.Close()

	var out bytes.Buffer
	deps := &Dependencies{Config: config.Default(), Logger: slog.New(slog.NewTextHandler(&out, nil)), Out: &out}
	cmd := NewCtlCmd(deps)
	cmd.SetArgs([]string{"copy", "--addr", strings.TrimPrefix(srv.URL, "http://")})
	cmd.SetOut(&out)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no text") {
		t.Fatalf("expected no text error, got %v", err)
	}
}

func TestTranscriptsListsSaved(t *testing.T) {
	cfg := config.Default()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "scribe.db")
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	ctx := context.Background()
	store, err := eventstore.Open(ctx, cfg.EventStore, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := store.SaveTranscript(ctx, eventstore.Transcript{
		SessionID: "s1",
		Path:      "/tmp/a.txt",
		Text:      "hello world.",
		Words:     2,
		Chars:     12,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("save transcript: %v", err)
	}
	store.Close()

	var out bytes.Buffer
	cmd := NewTranscriptsCmd(&Dependencies{Config: cfg, Logger: log, Out: &out})
	cmd.SetArgs(nil)
	if err := cmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("transcripts: %v", err)
	}
	if !strings.Contains(out.String(), "hello world.") || !strings.Contains(out.String(), "2 words") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
