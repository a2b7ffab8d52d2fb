package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

type sessionAPI interface {
	bus.Dispatcher
	Snapshot(ctx context.Context) (session.Snapshot, error)
}

type transcriptLister interface {
	ListTranscripts(ctx context.Context, limit int) ([]eventstore.Transcript, error)
}

type transcriptView struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Path      string    `json:"path,omitempty"`
	Text      string    `json:"text"`
	Words     int       `json:"words"`
	Chars     int       `json:"chars"`
	CreatedAt time.Time `json:"created_at"`
}

type api struct {
	session     sessionAPI
	transcripts transcriptLister
	hub         http.Handler
	log         *slog.Logger
	tracer      trace.Tracer
}

func newAPI(s sessionAPI, transcripts transcriptLister, hub http.Handler, log *slog.Logger) *api {
	return &api{
		session:     s,
		transcripts: transcripts,
		hub:         hub,
		log:         log.With(slog.String("component", "http-api")),
		tracer:      otel.Tracer("github.com/loqalabs/loqa-scribe/runtime"),
	}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/session", a.handleSnapshot)
	mux.HandleFunc("POST /api/session/{intent}", a.handleIntent)
	mux.HandleFunc("GET /api/transcripts", a.handleTranscripts)
	if a.hub != nil {
		mux.Handle("GET /api/session/events", a.hub)
	}
}

func (a *api) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := a.session.Snapshot(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap.Message())
}

func (a *api) handleIntent(w http.ResponseWriter, r *http.Request) {
	in := protocol.Intent{}
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &in); err != nil {
				writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
				return
			}
		}
	}
	in.Name = r.PathValue("intent")

	ctx, span := a.tracer.Start(r.Context(), "session.intent",
		trace.WithAttributes(attribute.String("intent", in.Name)))
	defer span.End()

	snap, path, err := a.session.Dispatch(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.log.Debug("intent failed", slog.String("intent", in.Name), slog.String("error", err.Error()))
	}
	if snap.State != "" {
		span.SetAttributes(attribute.String("session.state", string(snap.State)))
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	writeJSON(w, status, session.Reply(snap, path, err))
}

func (a *api) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	if a.transcripts == nil {
		writeJSON(w, http.StatusOK, []transcriptView{})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	list, err := a.transcripts.ListTranscripts(r.Context(), limit)
	if err != nil {
		a.log.Warn("list transcripts failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]transcriptView, 0, len(list))
	for _, t := range list {
		views = append(views, transcriptView{
			ID:        t.ID,
			SessionID: t.SessionID,
			Path:      t.Path,
			Text:      t.Text,
			Words:     t.Words,
			Chars:     t.Chars,
			CreatedAt: t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func statusFor(err error) int {
	var unknown *session.UnknownIntentError
	switch {
	case errors.As(err, &unknown):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNoText):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
