package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/clipboard"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/export"
	"github.com/loqalabs/loqa-scribe/internal/feedback"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/permission"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/recovery"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	listener    net.Listener
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	recognizer stt.Recognizer
	gate       session.Gate
	clipboard  session.Clipboard
	feedback   session.Feedback

	store      *eventstore.Store
	nats       *natsserver.EmbeddedServer
	busClient  *bus.Client
	controller *session.Controller
	hub        *Hub
	addr       chan string
}

type Option func(*Runtime)

// WithRecognizer bypasses the capability registry.
func WithRecognizer(rec stt.Recognizer) Option {
	return func(r *Runtime) { r.recognizer = rec }
}

func WithGate(g session.Gate) Option {
	return func(r *Runtime) { r.gate = g }
}

func WithClipboard(c session.Clipboard) Option {
	return func(r *Runtime) { r.clipboard = c }
}

func WithFeedback(f session.Feedback) Option {
	return func(r *Runtime) { r.feedback = f }
}

// WithListener serves HTTP on ln instead of the configured address.
func WithListener(ln net.Listener) Option {
	return func(r *Runtime) { r.listener = ln }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
		addr:   make(chan string, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Addr blocks until the HTTP server is listening and returns its address.
func (r *Runtime) Addr(ctx context.Context) (string, error) {
	select {
	case addr := <-r.addr:
		r.addr <- addr
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Session returns the controller. It is nil until Addr has returned.
func (r *Runtime) Session() *session.Controller {
	return r.controller
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store
	defer store.Close()

	recognizer, err := r.resolveRecognizer()
	if err != nil {
		return fmt.Errorf("failed to resolve recognizer: %w", err)
	}

	journalCtx, stopJournal := context.WithCancel(context.Background())
	recorder := eventstore.NewRecorder(store, recognizer.Name(), r.logger)
	go recorder.Run(journalCtx)
	defer func() {
		stopJournal()
		<-recorder.Done()
	}()

	r.hub = NewHub(nil, r.logger)
	sinks := session.MultiSink{r.hub, recorder}

	if r.cfg.Bus.Enabled {
		publisher, err := r.startBus(ctx)
		if err != nil {
			return err
		}
		defer r.stopBus()
		sinks = append(sinks, publisher)
	}

	timing := session.TimingFromConfig(r.cfg.Session)
	r.controller = session.New(session.Options{
		Recognizer: recognizer,
		Gate:       r.resolveGate(),
		Scheduler:  recovery.New(time.Duration(r.cfg.Session.CooldownMS) * time.Millisecond),
		Clipboard:  r.resolveClipboard(),
		Exporter:   export.NewFileSink(r.cfg.Export),
		Feedback:   r.resolveFeedback(),
		Sink:       sinks,
		Stream: stt.StreamConfig{
			Language:       r.cfg.Recognizer.Language,
			Continuous:     r.cfg.Recognizer.Continuous,
			InterimResults: r.cfg.Recognizer.InterimResults,
			SampleRate:     r.cfg.Capture.SampleRate,
			Channels:       r.cfg.Capture.Channels,
		},
		Timing:   timing,
		Filename: r.cfg.Export.Filename,
	}, r.logger)
	r.hub.dispatcher = r.controller

	controllerCtx, stopController := context.WithCancel(context.Background())
	go func() { _ = r.controller.Run(controllerCtx) }()
	defer func() {
		stopController()
		<-r.controller.Done()
	}()

	if r.busClient != nil {
		sub, err := bus.ServeIntents(ctx, r.busClient, r.controller)
		if err != nil {
			return fmt.Errorf("failed to subscribe to intents: %w", err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	newAPI(r.controller, store, r.hub, r.logger).register(mux)

	ln := r.listener
	if ln == nil {
		addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
	}
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.addr <- ln.Addr().String()
	r.logger.Info("runtime started",
		slog.String("addr", ln.Addr().String()),
		slog.String("recognizer", recognizer.Name()),
		slog.String("restart_mode", string(timing.Mode)),
	)

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	r.hub.Close()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	return nil
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) resolveRecognizer() (stt.Recognizer, error) {
	if r.recognizer != nil {
		return r.recognizer, nil
	}
	capture := audio.NewCapture(r.cfg.Capture, r.logger)
	registry := capability.NewDefaultRegistry(r.cfg, capture, r.logger)
	return registry.Resolve(r.cfg.Recognizer.Mode)
}

// resolveGate probes the microphone unless the recognizer never opens it.
func (r *Runtime) resolveGate() session.Gate {
	if r.gate != nil {
		return r.gate
	}
	if r.cfg.Recognizer.Mode == "mock" {
		return permission.NewGate(permission.ProberFunc(func(context.Context) error { return nil }), r.logger)
	}
	return permission.NewGate(audio.NewProber(r.cfg.Capture), r.logger)
}

func (r *Runtime) resolveClipboard() session.Clipboard {
	if r.clipboard != nil {
		return r.clipboard
	}
	return clipboard.New()
}

func (r *Runtime) resolveFeedback() session.Feedback {
	if r.feedback != nil {
		return r.feedback
	}
	return feedback.NewTone(r.cfg.Feedback, r.logger)
}

func (r *Runtime) startBus(ctx context.Context) (*bus.Publisher, error) {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		ns.Shutdown()
		r.nats = nil
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = client

	if err := client.EnsureStream(busCfg.TranscriptStream, protocol.SubjectTranscriptFinal); err != nil {
		r.logger.Warn("transcript stream unavailable", slog.String("error", err.Error()))
	}
	return bus.NewPublisher(client, busCfg.PublishInterim), nil
}

func (r *Runtime) stopBus() {
	r.busClient.Close()
	r.busClient = nil
	r.nats.Shutdown()
	r.nats = nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (!r.cfg.Bus.Enabled || r.busClient.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
