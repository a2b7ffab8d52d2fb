package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Factory builds a recognizer backend.
type Factory func() (stt.Recognizer, error)

// Registry maps recognizer modes to factories and reports, once at startup,
// whether the configured mode can be served.
type Registry struct {
	log       *slog.Logger
	mu        sync.RWMutex
	factories map[string]Factory
	active    string
	meter     metric.Meter
}

func NewRegistry(log *slog.Logger) *Registry {
	r := &Registry{
		log:       log.With(slog.String("component", "capability-registry")),
		factories: make(map[string]Factory),
		meter:     otel.Meter("github.com/loqalabs/loqa-scribe/capability"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// NewDefaultRegistry registers the built-in recognizer backends.
func NewDefaultRegistry(cfg config.Config, source audio.Source, log *slog.Logger) *Registry {
	r := NewRegistry(log)
	r.Register("mock", func() (stt.Recognizer, error) {
		return stt.NewMockRecognizer(cfg.Recognizer.Mock), nil
	})
	r.Register("exec", func() (stt.Recognizer, error) {
		return stt.NewExecRecognizer(cfg.Recognizer, cfg.Capture, source, log)
	})
	r.Register("deepgram", func() (stt.Recognizer, error) {
		return stt.NewDeepgramRecognizer(cfg.Recognizer.Deepgram, cfg.Capture, source, log), nil
	})
	return r
}

func (r *Registry) Register(mode string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[mode] = factory
}

func (r *Registry) Modes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	modes := make([]string, 0, len(r.factories))
	for mode := range r.factories {
		modes = append(modes, mode)
	}
	sort.Strings(modes)
	return modes
}

// Resolve builds the recognizer for mode. Failures are reported as
// *stt.UnsupportedCapabilityError.
func (r *Registry) Resolve(mode string) (stt.Recognizer, error) {
	r.mu.RLock()
	factory, ok := r.factories[mode]
	r.mu.RUnlock()
	if !ok {
		err := &stt.UnsupportedCapabilityError{Mode: mode}
		r.log.Error("recognizer unavailable", slog.String("mode", mode))
		return nil, err
	}

	rec, err := factory()
	if err != nil {
		r.log.Error("recognizer unavailable", slog.String("mode", mode), slog.String("error", err.Error()))
		return nil, &stt.UnsupportedCapabilityError{Mode: mode, Err: err}
	}

	r.mu.Lock()
	r.active = rec.Name()
	r.mu.Unlock()
	r.log.Info("recognizer resolved", slog.String("mode", mode), slog.String("backend", rec.Name()))
	return rec, nil
}

func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	registered, err := r.meter.Int64ObservableGauge("scribe.capabilities.registered", metric.WithDescription("Number of registered recognizer backends"))
	if err != nil {
		return err
	}
	active, err := r.meter.Int64ObservableGauge("scribe.capabilities.active", metric.WithDescription("Resolved recognizer backend"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(registered, int64(len(r.Modes())))
		if name := r.Active(); name != "" {
			obs.ObserveInt64(active, 1, metric.WithAttributes(attribute.String("backend", name)))
		}
		return nil
	}, registered, active)
	if err != nil {
		return fmt.Errorf("register capability callback: %w", err)
	}
	return nil
}
