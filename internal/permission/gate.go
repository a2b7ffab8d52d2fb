// Package permission guards the first capture start behind a one-time
// microphone access probe.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type State string

const (
	StateUnknown State = "unknown"
	StateGranted State = "granted"
	StateDenied  State = "denied"
)

// Prober opens the input device and releases it immediately.
type Prober interface {
	Probe(ctx context.Context) error
}

type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// PermissionError reports that microphone access was refused or revoked.
type PermissionError struct {
	Reason string
	Err    error
}

func (e *PermissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("microphone access %s: %v", e.Reason, e.Err)
	}
	return "microphone access " + e.Reason
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// IsPermissionError reports whether err carries a PermissionError.
func IsPermissionError(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

const defaultProbeTimeout = 10 * time.Second

type probeCall struct {
	done chan struct{}
	err  error
}

// Gate caches a granted probe result for the process lifetime. A denial is
// not cached, so an explicit retry probes again.
type Gate struct {
	prober  Prober
	log     *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	state    State
	inflight *probeCall
}

func NewGate(prober Prober, log *slog.Logger) *Gate {
	return &Gate{
		prober:  prober,
		log:     log.With(slog.String("component", "permission-gate")),
		timeout: defaultProbeTimeout,
		state:   StateUnknown,
	}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) Granted() bool {
	return g.State() == StateGranted
}

// EnsureAccess returns nil once access has been granted. Concurrent callers
// share a single probe.
func (g *Gate) EnsureAccess(ctx context.Context) error {
	g.mu.Lock()
	if g.state == StateGranted {
		g.mu.Unlock()
		return nil
	}
	call := g.inflight
	if call == nil {
		call = &probeCall{done: make(chan struct{})}
		g.inflight = call
		go g.probe(context.WithoutCancel(ctx), call)
	}
	g.mu.Unlock()

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invalidate forgets a cached grant after the platform revoked access.
func (g *Gate) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateGranted {
		g.state = StateUnknown
		g.log.Info("microphone grant invalidated")
	}
}

func (g *Gate) probe(ctx context.Context, call *probeCall) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := g.prober.Probe(ctx)

	g.mu.Lock()
	if err != nil {
		g.state = StateDenied
		call.err = &PermissionError{Reason: "denied", Err: err}
		g.log.Warn("microphone access denied", slog.String("error", err.Error()))
	} else {
		g.state = StateGranted
		g.log.Info("microphone access granted")
	}
	g.inflight = nil
	g.mu.Unlock()
	close(call.done)
}
