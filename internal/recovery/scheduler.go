// Package recovery schedules restarts of the recognition capability after it
// stops on its own. At most one restart is pending at any time.
package recovery

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Timer is the cancellation handle of a pending restart.
type Timer interface {
	Stop() bool
}

// AfterFunc arranges for f to run once after d.
type AfterFunc func(d time.Duration, f func()) Timer

type Option func(*Scheduler)

// WithAfterFunc replaces the timer source, mainly for tests.
func WithAfterFunc(fn AfterFunc) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.after = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler debounces restart requests. Consecutive restarts are spaced by
// at least the configured cooldown.
type Scheduler struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	after       AfterFunc
	now         func() time.Time
	timer       Timer
	reservation *rate.Reservation
	seq         uint64
}

func New(cooldown time.Duration, opts ...Option) *Scheduler {
	limit := rate.Inf
	if cooldown > 0 {
		limit = rate.Every(cooldown)
	}
	s := &Scheduler{
		limiter: rate.NewLimiter(limit, 1),
		after:   stdAfterFunc,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func stdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Schedule cancels any pending restart and arranges for restart to run once
// after the given delay, stretched if the cooldown has not yet elapsed. It
// returns the effective delay.
func (s *Scheduler) Schedule(after time.Duration, restart func()) time.Duration {
	if after < 0 {
		after = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.cancelLocked(now)

	r := s.limiter.ReserveN(now.Add(after), 1)
	delay := after
	if r.OK() {
		if wait := r.DelayFrom(now); wait > delay {
			delay = wait
		}
	}

	s.seq++
	seq := s.seq
	s.reservation = r
	s.timer = s.after(delay, func() { s.fire(seq, restart) })
	return delay
}

// Cancel drops the pending restart, if any. Safe to call repeatedly.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(s.now())
}

// Pending reports whether a restart is waiting to fire.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Scheduler) cancelLocked(now time.Time) {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
	if s.reservation != nil {
		s.reservation.CancelAt(now)
		s.reservation = nil
	}
	s.seq++
}

func (s *Scheduler) fire(seq uint64, restart func()) {
	s.mu.Lock()
	if seq != s.seq || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.reservation = nil
	s.mu.Unlock()

	restart()
}
