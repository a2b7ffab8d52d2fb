package stt

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// mockRecognizer replays scripted phrases word by word as interim results,
// finalizes each phrase and then ends the segment on its own, like a browser
// recognizer that stops after a pause.
type mockRecognizer struct {
	phrases  []string
	interval time.Duration
	perStart int
	next     atomic.Int64
}

func NewMockRecognizer(cfg config.MockConfig) Recognizer {
	phrases := cfg.Phrases
	if len(phrases) == 0 {
		phrases = []string{"hello world."}
	}
	interval := time.Duration(cfg.WordIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}
	perStart := cfg.PhrasesPerSegment
	if perStart <= 0 {
		perStart = 1
	}
	return &mockRecognizer{phrases: phrases, interval: interval, perStart: perStart}
}

func (m *mockRecognizer) Name() string {
	return "mock"
}

func (m *mockRecognizer) Start(ctx context.Context, cfg StreamConfig, l Listener) (Stream, error) {
	s := &mockStream{stop: make(chan struct{})}
	first := int(m.next.Add(int64(m.perStart))) - m.perStart
	go s.run(ctx, m, first, cfg.InterimResults, l)
	return s, nil
}

type mockStream struct {
	stop chan struct{}
	once sync.Once
}

func (s *mockStream) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *mockStream) run(ctx context.Context, m *mockRecognizer, first int, interim bool, l Listener) {
	defer l.OnEnd()
	l.OnStart()

	var results []Result
	for i := 0; i < m.perStart; i++ {
		phrase := m.phrases[(first+i)%len(m.phrases)]
		words := strings.Fields(phrase)
		for n := 1; n <= len(words); n++ {
			if !s.wait(ctx, m.interval) {
				return
			}
			if interim && n < len(words) {
				l.OnResult(withResult(results, Result{Text: strings.Join(words[:n], " ")}), len(results))
			}
		}
		results = withResult(results, Result{Text: phrase, Final: true, Confidence: 1})
		l.OnResult(results, len(results)-1)
	}
}

// withResult returns a new slice so earlier deliveries are never mutated.
func withResult(results []Result, r Result) []Result {
	out := make([]Result, len(results), len(results)+1)
	copy(out, results)
	return append(out, r)
}

func (s *mockStream) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.stop:
		return false
	case <-ctx.Done():
		return false
	}
}
