package session

import (
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// listener forwards callbacks of one stream into the controller loop.
type listener struct {
	c   *Controller
	gen uint64
}

func (l *listener) OnStart() {
	l.c.post(capStarted{gen: l.gen})
}

func (l *listener) OnResult(results []stt.Result, startIndex int) {
	if startIndex < 0 {
		startIndex = 0
	}
	if startIndex >= len(results) {
		return
	}
	// copy now; backends may reuse the slice
	fragments := make([]transcript.Fragment, 0, len(results)-startIndex)
	for _, r := range results[startIndex:] {
		fragments = append(fragments, transcript.Fragment{Text: r.Text, Final: r.Final})
	}
	l.c.post(capResult{gen: l.gen, fragments: fragments})
}

func (l *listener) OnError(code stt.ErrorCode, err error) {
	l.c.post(capError{gen: l.gen, code: code, err: err})
}

func (l *listener) OnEnd() {
	l.c.post(capEnded{gen: l.gen})
}
