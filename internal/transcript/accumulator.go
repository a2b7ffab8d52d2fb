// Package transcript merges recognizer fragments into a stable text buffer.
//
// Final fragments are committed append-only, each followed by a single
// space. Interim fragments replace one another until the next final arrives.
package transcript

import (
	"strings"
	"unicode/utf8"
)

// Fragment is one recognized chunk of speech.
type Fragment struct {
	Text  string
	Final bool
}

// Stats summarises the current text for the statistics panel.
type Stats struct {
	Words int `json:"words"`
	Chars int `json:"chars"`
}

// Accumulator holds the committed prefix and at most one interim segment.
// It is not safe for concurrent use; the session loop owns it.
type Accumulator struct {
	committed strings.Builder
	interim   string
}

func New() *Accumulator {
	return &Accumulator{}
}

// Apply merges fragments in order and reports how many were final.
func (a *Accumulator) Apply(fragments ...Fragment) int {
	finals := 0
	for _, f := range fragments {
		if f.Final {
			a.committed.WriteString(f.Text)
			a.committed.WriteByte(' ')
			a.interim = ""
			finals++
			continue
		}
		a.interim = f.Text
	}
	return finals
}

// Text returns the committed prefix followed by the interim segment.
func (a *Accumulator) Text() string {
	if a.interim == "" {
		return a.committed.String()
	}
	return a.committed.String() + a.interim
}

// Committed returns only the finalized prefix.
func (a *Accumulator) Committed() string {
	return a.committed.String()
}

// Interim returns the pending, not yet final segment.
func (a *Accumulator) Interim() string {
	return a.interim
}

func (a *Accumulator) Empty() bool {
	return a.committed.Len() == 0 && a.interim == ""
}

func (a *Accumulator) Reset() {
	a.committed.Reset()
	a.interim = ""
}

func (a *Accumulator) Stats() Stats {
	return Count(a.Text())
}

// Count returns word and character totals for text.
func Count(text string) Stats {
	return Stats{
		Words: len(strings.Fields(text)),
		Chars: utf8.RuneCountInString(text),
	}
}
