package cli

import (
	"fmt"
	"io"
	"strings"
	"time"
)

type formatter struct {
	w io.Writer
}

func newFormatter(w io.Writer) *formatter {
	return &formatter{w: w}
}

func (f *formatter) Success(msg string) {
	fmt.Fprintf(f.w, "✅ %s\n", msg)
}

func (f *formatter) Warning(msg string) {
	fmt.Fprintf(f.w, "⚠️  %s\n", msg)
}

func (f *formatter) Info(msg string) {
	fmt.Fprintf(f.w, "ℹ️  %s\n", msg)
}

func (f *formatter) Check(name string, ok bool, detail string) {
	if ok {
		fmt.Fprintf(f.w, "  ✅ %s: %s\n", name, detail)
	} else {
		fmt.Fprintf(f.w, "  ❌ %s: %s\n", name, detail)
	}
}

func (f *formatter) Session(state, status, text string, words int) {
	fmt.Fprintf(f.w, "state:  %s\nstatus: %s\nwords:  %d\n", state, status, words)
	if text != "" {
		fmt.Fprintf(f.w, "\n%s\n", strings.TrimSpace(text))
	}
}

func (f *formatter) Transcript(id int64, at time.Time, words int, path, text string) {
	fmt.Fprintf(f.w, "#%d  %s  %d words", id, at.Local().Format("2006-01-02 15:04"), words)
	if path != "" {
		fmt.Fprintf(f.w, "  %s", path)
	}
	fmt.Fprintf(f.w, "\n    %s\n", preview(text, 72))
}

func preview(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-1]) + "…"
}
