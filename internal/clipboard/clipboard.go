// Package clipboard writes finished transcripts to the system clipboard.
package clipboard

import (
	"errors"

	cb "github.com/atotto/clipboard"
)

var ErrUnsupported = errors.New("clipboard is not supported on this system")

type Sink struct {
	write       func(string) error
	read        func() (string, error)
	unsupported bool
}

func New() *Sink {
	return &Sink{
		write:       cb.WriteAll,
		read:        cb.ReadAll,
		unsupported: cb.Unsupported,
	}
}

func (s *Sink) Write(text string) error {
	if s.unsupported {
		return ErrUnsupported
	}
	return s.write(text)
}

func (s *Sink) Read() (string, error) {
	if s.unsupported {
		return "", ErrUnsupported
	}
	return s.read()
}

// Available reports whether a clipboard backend was found.
func (s *Sink) Available() bool {
	return !s.unsupported
}
