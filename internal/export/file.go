// Package export saves transcripts as UTF-8 text files.
package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// FileSink writes transcripts into a directory. Existing files are kept;
// a numbered name is chosen instead, the way browser downloads behave.
type FileSink struct {
	dir      string
	fallback string
	write    func(f *os.File, text string) error
}

func NewFileSink(cfg config.ExportConfig) *FileSink {
	return &FileSink{dir: cfg.Directory, fallback: cfg.Filename, write: writeText}
}

func writeText(f *os.File, text string) error {
	_, err := f.WriteString(text)
	return err
}

// Save writes text and returns the path written.
func (s *FileSink) Save(text, filename string) (string, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = s.fallback
	}
	if name == "" {
		return "", errors.New("export filename must not be empty")
	}

	dir := s.dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create export file: %w", err)
		}
		if err := s.write(f, text); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("write export file: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("close export file: %w", err)
		}
		return path, nil
	}
	return "", fmt.Errorf("no free file name for %s", name)
}
