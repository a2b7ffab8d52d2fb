package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	pcmaudio "github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer records one speech segment, hands it to a local command as
// a WAV file and reports the command's text as a single final result. Each
// stream ends after its segment, so the session restarts it continuously.
type execRecognizer struct {
	cmd     []string
	cfg     config.RecognizerConfig
	capture config.CaptureConfig
	source  pcmaudio.Source
	log     *slog.Logger
	run     commandRunner
	mu      sync.Mutex
}

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.RecognizerConfig, capture config.CaptureConfig, source pcmaudio.Source, log *slog.Logger) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	return &execRecognizer{
		cmd:     args,
		cfg:     cfg,
		capture: capture,
		source:  source,
		log:     log.With(slog.String("component", "exec-recognizer")),
		run:     runCommand,
	}, nil
}

func (r *execRecognizer) Name() string {
	return "exec"
}

func (r *execRecognizer) Start(ctx context.Context, cfg StreamConfig, l Listener) (Stream, error) {
	input, err := r.source.Open(ctx)
	if err != nil {
		return nil, &CapabilityStartError{Backend: r.Name(), Err: err}
	}
	s := &execStream{stop: make(chan struct{})}
	go s.run(ctx, r, cfg, input, l)
	return s, nil
}

type execStream struct {
	stop chan struct{}
	once sync.Once
}

func (s *execStream) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *execStream) run(ctx context.Context, r *execRecognizer, cfg StreamConfig, input pcmaudio.Stream, l Listener) {
	defer l.OnEnd()
	l.OnStart()

	pcm, cancelled := s.record(ctx, input, time.Duration(r.cfg.SegmentMS)*time.Millisecond)
	if err := input.Close(); err != nil {
		r.log.Debug("close capture", slog.String("error", err.Error()))
	}
	if cancelled {
		return
	}
	if len(pcm) == 0 {
		l.OnError(ErrorNoSpeech, nil)
		return
	}

	result, err := r.transcribe(ctx, pcm, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("segment transcription failed", slog.String("error", err.Error()))
		l.OnError(ErrorOther, err)
		return
	}
	if strings.TrimSpace(result.Text) == "" {
		l.OnError(ErrorNoSpeech, nil)
		return
	}
	l.OnResult([]Result{{Text: strings.TrimSpace(result.Text), Final: true, Confidence: result.Confidence}}, 0)
}

// record collects samples until the segment elapses or Stop is called. A
// Stop still transcribes what was captured; only context cancellation
// discards it.
func (s *execStream) record(ctx context.Context, input pcmaudio.Stream, segment time.Duration) ([]int16, bool) {
	timer := time.NewTimer(segment)
	defer timer.Stop()

	var pcm []int16
	frames := input.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil, true
		case <-s.stop:
			return pcm, false
		case <-timer.C:
			return pcm, false
		case frame, ok := <-frames:
			if !ok {
				return pcm, false
			}
			pcm = append(pcm, frame...)
		}
	}
}

func (r *execRecognizer) transcribe(ctx context.Context, pcm []int16, cfg StreamConfig) (execResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "scribe_segment_*.wav")
	if err != nil {
		return execResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = r.capture.SampleRate
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = r.capture.Channels
	}
	if err := writeWav(file, pcm, sampleRate, channels); err != nil {
		return execResult{}, err
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	language := cfg.Language
	if language == "" {
		language = r.cfg.Language
	}
	if language != "" {
		args = append(args, "--language", language)
	}

	out, err := r.run(ctx, r.cmd[0], args...)
	if err != nil {
		return execResult{}, err
	}
	var resp execResult
	if err := json.Unmarshal(out, &resp); err != nil {
		return execResult{}, fmt.Errorf("decode recognizer response: %w", err)
	}
	return resp, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	command := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("recognizer command failed: %w: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func writeWav(w io.WriteSeeker, pcm []int16, sampleRate int, channels int) error {
	if sampleRate <= 0 || channels <= 0 {
		return errors.New("invalid wav format")
	}
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   make([]int, len(pcm)),
	}
	for i, s := range pcm {
		buffer.Data[i] = int(s)
	}

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
