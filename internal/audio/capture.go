// Package audio captures microphone PCM through PortAudio.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Stream delivers interleaved PCM16 buffers until closed.
type Stream interface {
	Frames() <-chan []int16
	Close() error
}

// Source opens capture streams.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Capture opens PortAudio input streams on the configured device.
type Capture struct {
	cfg config.CaptureConfig
	log *slog.Logger
}

func NewCapture(cfg config.CaptureConfig, log *slog.Logger) *Capture {
	return &Capture{cfg: cfg, log: log.With(slog.String("component", "audio-capture"))}
}

func (c *Capture) Open(ctx context.Context) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}

	buffer := make([]int16, c.cfg.FramesPerBuffer*c.cfg.Channels)
	stream, err := openInput(c.cfg, buffer)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("open audio stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("start audio stream: %w", err)
	}

	s := &captureStream{
		stream: stream,
		buffer: buffer,
		frames: make(chan []int16, 64),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		log:    c.log,
	}
	go s.loop(ctx)
	c.log.Debug("capture started", slog.Int("sample_rate", c.cfg.SampleRate), slog.String("device", deviceLabel(c.cfg.Device)))
	return s, nil
}

func openInput(cfg config.CaptureConfig, buffer []int16) (*portaudio.Stream, error) {
	if cfg.Device != "" && cfg.Device != "default" {
		if device, err := findInputDevice(cfg.Device); err == nil {
			params := portaudio.StreamParameters{
				Input: portaudio.StreamDeviceParameters{
					Device:   device,
					Channels: cfg.Channels,
					Latency:  device.DefaultLowInputLatency,
				},
				SampleRate:      float64(cfg.SampleRate),
				FramesPerBuffer: cfg.FramesPerBuffer,
			}
			return portaudio.OpenStream(params, buffer)
		}
	}
	return portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), cfg.FramesPerBuffer, buffer)
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if dev.Name == name && dev.MaxInputChannels > 0 {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", name)
}

func deviceLabel(name string) string {
	if name == "" {
		return "default"
	}
	return name
}

type captureStream struct {
	stream *portaudio.Stream
	buffer []int16
	frames chan []int16
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
	log    *slog.Logger
}

func (s *captureStream) Frames() <-chan []int16 {
	return s.frames
}

// Close stops the read loop and releases the device. The loop owns the
// PortAudio stream so Stop never races a blocking Read.
func (s *captureStream) Close() error {
	s.once.Do(func() { close(s.done) })
	<-s.exited
	return nil
}

func (s *captureStream) loop(ctx context.Context) {
	defer close(s.exited)
	defer close(s.frames)
	defer func() {
		if err := s.stream.Stop(); err != nil {
			s.log.Debug("stop audio stream", slog.String("error", err.Error()))
		}
		if err := s.stream.Close(); err != nil {
			s.log.Debug("close audio stream", slog.String("error", err.Error()))
		}
		_ = portaudio.Terminate()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			// input overflow is routine under load; keep reading
			continue
		}
		samples := make([]int16, len(s.buffer))
		copy(samples, s.buffer)

		select {
		case s.frames <- samples:
		default:
			// consumer is behind, drop this buffer
		}
	}
}
