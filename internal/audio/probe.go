package audio

import (
	"context"
	"fmt"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Prober checks microphone access by opening the input device and releasing
// it straight away.
type Prober struct {
	cfg config.CaptureConfig
}

func NewProber(cfg config.CaptureConfig) *Prober {
	return &Prober{cfg: cfg}
}

func (p *Prober) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	buffer := make([]int16, p.cfg.FramesPerBuffer*p.cfg.Channels)
	stream, err := openInput(p.cfg, buffer)
	if err != nil {
		return fmt.Errorf("open input device: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start input device: %w", err)
	}
	return stream.Stop()
}

// DeviceInfo describes an input device for diagnostics.
type DeviceInfo struct {
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	Default           bool
}

// InputDevices lists devices able to capture audio.
func InputDevices() ([]DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	var defaultName string
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		defaultName = def.Name
	}

	var result []DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels <= 0 {
			continue
		}
		result = append(result, DeviceInfo{
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			Default:           dev.Name == defaultName,
		})
	}
	return result, nil
}
