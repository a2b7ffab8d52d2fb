// Package feedback plays the short audible cue when dictation stops.
package feedback

import (
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

const (
	toneDuration  = 0.2
	toneStepAt    = 0.1
	toneHighHz    = 800.0
	toneLowHz     = 400.0
	toneFloorGain = 0.01
	framesPerBuf  = 256
)

// Tone plays the stop cue on the default output device.
type Tone struct {
	cfg     config.FeedbackConfig
	log     *slog.Logger
	playing atomic.Bool
	play    func(samples []float32, sampleRate int) error
}

func NewTone(cfg config.FeedbackConfig, log *slog.Logger) *Tone {
	return &Tone{
		cfg:  cfg,
		log:  log.With(slog.String("component", "feedback")),
		play: playSamples,
	}
}

// StopTone plays the cue asynchronously. Overlapping requests are dropped.
func (t *Tone) StopTone() {
	if !t.cfg.Enabled {
		return
	}
	if !t.playing.CompareAndSwap(false, true) {
		return
	}
	samples := StopToneSamples(t.cfg.SampleRate, t.cfg.Gain)
	go func() {
		defer t.playing.Store(false)
		if err := t.play(samples, t.cfg.SampleRate); err != nil {
			t.log.Debug("stop tone failed", slog.String("error", err.Error()))
		}
	}()
}

// StopToneSamples renders the cue: 800Hz stepping to 400Hz halfway, with
// gain decaying exponentially to 0.01 over 200ms.
func StopToneSamples(sampleRate int, gain float64) []float32 {
	if sampleRate <= 0 {
		return nil
	}
	if gain <= toneFloorGain {
		gain = 0.3
	}
	n := int(float64(sampleRate) * toneDuration)
	out := make([]float32, n)
	phase := 0.0
	for i := range out {
		at := float64(i) / float64(sampleRate)
		freq := toneHighHz
		if at >= toneStepAt {
			freq = toneLowHz
		}
		amp := gain * math.Pow(toneFloorGain/gain, at/toneDuration)
		out[i] = float32(amp * math.Sin(phase))
		phase += 2 * math.Pi * freq / float64(sampleRate)
	}
	return out
}

func playSamples(samples []float32, sampleRate int) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	buffer := make([]float32, framesPerBuf)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), len(buffer), &buffer)
	if err != nil {
		return fmt.Errorf("open output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start output stream: %w", err)
	}
	for offset := 0; offset < len(samples); offset += len(buffer) {
		n := copy(buffer, samples[offset:])
		for i := n; i < len(buffer); i++ {
			buffer[i] = 0
		}
		if err := stream.Write(); err != nil {
			return fmt.Errorf("write output stream: %w", err)
		}
	}
	return stream.Stop()
}
