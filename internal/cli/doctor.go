package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/clipboard"
	"github.com/loqalabs/loqa-scribe/internal/permission"
)

func NewDoctorCmd(deps *Dependencies) *cobra.Command {
	var probeTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check microphone, recognizer and clipboard setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			f := newFormatter(deps.Out)
			failed := 0
			check := func(name string, ok bool, detail string) {
				if !ok {
					failed++
				}
				f.Check(name, ok, detail)
			}

			fmt.Fprintln(deps.Out, "Recognizer")
			registry := capability.NewDefaultRegistry(cfg, audio.NewCapture(cfg.Capture, deps.Logger), deps.Logger)
			modes := registry.Modes()
			check("mode", contains(modes, cfg.Recognizer.Mode),
				fmt.Sprintf("%s (available: %s)", cfg.Recognizer.Mode, strings.Join(modes, ", ")))
			switch cfg.Recognizer.Mode {
			case "exec":
				path, err := exec.LookPath(firstField(cfg.Recognizer.Command))
				check("command", err == nil, orError(path, err))
			case "deepgram":
				key := cfg.Recognizer.Deepgram.APIKey != ""
				check("api key", key, map[bool]string{true: "configured", false: "missing"}[key])
			}

			if cfg.Recognizer.Mode != "mock" {
				fmt.Fprintln(deps.Out, "Microphone")
				devices, err := audio.InputDevices()
				if err != nil {
					check("devices", false, err.Error())
				} else {
					check("devices", len(devices) > 0, fmt.Sprintf("%d input device(s)", len(devices)))
					for _, d := range devices {
						label := d.Name
						if d.Default {
							label += " (default)"
						}
						f.Info(fmt.Sprintf("%s, %d ch, %.0f Hz", label, d.MaxInputChannels, d.DefaultSampleRate))
					}
				}

				ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
				gate := permission.NewGate(audio.NewProber(cfg.Capture), deps.Logger)
				err = gate.EnsureAccess(ctx)
				cancel()
				check("access", err == nil, orError(string(gate.State()), err))
			}

			fmt.Fprintln(deps.Out, "Output")
			clip := clipboard.New()
			check("clipboard", clip.Available(), map[bool]string{true: "available", false: clipboard.ErrUnsupported.Error()}[clip.Available()])
			check("export directory", writableDir(cfg.Export.Directory), cfg.Export.Directory)

			if cfg.Bus.Enabled {
				detail := "embedded"
				if !cfg.Bus.Embedded {
					detail = strings.Join(cfg.Bus.Servers, ", ")
				}
				f.Info("bus: " + detail)
			}

			if failed > 0 {
				f.Warning(fmt.Sprintf("%d check(s) failed", failed))
				return fmt.Errorf("doctor found %d problem(s)", failed)
			}
			f.Success("All checks passed")
			return nil
		},
	}
	cmd.Flags().DurationVar(&probeTimeout, "probe-timeout", 5*time.Second, "How long to wait for microphone access")
	return cmd
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func orError(detail string, err error) string {
	if err != nil {
		return err.Error()
	}
	return detail
}

// writableDir reports whether dir exists as a directory or can be created.
func writableDir(dir string) bool {
	if dir == "" {
		return false
	}
	if info, err := os.Stat(dir); err == nil {
		return info.IsDir()
	}
	return os.MkdirAll(dir, 0o755) == nil
}
