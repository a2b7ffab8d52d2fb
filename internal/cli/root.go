package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/version"
)

const defaultConfigPath = "scribe.yaml"

// Dependencies are resolved once the root command has parsed its flags.
type Dependencies struct {
	Config config.Config
	Logger *slog.Logger
	Out    io.Writer
}

func NewRootCmd() *cobra.Command {
	deps := &Dependencies{Out: os.Stdout}
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "scribed",
		Short:         "Continuous dictation service",
		Long:          "scribed keeps a speech recognizer running, restarts it when it stops on its own, and accumulates the transcript for copying or saving.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			deps.Config = cfg
			deps.Logger = newLogger(cfg.Telemetry, os.Stderr)
			deps.Out = cmd.OutOrStdout()
			return nil
		},
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")

	rootCmd.AddCommand(NewServeCmd(deps))
	rootCmd.AddCommand(NewCtlCmd(deps))
	rootCmd.AddCommand(NewTranscriptsCmd(deps))
	rootCmd.AddCommand(NewDoctorCmd(deps))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	})

	return rootCmd
}

// loadConfig falls back to defaults when the default config file is absent.
func loadConfig(path string, explicit bool) (config.Config, error) {
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.TelemetryConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
