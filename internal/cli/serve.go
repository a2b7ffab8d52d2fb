package cli

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-scribe/internal/runtime"
)

func NewServeCmd(deps *Dependencies) *cobra.Command {
	var startListening bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dictation service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt := runtime.New(deps.Config, deps.Logger)
			if startListening {
				go autoStart(ctx, rt, deps.Logger)
			}
			if err := rt.Start(ctx); err != nil {
				deps.Logger.Error("runtime exited with error", slog.String("error", err.Error()))
				return err
			}
			deps.Logger.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&startListening, "listen", false, "Start dictation as soon as the service is up")
	return cmd
}

func autoStart(ctx context.Context, rt *runtime.Runtime, log *slog.Logger) {
	if _, err := rt.Addr(ctx); err != nil {
		return
	}
	if _, err := rt.Session().Start(ctx); err != nil {
		log.Warn("auto start failed", slog.String("error", err.Error()))
	}
}
