package serve

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"obdagent/internal/app"
	"obdagent/pkg/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func Run(cmd *cobra.Command, args []string) {
	a, err := app.FromFlags(false)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		a.Config.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting agent",
		zap.String("transport", a.Config.Adapter.Transport),
		zap.String("addr", a.Config.Server.Addr))
	if err := a.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("agent failed", zap.Error(err))
	}
}
