package pid

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"obdagent/internal/app"
	"obdagent/internal/obd"
	"obdagent/pkg/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func Run(cmd *cobra.Command, args []string) {
	pids := make([]string, 0, len(args))
	for _, arg := range args {
		p, err := obd.NormalizeHex(arg)
		if err != nil {
			log.Fatal("invalid pid", zap.String("pid", arg), zap.Error(err))
		}
		pids = append(pids, p)
	}

	a, err := app.FromFlags(false)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Connect(ctx); err != nil {
		log.Fatal("failed to connect to the adapter", zap.Error(err))
	}

	watch, _ := cmd.Flags().GetDuration("watch")
	readAll(ctx, a, pids)
	if watch <= 0 {
		return
	}

	ticker := time.NewTicker(watch)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Println()
			readAll(ctx, a, pids)
		}
	}
}

func readAll(ctx context.Context, a *app.App, pids []string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tNAME\tVALUE\tUNIT")
	for _, p := range pids {
		v, err := a.Manager.ReadPid(ctx, p)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t%s\t\n", p, obd.Normalize(err, nil).UserMessage)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\n", p, v.Name, v.Value, v.Unit)
	}
	w.Flush()
}
