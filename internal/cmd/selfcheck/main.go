package selfcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"obdagent/internal/app"
	"obdagent/internal/obd"
	"obdagent/internal/selfcheck"
	"obdagent/pkg/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func Run(cmd *cobra.Command, args []string) {
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

	opts := a.Config.SelfCheckOptions()
	if n, _ := cmd.Flags().GetInt("attempts"); n > 0 {
		opts.Attempts = n
	}
	opts.OnAttemptStart = func(attempt int) {
		fmt.Printf("Attempt %d/%d...\n", attempt, opts.Attempts)
	}

	var report selfcheck.Report
	err = a.Manager.WithDriver(ctx, func(ctx context.Context, d obd.Driver) error {
		var runErr error
		report, runErr = selfcheck.Run(ctx, selfcheck.DriverTarget{Driver: d}, opts)
		return runErr
	})
	if err != nil {
		log.Error("self-check interrupted", zap.Error(err))
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(report)
	} else {
		printReport(report)
	}

	if !selfcheck.Passed(report) {
		os.Exit(1)
	}
}

func printReport(r selfcheck.Report) {
	fmt.Printf("Self-check %s: %s\n", strings.ToUpper(string(selfcheck.Grade(r))), r.Summary)
	if r.ProtocolUsed != "" {
		fmt.Printf("Protocol: %s\n", r.ProtocolUsed)
	}
	fmt.Printf("Consistent: %t\n", r.Consistent)
	for name, rng := range r.Metrics {
		fmt.Printf("  %-12s %.2f .. %.2f\n", name, rng.Min, rng.Max)
	}
	for _, e := range r.Errors() {
		fmt.Printf("  error: %s\n", e)
	}
}
