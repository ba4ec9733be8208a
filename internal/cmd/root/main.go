package root

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"obdagent/internal/app"
	"obdagent/internal/displayer"
	"obdagent/internal/obd"
	"obdagent/pkg/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func Run(cmd *cobra.Command, args []string) {
	noTUI := viper.GetBool("no-tui")

	// The console owns the terminal, keep logs in the file only.
	a, err := app.FromFlags(!noTUI)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if noTUI {
		if err := a.Connect(ctx); err != nil {
			log.Fatal("failed to connect to the adapter", zap.Error(err))
		}
		printSummary(ctx, a)
		return
	}

	a.Manager.Start()
	go a.Poller.Run(ctx)

	d := displayer.New(a.Manager, a.Poller, log.Named("displayer"))
	if err := d.Run(ctx); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func printSummary(ctx context.Context, a *app.App) {
	snap := a.Manager.Snapshot()
	fmt.Printf("Adapter:  %s\n", snap.Identity)
	fmt.Printf("Port:     %s\n", snap.Port)
	fmt.Printf("Protocol: %s\n", snap.Protocol)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	errorCodes, err := a.Manager.ReadDtc(ctx)
	if err != nil {
		log.Error("failed to get error codes", zap.Error(err))
		fmt.Println(obd.Normalize(err, nil).UserMessage)
		return
	}

	fmt.Println("Current DTC Error Codes:")
	if len(errorCodes) == 0 {
		fmt.Println("No error codes.")
	} else {
		for _, code := range errorCodes {
			fmt.Printf("- %s: %s\n", code.Code, code.Description)
		}
	}
}
