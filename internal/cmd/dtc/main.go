package dtc

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"obdagent/internal/app"
	"obdagent/internal/obd"
	"obdagent/pkg/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func connect(ctx context.Context) *app.App {
	a, err := app.FromFlags(false)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	if err := a.Connect(ctx); err != nil {
		a.Close()
		fmt.Println(obd.Normalize(err, nil).UserMessage)
		log.Fatal("failed to connect to the adapter", zap.Error(err))
	}
	return a
}

// Run prints the stored codes, and the pending ones with --pending.
func Run(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := connect(ctx)
	defer a.Close()

	stored, err := a.Manager.ReadDtc(ctx)
	if err != nil {
		log.Fatal("failed to read trouble codes", zap.Error(err))
	}
	printCodes("Stored trouble codes", stored)

	if pending, _ := cmd.Flags().GetBool("pending"); pending {
		codes, err := a.Manager.ReadPendingDtc(ctx)
		if err != nil {
			log.Fatal("failed to read pending trouble codes", zap.Error(err))
		}
		printCodes("Pending trouble codes", codes)
	}
}

// Clear erases the stored codes after confirmation.
func Clear(cmd *cobra.Command, args []string) {
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		fmt.Print("Clear all trouble codes and reset the MIL? [y/N] ")
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			fmt.Println("Aborted.")
			return
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := connect(ctx)
	defer a.Close()

	ok, err := a.Manager.ClearDtc(ctx)
	if err != nil {
		log.Fatal("failed to clear trouble codes", zap.Error(err))
	}
	if !ok {
		fmt.Println("The vehicle did not acknowledge the clear request.")
		os.Exit(1)
	}
	fmt.Println("Trouble codes cleared.")
}

func printCodes(title string, codes []obd.DtcEntry) {
	fmt.Printf("%s:\n", title)
	if len(codes) == 0 {
		fmt.Println("No error codes.")
		return
	}
	for _, c := range codes {
		fmt.Printf("- %s [%s]: %s\n", c.Code, c.Category(), c.Description)
	}
}
