package ports

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"obdagent/internal/obd/discovery"
	"obdagent/pkg/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func Run(cmd *cobra.Command, args []string) {
	hints, _ := cmd.Flags().GetStringSlice("hint")

	candidates, err := discovery.Ports(hints...)
	if err != nil {
		log.Fatal("failed to list serial ports", zap.Error(err))
	}
	if len(candidates) == 0 {
		fmt.Println("No serial ports found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tSCORE\tUSB\tVID:PID\tPRODUCT")
	for _, c := range candidates {
		ids := ""
		if c.Port.VID != "" {
			ids = c.Port.VID + ":" + c.Port.PID
		}
		fmt.Fprintf(w, "%s\t%.2f\t%t\t%s\t%s\n", c.Port.Name, c.Score, c.Port.IsUSB, ids, c.Port.Product)
	}
	w.Flush()

	if probe, _ := cmd.Flags().GetBool("probe"); !probe {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	res, err := discovery.NewProber(discovery.WithLogger(log.Named("discovery"))).
		Probe(ctx, discovery.Options{Hints: hints})
	if errors.Is(err, discovery.ErrNotFound) {
		fmt.Println("No ELM327 adapter answered.")
		os.Exit(1)
	}
	if err != nil {
		log.Fatal("probe failed", zap.Error(err))
	}
	fmt.Printf("Adapter on %s at %d baud: %s\n", res.Port.Name, res.Baud, res.Identity)
}
