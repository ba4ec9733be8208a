package cmd

import (
	"obdagent/internal/cmd/dtc"
	"obdagent/internal/cmd/pid"
	"obdagent/internal/cmd/ports"
	"obdagent/internal/cmd/selfcheck"
	"obdagent/internal/cmd/serve"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep the adapter connected, poll live data and expose /healthz, /readyz and /metrics",
	Run:   serve.Run,
}

var selfcheckCmd = &cobra.Command{
	Use:   "selfcheck",
	Short: "Run the adapter self-check and exit non-zero when it fails",
	Run:   selfcheck.Run,
}

var dtcCmd = &cobra.Command{
	Use:   "dtc",
	Short: "Read stored (and optionally pending) trouble codes",
	Run:   dtc.Run,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear trouble codes and turn off the MIL",
	Run:   dtc.Clear,
}

var pidCmd = &cobra.Command{
	Use:   "pid <pid>...",
	Short: "Read Mode 01 PIDs, e.g. pid 0C 05",
	Args:  cobra.MinimumNArgs(1),
	Run:   pid.Run,
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports ranked by how likely they are an ELM327",
	Run:   ports.Run,
}

func init() {
	serveCmd.Flags().String("addr", "", "Ops server listen address (default from config)")
	selfcheckCmd.Flags().Int("attempts", 0, "Self-check attempts (default from config)")
	selfcheckCmd.Flags().Bool("json", false, "Print the full report as JSON")
	dtcCmd.Flags().Bool("pending", false, "Also read pending codes (Mode 07)")
	clearCmd.Flags().Bool("yes", false, "Do not ask for confirmation")
	pidCmd.Flags().Duration("watch", 0, "Re-read the PIDs on this interval until interrupted")
	portsCmd.Flags().StringSlice("hint", nil, "Port names to rank first")
	portsCmd.Flags().Bool("probe", false, "Probe the ranked ports for an adapter")

	rootCmd.AddCommand(serveCmd, selfcheckCmd, dtcCmd, clearCmd, pidCmd, portsCmd)
}
