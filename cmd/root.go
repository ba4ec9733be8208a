package cmd

import (
	"fmt"
	"os"

	"obdagent/internal/cmd/root"
	"obdagent/pkg/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "obdagent",
	Short: "OBD-II adapter agent for the diagnostics kiosk",
	Run:   root.Run,
}

func init() {
	cobra.OnInitialize(initLogger)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML config file")
	flags.Bool("debug", false, "Enable debug mode")
	flags.Bool("no-tui", false, "Run without TUI (for testing)")
	flags.Bool("mock", false, "Use the ELM327 emulator instead of a real adapter")
	flags.String("transport", "serial", "Adapter transport: serial, bluetooth, mock or auto")
	flags.String("port", "auto", "Serial port, or auto to discover it")
	flags.Int("baud", 0, "Baud rate for serial connection (0 probes 38400, 115200, 9600)")

	viper.BindPFlag("config", flags.Lookup("config"))
	viper.BindPFlag("debug", flags.Lookup("debug"))
	viper.BindPFlag("no-tui", flags.Lookup("no-tui"))
	viper.BindPFlag("mock", flags.Lookup("mock"))
	viper.BindPFlag("adapter.transport", flags.Lookup("transport"))
	viper.BindPFlag("adapter.port", flags.Lookup("port"))
	viper.BindPFlag("adapter.baud_rate", flags.Lookup("baud"))
}

func initLogger() {
	log.InitLogger(viper.GetBool("debug"))
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
