package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/vpnrelay/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the vpnrelay daemon in foreground",
	Long: `Run the vpnrelay daemon process in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging and metrics
  3. Load the user registry and start the UDS server for CLI control
  4. Start Kafka command consumer (if configured)
  5. Start the relay if relay.auto_start is set
  6. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)

Raw sockets require CAP_NET_RAW.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var pidFile string

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (default: control.pid_file from config)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon() error {
	d, err := daemon.New(configFile, socketPath, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Run main loop (blocks until shutdown)
	return d.Run()
}
