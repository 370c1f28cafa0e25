package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/vpnrelay/internal/config"
	"firestige.xyz/vpnrelay/internal/daemon"
)

// shutdownCmd represents the shutdown command
var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop the vpnrelay daemon",
	Long: `Stop the daemon gracefully via the control socket.

With --force, a daemon whose socket is unreachable is sent SIGTERM using
the PID file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().DaemonShutdown(cmd.Context())
		if err == nil {
			if _, err := result("daemon_shutdown", resp, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon is shutting down.")
			return nil
		}
		if !shutdownForce {
			return fmt.Errorf("daemon is not running or socket is inaccessible: %w", err)
		}

		pid := shutdownPIDFile
		if pid == "" {
			cfg, cfgErr := loadCLIConfig()
			if cfgErr != nil {
				return cfgErr
			}
			pid = cfg.Control.PIDFile
		}
		if err := daemon.StopDaemon(pid, 10*time.Second); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped.")
		return nil
	},
}

var (
	shutdownForce   bool
	shutdownPIDFile string
)

func init() {
	shutdownCmd.Flags().BoolVar(&shutdownForce, "force", false, "signal the daemon via its PID file if the socket is unreachable")
	shutdownCmd.Flags().StringVarP(&shutdownPIDFile, "pidfile", "p", "", "PID file path (default: control.pid_file from config)")
	rootCmd.AddCommand(shutdownCmd)
}

func loadCLIConfig() (*config.GlobalConfig, error) {
	if configFile == "" {
		return config.Default()
	}
	return config.Load(configFile)
}
