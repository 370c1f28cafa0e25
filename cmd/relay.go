package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:       "start [tcp|udp]",
	Short:     "Start the relay",
	Long:      `Start the relay on the configured endpoint. Without an argument the daemon's relay.protocol is used.`,
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"tcp", "udp"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var protocol string
		if len(args) > 0 {
			protocol = args[0]
		}
		resp, err := newClient().RelayStart(cmd.Context(), protocol)
		res, err := result("relay_start", resp, err)
		if err != nil {
			return err
		}
		m, _ := res.(map[string]interface{})
		if msg, ok := m["message"]; ok {
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Relay started (%v).\n", m["protocol"])
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().RelayStop(cmd.Context())
		res, err := result("relay_stop", resp, err)
		if err != nil {
			return err
		}
		m, _ := res.(map[string]interface{})
		if msg, ok := m["message"]; ok {
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Relay stopped.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and relay status",
	Long: `Query the daemon for its overall status.

Shows: version, uptime, relay state, user and rule counts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().DaemonStatus(cmd.Context())
		res, err := result("daemon_status", resp, err)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
}
