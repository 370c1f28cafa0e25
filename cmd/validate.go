package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/vpnrelay/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load and validate a configuration file without starting the daemon.

Examples:
  vpnrelay validate -c /etc/vpn-relay/config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd.OutOrStdout(), configFile)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(out io.Writer, path string) error {
	if path == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	fmt.Fprintf(out, "VALID: relay %s %s:%d, users file %s, command channel enabled=%t\n",
		cfg.Relay.Protocol,
		cfg.Relay.ListenIP,
		cfg.Relay.ListenPort,
		cfg.Relay.UsersFile,
		cfg.CommandChannel.Enabled,
	)
	return nil
}
