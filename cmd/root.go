// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/vpnrelay/internal/command"
	"firestige.xyz/vpnrelay/internal/config"
	"firestige.xyz/vpnrelay/internal/core"
)

const defaultSocket = "/var/run/vpn-relay.sock"

var (
	// Global flags
	configFile string
	socketPath string
	timeout    time.Duration
)

// ControlClient is the daemon control surface used by the CLI commands.
type ControlClient interface {
	UserCreate(ctx context.Context, params command.UserCreateParams) (*command.Response, error)
	UserRemove(ctx context.Context, id uint32) (*command.Response, error)
	UserList(ctx context.Context) (*command.Response, error)
	RuleCreate(ctx context.Context, params command.RuleCreateParams) (*command.Response, error)
	RuleRemove(ctx context.Context, id uint32) (*command.Response, error)
	RuleList(ctx context.Context) (*command.Response, error)
	RelayStart(ctx context.Context, protocol string) (*command.Response, error)
	RelayStop(ctx context.Context) (*command.Response, error)
	ConfigReload(ctx context.Context) (*command.Response, error)
	DaemonStatus(ctx context.Context) (*command.Response, error)
	DaemonShutdown(ctx context.Context) (*command.Response, error)
}

// newClient is replaced in tests.
var newClient = func() ControlClient {
	return command.NewUDSClient(resolveSocket(), timeout)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vpnrelay",
	Short: "vpnrelay - minimal authenticated relay over raw IPv4 sockets",
	Long: `vpnrelay receives relay requests on a raw TCP or UDP endpoint, authenticates
the sender against the user registry, applies user and VLAN restriction rules,
and forwards the payload to the requested destination.

The daemon is controlled through a Unix Domain Socket (JSON-RPC 2.0) and,
optionally, a Kafka command topic.`,
	Version:       command.Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "",
		"daemon socket path (default: control.socket from config, else "+defaultSocket+")")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"control request timeout")
}

// resolveSocket picks the --socket flag, then the config file, then the default.
func resolveSocket() string {
	if socketPath != "" {
		return socketPath
	}
	if configFile != "" {
		if cfg, err := config.Load(configFile); err == nil && cfg.Control.Socket != "" {
			return cfg.Control.Socket
		}
	}
	return defaultSocket
}

// result turns a transport failure or an error response into an error.
func result(method string, resp *command.Response, err error) (interface{}, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s failed: %w", method, resp.Error)
	}
	return resp.Result, nil
}

func printJSON(out io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}

// parseEndpoint parses "ip:port"; "localhost" is accepted for the host.
func parseEndpoint(s string) (core.NetworkAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return core.NetworkAddress{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return core.NetworkAddress{}, fmt.Errorf("invalid port in %q", s)
	}
	return core.ParseNetworkAddress(host, uint16(port))
}

func parseID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint32(id), nil
}
