package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/vpnrelay/internal/core"
	"firestige.xyz/vpnrelay/internal/rawsock"
	"firestige.xyz/vpnrelay/internal/relay"
	"firestige.xyz/vpnrelay/internal/transport"
)

var sendCmd = &cobra.Command{
	Use:   "send <payload>",
	Short: "Send a relay request to a running relay",
	Long: `Craft a relay request and fire it at the relay as a raw UDP datagram.
Requires CAP_NET_RAW.`,
	Example: `  vpnrelay send --user alice --password secret --relay 127.0.0.1:5001 --dest 127.0.0.1:9000 hello`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opener := rawsock.NewOpener(rawsock.DefaultConfig())
		return runSend(cmd.OutOrStdout(), opener, sendOpts, []byte(args[0]))
	},
}

type sendOptions struct {
	User     string
	Password string
	Relay    string
	Dest     string
	From     string
}

var sendOpts sendOptions

func init() {
	f := sendCmd.Flags()
	f.StringVarP(&sendOpts.User, "user", "u", "", "user name (required)")
	f.StringVarP(&sendOpts.Password, "password", "P", "", "user password")
	f.StringVar(&sendOpts.Relay, "relay", "127.0.0.1:5001", "relay endpoint")
	f.StringVar(&sendOpts.Dest, "dest", "", "final destination ip:port (required)")
	f.StringVar(&sendOpts.From, "from", "127.0.0.1:5000", "local source endpoint")
	sendCmd.MarkFlagRequired("user")
	sendCmd.MarkFlagRequired("dest")
	rootCmd.AddCommand(sendCmd)
}

func runSend(out io.Writer, opener rawsock.Opener, opts sendOptions, payload []byte) error {
	relayAddr, err := parseEndpoint(opts.Relay)
	if err != nil {
		return fmt.Errorf("--relay: %w", err)
	}
	dst, err := parseEndpoint(opts.Dest)
	if err != nil {
		return fmt.Errorf("--dest: %w", err)
	}
	from, err := parseEndpoint(opts.From)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}

	req, err := relay.EncodeRequest(core.RelayRequest{
		User:        opts.User,
		Password:    opts.Password,
		Destination: dst,
		Payload:     payload,
	})
	if err != nil {
		return err
	}

	t := transport.NewUDP(transport.Config{Local: from, Opener: opener})
	if err := t.Send(req, relayAddr); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	fmt.Fprintf(out, "Sent %d byte request to %s for %s.\n", len(req), relayAddr, dst)
	return nil
}
