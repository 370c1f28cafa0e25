package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/vpnrelay/internal/command"
)

// userCmd represents the user command group
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage relay users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Register a user",
	Example: `  vpnrelay user create alice --password secret --vlan 10`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUserCreate(cmd.Context(), newClient(), cmd.OutOrStdout(), command.UserCreateParams{
			User:     args[0],
			Password: userPassword,
			VLANID:   userVLAN,
		})
	},
}

var userRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a user; later ids shift down by one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return runUserRemove(cmd.Context(), newClient(), cmd.OutOrStdout(), id)
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered users",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUserList(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

var (
	userPassword string
	userVLAN     uint32
)

func init() {
	userCreateCmd.Flags().StringVarP(&userPassword, "password", "P", "", "user password (required)")
	userCreateCmd.Flags().Uint32Var(&userVLAN, "vlan", 0, "VLAN id")
	userCreateCmd.MarkFlagRequired("password")

	userCmd.AddCommand(userCreateCmd, userRemoveCmd, userListCmd)
	rootCmd.AddCommand(userCmd)
}

func runUserCreate(ctx context.Context, client ControlClient, out io.Writer, params command.UserCreateParams) error {
	resp, err := client.UserCreate(ctx, params)
	if _, err := result("user_create", resp, err); err != nil {
		return err
	}
	fmt.Fprintf(out, "User %s registered.\n", params.User)
	return nil
}

func runUserRemove(ctx context.Context, client ControlClient, out io.Writer, id uint32) error {
	resp, err := client.UserRemove(ctx, id)
	if _, err := result("user_remove", resp, err); err != nil {
		return err
	}
	fmt.Fprintf(out, "User %d removed.\n", id)
	return nil
}

func runUserList(ctx context.Context, client ControlClient, out io.Writer) error {
	resp, err := client.UserList(ctx)
	res, err := result("user_list", resp, err)
	if err != nil {
		return err
	}
	return printJSON(out, res)
}
