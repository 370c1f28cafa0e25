package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/vpnrelay/internal/command"
)

// ruleCmd represents the rule command group
var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage restriction rules",
	Long: `Manage restriction rules. A user rule blocks one user id from reaching a
destination; a VLAN rule blocks every user of a VLAN.`,
}

var ruleUserCmd = &cobra.Command{
	Use:     "user <name> <user-id> <dest-ip:port>",
	Short:   "Block a user from a destination",
	Example: `  vpnrelay rule user no-dns 0 10.0.0.53:53`,
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRuleAdd(cmd, "user", args)
	},
}

var ruleVLANCmd = &cobra.Command{
	Use:     "vlan <name> <vlan-id> <dest-ip:port>",
	Short:   "Block a VLAN from a destination",
	Example: `  vpnrelay rule vlan lab-off 20 192.168.1.10:22`,
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRuleAdd(cmd, "vlan", args)
	},
}

var ruleRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a rule; later ids shift down by one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		resp, err := newClient().RuleRemove(cmd.Context(), id)
		if _, err := result("rule_remove", resp, err); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rule %d removed.\n", id)
		return nil
	},
}

var ruleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().RuleList(cmd.Context())
		res, err := result("rule_list", resp, err)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var ruleImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Add rules from a YAML or JSON file",
	Long: `Add every rule listed in a file. JSON files are accepted as YAML.

Example file:
  rules:
    - kind: user
      name: no-dns
      scope_id: 0
      dest: 10.0.0.53:53
    - kind: vlan
      name: lab-off
      scope_id: 20
      dest: 192.168.1.10:22`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(ruleFile)
		if err != nil {
			return fmt.Errorf("failed to read rule file %s: %w", ruleFile, err)
		}
		return runRuleImport(cmd.Context(), newClient(), cmd.OutOrStdout(), data)
	},
}

var ruleFile string

func init() {
	ruleImportCmd.Flags().StringVarP(&ruleFile, "file", "f", "", "rule file (required)")
	ruleImportCmd.MarkFlagRequired("file")

	ruleCmd.AddCommand(ruleUserCmd, ruleVLANCmd, ruleRemoveCmd, ruleListCmd, ruleImportCmd)
	rootCmd.AddCommand(ruleCmd)
}

// ruleFileEntry is one rule in an import file.
type ruleFileEntry struct {
	Kind    string `yaml:"kind"`
	Name    string `yaml:"name"`
	ScopeID uint32 `yaml:"scope_id"`
	Dest    string `yaml:"dest"`
}

type ruleFileDoc struct {
	Rules []ruleFileEntry `yaml:"rules"`
}

func ruleParams(kind, name, scope, dest string) (command.RuleCreateParams, error) {
	id, err := parseID(scope)
	if err != nil {
		return command.RuleCreateParams{}, err
	}
	addr, err := parseEndpoint(dest)
	if err != nil {
		return command.RuleCreateParams{}, err
	}
	return command.RuleCreateParams{
		Kind:     kind,
		Name:     name,
		ScopeID:  id,
		DestIP:   addr.IP.String(),
		DestPort: addr.Port,
	}, nil
}

func runRuleAdd(cmd *cobra.Command, kind string, args []string) error {
	params, err := ruleParams(kind, args[0], args[1], args[2])
	if err != nil {
		return err
	}
	return runRuleCreate(cmd.Context(), newClient(), cmd.OutOrStdout(), params)
}

func runRuleCreate(ctx context.Context, client ControlClient, out io.Writer, params command.RuleCreateParams) error {
	resp, err := client.RuleCreate(ctx, params)
	if _, err := result("rule_create", resp, err); err != nil {
		return err
	}
	fmt.Fprintf(out, "Rule %s added.\n", params.Name)
	return nil
}

// runRuleImport validates the whole file before sending anything.
func runRuleImport(ctx context.Context, client ControlClient, out io.Writer, data []byte) error {
	var doc ruleFileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse rule file: %w", err)
	}
	if len(doc.Rules) == 0 {
		return fmt.Errorf("rule file lists no rules")
	}

	params := make([]command.RuleCreateParams, 0, len(doc.Rules))
	for i, r := range doc.Rules {
		p, err := ruleParams(r.Kind, r.Name, fmt.Sprint(r.ScopeID), r.Dest)
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		params = append(params, p)
	}

	for _, p := range params {
		if err := runRuleCreate(ctx, client, out, p); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "%d rule(s) imported.\n", len(params))
	return nil
}
