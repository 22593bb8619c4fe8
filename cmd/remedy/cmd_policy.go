package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/remedy/policy"
)

func newPolicyCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect rule files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Load a rule file and list its rules",
		Long: `Parse a rule file, compile its Rego checks and list the rules it defines.
Defaults to policy.path from the config.`,
		Example: `  remedy policy validate rules.yaml`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.cfg.Policy.Path
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no rule file given and policy.path is not set")
			}

			rules, err := policy.NewLoader().LoadFile(cmd.Context(), path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if c.output == "json" {
				type ruleView struct {
					ID           string            `json:"id"`
					Description  string            `json:"description,omitempty"`
					AppliesTo    string            `json:"applies_to"`
					Fix          string            `json:"fix"`
					RequiredTags map[string]string `json:"required_tags,omitempty"`
					KMSKeyID     string            `json:"kms_key_id,omitempty"`
				}
				views := make([]ruleView, len(rules))
				for i, r := range rules {
					views[i] = ruleView{r.RuleID, r.Description, string(r.AppliesTo), string(r.RequiredFix), r.RequiredTags, r.KMSKeyID}
				}
				return writeJSON(out, views)
			}

			tw := newTable(out, "RULE", "APPLIES TO", "FIX", "DESCRIPTION")
			for _, r := range rules {
				row(tw, r.RuleID, string(r.AppliesTo), string(r.RequiredFix), dash(r.Description))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "\n%s: %d rules OK\n", path, len(rules))
			return nil
		},
	})
	return cmd
}
