package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yairfalse/remedy/feed"
	"github.com/yairfalse/remedy/orchestrator"
	"github.com/yairfalse/remedy/policy"
	"github.com/yairfalse/remedy/providers"
	"github.com/yairfalse/remedy/types"
)

// target is the resource named on the command line
type target struct {
	resourceType string
	region       string
}

func (t *target) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&t.resourceType, "type", "t", string(types.ResourceBucket),
		"Resource type: "+strings.Join(resourceTypeNames(), ", "))
	cmd.Flags().StringVarP(&t.region, "region", "r", "", "Resource region (defaults to the provider region)")
}

func (t *target) event(resourceID, source string) (types.ChangeEvent, error) {
	rt, err := types.ParseResourceType(t.resourceType)
	if err != nil {
		return types.ChangeEvent{}, err
	}
	ev := types.ChangeEvent{
		EventID:        source + "-" + uuid.NewString(),
		ResourceID:     resourceID,
		ResourceType:   rt,
		Region:         t.region,
		EventTimestamp: time.Now(),
		Source:         source,
	}
	return ev, ev.Validate()
}

func resourceTypeNames() []string {
	return []string{string(types.ResourceTagged), string(types.ResourceBucket), string(types.ResourceEncryptable)}
}

type evaluation struct {
	ResourceID   string            `json:"resource_id"`
	ResourceType string            `json:"resource_type"`
	Region       string            `json:"region,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Encrypted    *bool             `json:"encrypted,omitempty"`
	Public       *bool             `json:"public,omitempty"`
	Exempt       string            `json:"exempt,omitempty"`
	Violations   []types.Violation `json:"violations"`
}

func newEvaluateCmd(c *cli) *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "evaluate <resource-id>",
		Short: "Inspect one resource and list its violations",
		Long: `Inspect one resource through the cloud provider and evaluate it against the
configured rules. Nothing is changed.`,
		Example: `  remedy evaluate bucket-42                         # Evaluate a bucket
  remedy evaluate vol-0a1b2c3d --type encryptable-resource
  remedy evaluate bucket-42 -o json                 # Machine-readable output`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			event, err := t.event(args[0], "cli")
			if err != nil {
				return err
			}
			rules, err := policy.NewLoader().LoadFile(ctx, c.cfg.Policy.Path)
			if err != nil {
				return err
			}
			api, err := c.newAPI(ctx)
			if err != nil {
				return err
			}

			d, err := providers.BuildDescriptor(ctx, event, api)
			if err != nil {
				if providers.IsNotFound(err) {
					return fmt.Errorf("resource %s not found", event.ResourceID)
				}
				return fmt.Errorf("inspect %s: %w", event.ResourceID, err)
			}
			result := evaluation{
				ResourceID:   d.ResourceID,
				ResourceType: string(d.ResourceType),
				Region:       d.Region,
				Tags:         d.Tags(),
				Encrypted:    d.EncryptionEnabled,
				Public:       d.PublicAccess,
				Exempt:       c.cfg.ResourceFilter().Exempt(d),
				Violations:   policy.NewEvaluator(rules).Evaluate(ctx, d),
			}
			if result.Violations == nil {
				result.Violations = []types.Violation{}
			}

			out := cmd.OutOrStdout()
			if c.output == "json" {
				return writeJSON(out, result)
			}
			return writeEvaluation(cmd, result)
		},
	}
	t.register(cmd)
	return cmd
}

func writeEvaluation(cmd *cobra.Command, e evaluation) error {
	out := cmd.OutOrStdout()
	tw := newTable(out, "RESOURCE", "TYPE", "REGION", "ENCRYPTED", "PUBLIC", "TAGS")
	row(tw, e.ResourceID, e.ResourceType, dash(e.Region), formatBool(e.Encrypted), formatBool(e.Public), formatTags(e.Tags))
	if err := tw.Flush(); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out)

	if e.Exempt != "" {
		_, _ = fmt.Fprintf(out, "Exempt from remediation: %s\n", e.Exempt)
	}
	if len(e.Violations) == 0 {
		_, _ = fmt.Fprintln(out, "No violations")
		return nil
	}
	tw = newTable(out, "RULE", "FIX", "MISSING TAGS")
	for _, v := range e.Violations {
		row(tw, v.RuleID, string(v.Kind), dash(strings.Join(v.MissingTags, ",")))
	}
	return tw.Flush()
}

func newRemediateCmd(c *cli) *cobra.Command {
	var (
		t      target
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "remediate <resource-id>",
		Short: "Run one resource through the remediation pipeline",
		Long: `Process a synthetic change event for one resource: inspect, evaluate and
fix every violation, exactly as the daemon would. Outcomes are recorded in the
outcome store and journal.

Exits non-zero when any fix failed or the event would be retried.`,
		Example: `  remedy remediate bucket-42                # Fix a bucket
  remedy remediate bucket-42 --dry-run      # Show planned fixes only`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			event, err := t.event(args[0], "cli")
			if err != nil {
				return err
			}
			if dryRun {
				c.cfg.Worker.DryRun = true
			}

			d, err := c.newDaemon(ctx, feed.NewQueue(1))
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			result := d.Orchestrator().Process(ctx, event)
			if err := writeResult(cmd, c.output, result); err != nil {
				return err
			}
			return resultError(result)
		},
	}
	t.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show planned fixes without mutating")
	return cmd
}

func writeResult(cmd *cobra.Command, format string, r orchestrator.EventResult) error {
	out := cmd.OutOrStdout()
	if format == "json" {
		return writeJSON(out, struct {
			EventID    string                     `json:"event_id"`
			ResourceID string                     `json:"resource_id"`
			Result     string                     `json:"result"`
			State      orchestrator.State         `json:"state"`
			Violations []types.Violation          `json:"violations"`
			Outcomes   []types.RemediationOutcome `json:"outcomes"`
			Skipped    []orchestrator.Skip        `json:"skipped,omitempty"`
			Reason     string                     `json:"reason,omitempty"`
		}{r.EventID, r.ResourceID, r.Result(), r.State, r.Violations, r.Outcomes, r.Skipped, reason(r)})
	}

	_, _ = fmt.Fprintf(out, "Event %s for %s: %s (%s)\n", r.EventID, r.ResourceID, r.Result(), r.Duration().Round(time.Millisecond))
	if why := reason(r); why != "" {
		_, _ = fmt.Fprintf(out, "  %s\n", why)
	}
	if len(r.Outcomes) == 0 {
		return nil
	}
	_, _ = fmt.Fprintln(out)
	return writeOutcomes(out, r.Outcomes)
}

func reason(r orchestrator.EventResult) string {
	switch {
	case r.Dropped:
		return "dropped: " + r.DropReason
	case r.Exempt != "":
		return "exempt: " + r.Exempt
	case r.Aborted:
		return "aborted: resource disappeared"
	case r.Err != nil:
		return r.Err.Error()
	}
	return ""
}

func resultError(r orchestrator.EventResult) error {
	if r.Retry {
		return errors.New("event not finished, retry later")
	}
	for _, o := range r.Outcomes {
		if o.Status.Failed() {
			return fmt.Errorf("remediation of %s for %s failed", o.RuleID, o.ResourceID)
		}
	}
	return nil
}
