package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/remedy/storage"
	"github.com/yairfalse/remedy/types"
	"github.com/yairfalse/remedy/wal"
)

func newAuditCmd(c *cli) *cobra.Command {
	var (
		resourceID string
		ruleID     string
		status     string
		since      time.Duration
		limit      int
		unresolved bool
		journal    bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query recorded remediation outcomes",
		Long: `Query the outcome store or replay the event journal.

By default the store holds only permanent failures, the ones that need an
operator. Set storage.record_all_outcomes to keep every outcome.`,
		Example: `  remedy audit --unresolved                  # Pairs whose last fix failed permanently
  remedy audit --resource bucket-42          # Every stored outcome for one resource
  remedy audit --status failed-permanent --since 24h
  remedy audit --journal --since 1h          # Replay state transitions`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			if journal {
				return replayJournal(cmd, c, resourceID, from)
			}

			store, err := storage.Open(c.cfg.Storage.Dir)
			if err != nil {
				return fmt.Errorf("open outcome store: %w", err)
			}
			defer func() { _ = store.Close() }()

			if unresolved {
				return writeStates(cmd, c.output, store.Unresolved())
			}

			filter := storage.Filter{
				ResourceID: resourceID,
				RuleID:     ruleID,
				Status:     types.OutcomeStatus(status),
				Since:      from,
				Limit:      limit,
			}
			records, err := store.Query(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if c.output == "json" {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			outcomes := make([]types.RemediationOutcome, len(records))
			for i, r := range records {
				outcomes[i] = r.Outcome
			}
			return writeOutcomes(cmd.OutOrStdout(), outcomes)
		},
	}
	cmd.Flags().StringVar(&resourceID, "resource", "", "Only this resource")
	cmd.Flags().StringVar(&ruleID, "rule", "", "Only this rule")
	cmd.Flags().StringVar(&status, "status", "", "Only this status: applied, already-compliant, failed-retryable, failed-permanent")
	cmd.Flags().DurationVar(&since, "since", 0, "Only outcomes newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum outcomes to print, 0 for all")
	cmd.Flags().BoolVar(&unresolved, "unresolved", false, "List pairs whose latest outcome failed permanently")
	cmd.Flags().BoolVar(&journal, "journal", false, "Replay the event journal instead of the outcome store")
	return cmd
}

func writeStates(cmd *cobra.Command, format string, states []storage.ComplianceState) error {
	out := cmd.OutOrStdout()
	if format == "json" {
		if states == nil {
			states = []storage.ComplianceState{}
		}
		return writeJSON(out, states)
	}
	if len(states) == 0 {
		_, _ = fmt.Fprintln(out, "Nothing unresolved")
		return nil
	}
	tw := newTable(out, "RESOURCE", "RULE", "ACTION", "SINCE", "ERROR")
	for _, s := range states {
		row(tw, s.ResourceID, s.RuleID, string(s.ActionKind), s.UpdatedAt.Format(time.RFC3339), dash(s.Error))
	}
	return tw.Flush()
}

func replayJournal(cmd *cobra.Command, c *cli, resourceID string, since time.Time) error {
	out := cmd.OutOrStdout()
	var entries []*wal.Entry
	err := wal.Replay(c.cfg.Storage.JournalDir, since, func(e *wal.Entry) error {
		if resourceID != "" && e.ResourceID != resourceID {
			return nil
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}

	if c.output == "json" {
		if entries == nil {
			entries = []*wal.Entry{}
		}
		return writeJSON(out, entries)
	}
	tw := newTable(out, "TIME", "EVENT", "RESOURCE", "STATE", "ERROR")
	for _, e := range entries {
		row(tw, e.Timestamp.Format(time.RFC3339), dash(e.EventID), dash(e.ResourceID), string(e.Type), dash(e.Error))
	}
	return tw.Flush()
}
