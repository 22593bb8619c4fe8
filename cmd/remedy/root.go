package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yairfalse/remedy/internal/config"
	"github.com/yairfalse/remedy/telemetry"
)

var version = "0.1.0"

// cli carries the persistent flags and the loaded config to every subcommand
type cli struct {
	configPath string
	logLevel   string
	output     string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "remedy",
		Short: "Event-driven compliance remediation",
		Long: `Remedy - Event-driven compliance remediation

Remedy reacts to cloud change events, inspects the changed resource,
evaluates it against a set of compliance rules and applies idempotent
fixes: missing tags, disabled encryption and public bucket grants.

Every fix is retried with backoff on transient failures and serialized
per resource and rule. Permanent failures are recorded for an operator.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}
	root.SetVersionTemplate(`Remedy {{.Version}} - Event-driven compliance remediation
`)

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "Config file path (TOML)")
	flags.StringVar(&c.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	flags.StringVarP(&c.output, "output", "o", "table", "Output format: table, json")

	root.AddCommand(
		newDaemonCmd(c),
		newSweepCmd(c),
		newEvaluateCmd(c),
		newRemediateCmd(c),
		newAuditCmd(c),
		newPolicyCmd(c),
	)
	return root
}

// load reads the config and sets up logging. Policy subcommands work
// without a config file.
func (c *cli) load(cmd *cobra.Command) error {
	if c.output != "table" && c.output != "json" {
		return fmt.Errorf("invalid output format: %s (must be one of: table, json)", c.output)
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if err := telemetry.Configure(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr()); err != nil {
		return fmt.Errorf("log level %q: %w", cfg.Log.Level, err)
	}
	c.cfg = cfg
	return nil
}

// Execute runs the root command
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}
