package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/metabinary-ltd/wipesentinel/internal/config"
	"github.com/metabinary-ltd/wipesentinel/internal/shell"
	"github.com/metabinary-ltd/wipesentinel/internal/wipe"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Exit statuses besides 0 and 1.
const (
	exitAborted    = 2
	exitPermission = 3
)

type flags struct {
	configPath      string
	shutdown        bool
	quiet           bool
	dryRun          bool
	allowTestDrives bool
	stubIncomplete  bool
	assumeYes       bool
	ignore          []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, wipe.ErrAborted):
		return exitAborted
	case errors.Is(err, shell.ErrPermissionDenied):
		return exitPermission
	default:
		return 1
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "wipesentinel",
		Short: "Audit, inventory and wipe storage drives",
		Long: `wipesentinel inspects every attached drive with smartctl, reconciles it with the asset
inventory and then wipes all accepted drives in parallel with badblocks. System drives are never touched.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return runWipe(context.Background(), cfg)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", config.DefaultConfigPath, "path to the config file")

	fl := root.Flags()
	fl.BoolVar(&f.shutdown, "shutdown", false, "power off the host once every wipe has finished")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "log to the log file only (requires --yes)")
	fl.BoolVar(&f.dryRun, "dry-run", false, "simulate: reconcile, skip the wipe and remove created inventory entries")
	fl.BoolVar(&f.allowTestDrives, "allow-test-drives", false, "wipe devices without SMART data as synthetic test drives")
	fl.BoolVar(&f.stubIncomplete, "stub-incomplete", false, "fill missing drive fields with placeholders instead of skipping")
	fl.BoolVarP(&f.assumeYes, "yes", "y", false, "do not ask for confirmation")
	fl.StringSliceVar(&f.ignore, "ignore", nil, "extra devices to leave alone (name, path or serial glob)")

	root.AddCommand(newParseCmd(), newHistoryCmd(f), newRollbackCmd(f), newVersionCmd())
	return root
}

// loadConfig merges flags over the config file. Only flags set on the
// command line override file values.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	changed := func(name string) bool {
		fl := cmd.Flags().Lookup(name)
		return fl != nil && fl.Changed
	}
	if changed("shutdown") {
		cfg.Wipe.Shutdown = f.shutdown
	}
	if changed("quiet") {
		cfg.Wipe.Quiet = f.quiet
	}
	if changed("dry-run") {
		cfg.Wipe.Simulate = f.dryRun
	}
	if changed("allow-test-drives") {
		cfg.Wipe.AllowTestDrives = f.allowTestDrives
	}
	if changed("stub-incomplete") {
		cfg.Wipe.StubIncomplete = f.stubIncomplete
	}
	if changed("yes") {
		cfg.Wipe.AssumeYes = f.assumeYes
	}
	cfg.Wipe.Ignore = append(cfg.Wipe.Ignore, f.ignore...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wipesentinel %s (commit: %s)\n", version, commit)
		},
	}
}
