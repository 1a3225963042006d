package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/metabinary-ltd/wipesentinel/internal/collectors"
	"github.com/metabinary-ltd/wipesentinel/internal/config"
	"github.com/metabinary-ltd/wipesentinel/internal/inventory"
	"github.com/metabinary-ltd/wipesentinel/internal/logging"
	"github.com/metabinary-ltd/wipesentinel/internal/storage"
	"github.com/metabinary-ltd/wipesentinel/internal/types"
	"github.com/metabinary-ltd/wipesentinel/internal/wipe"
)

type parseResult struct {
	File     string             `json:"file"`
	Drive    *types.Drive       `json:"drive,omitempty"`
	Missing  []string           `json:"missing,omitempty"`
	Features inventory.Features `json:"features,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// newParseCmd parses saved smartctl reports without touching any device.
func newParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <report>...",
		Short: "Parse smartctl reports and print the resulting drive records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New("warn", cmd.ErrOrStderr())
			var results []parseResult
			for _, path := range args {
				res := parseResult{File: path}
				raw, err := collectors.ReadReport(path)
				if err == nil {
					d, perr := collectors.Parse(raw, path, logger)
					if perr != nil {
						err = perr
					} else {
						res.Drive = d
						res.Missing = d.Missing()
						res.Features = inventory.FeaturesOf(d)
					}
				}
				if err != nil {
					res.Error = err.Error()
				}
				results = append(results, res)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}
}

func newHistoryCmd(f *flags) *cobra.Command {
	var limit int
	var runID string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List previous runs from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			journal, err := storage.Open(cfg.Paths.JournalPath, logging.New(cfg.Logging.Level, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer journal.Close()

			ctx := cmd.Context()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if runID != "" {
				outcomes, err := journal.Outcomes(ctx, runID)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "DEVICE\tSERIAL\tCODE\tOUTCOME\tEXIT\tREPORTED\tDURATION\tLOG")
				for _, o := range outcomes {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\t%s\t%s\n", o.Device, o.Serial, o.InventoryCode,
						o.Outcome, o.ExitCode, o.Reported, time.Duration(o.DurationMs)*time.Millisecond, o.LogPath)
				}
				return nil
			}

			runs, err := journal.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "RUN\tSTARTED\tMODE\tCLEAN\tBROKEN\tERRORS\tCONFLICTS\tROLLED BACK")
			for _, r := range runs {
				mode := "wipe"
				if r.Simulated {
					mode = "simulate"
				}
				if r.FinishedAt == 0 {
					mode += " (unfinished)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n", r.ID, humanize.Time(time.Unix(r.StartedAt, 0)),
					mode, r.Clean, r.Broken, r.Errors, r.Conflicts, r.RolledBack)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().StringVar(&runID, "run", "", "show per-drive outcomes of one run")
	return cmd
}

// newRollbackCmd removes the inventory entries a past run created and that
// were not removed already.
func newRollbackCmd(f *flags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "rollback <run-id>",
		Short: "Delete the inventory entries created by a previous run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging.Level, cmd.ErrOrStderr())
			journal, err := storage.Open(cfg.Paths.JournalPath, logger)
			if err != nil {
				return err
			}
			defer journal.Close()
			return rollbackRun(cmd.Context(), cmd.OutOrStdout(), cfg, journal, args[0], yes, logger)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func rollbackRun(ctx context.Context, out io.Writer, cfg *config.Config, journal *storage.Store, runID string, yes bool, logger *slog.Logger) error {
	items, err := journal.CreatedItems(ctx, runID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintf(out, "run %s has nothing left to roll back\n", runID)
		return nil
	}

	client, err := inventory.Connect(ctx, cfg.Inventory.URL, cfg.Inventory.Token, cfg.Inventory.Timeout)
	if err != nil {
		return err
	}
	client.WithRetry(cfg.Inventory.Retries, cfg.Inventory.RetryBackoff)

	codes := make([]string, 0, len(items))
	for _, it := range items {
		codes = append(codes, it.Code)
	}
	if !yes {
		confirm := false
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("Delete %d inventory entries created by run %s?", len(codes), runID),
			Default: false,
		}
		if err := survey.AskOne(prompt, &confirm); err != nil {
			return err
		}
		if !confirm {
			return wipe.ErrAborted
		}
	}

	removed, rerr := inventory.Rollback(ctx, client, codes, logger)
	for _, code := range removed {
		if err := journal.MarkRolledBack(ctx, runID, code); err != nil {
			logger.Error("journal rollback failed", "code", code, "error", err)
		}
	}
	fmt.Fprintf(out, "removed %d of %d inventory entries\n", len(removed), len(codes))
	if rerr != nil {
		return errors.Join(fmt.Errorf("rollback of run %s incomplete", runID), rerr)
	}
	return nil
}
