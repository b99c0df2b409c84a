package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/alvmarrod/domain-enricher/internal/domain"
	"github.com/alvmarrod/domain-enricher/internal/gate"
	"github.com/alvmarrod/domain-enricher/internal/learning"
	"github.com/alvmarrod/domain-enricher/internal/report"
	"github.com/alvmarrod/domain-enricher/internal/runstate"
	"github.com/alvmarrod/domain-enricher/internal/storage"
)

// withStore opens the database for the duration of fn
func withStore(c *cli, fn func(ctx context.Context, store *storage.Storage) error) error {
	store, err := openStore(c.cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), store)
}

// newModerator builds the moderation actions over store without the extraction pipeline
func newModerator(c *cli, store *storage.Storage) *gate.Moderator {
	return gate.NewModerator(gate.New(store, c.cfg.ModerationCacheTTL()), store, runstate.NewMachine(store))
}

func normalizedArg(raw string) (string, error) {
	d := domain.Normalize(raw)
	if d == "" {
		return "", fmt.Errorf("invalid domain %q", raw)
	}
	return d, nil
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the execution status and results of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(c, func(ctx context.Context, store *storage.Storage) error {
				runID := args[0]
				status, err := store.GetEnrichmentStatus(ctx, runID)
				if err != nil {
					return err
				}
				if status == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Run %s: never scheduled\n", runID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %s (execution %s) %d/%d processed\n",
						runID, status.Status, status.ExecutionID, status.Processed, status.Total)
					if status.Error != "" {
						fmt.Fprintf(cmd.OutOrStdout(), "Error: %s\n", status.Error)
					}
				}

				rows, err := store.ListRunDomains(ctx, runID)
				if err != nil {
					return err
				}
				report.RenderTable(cmd.OutOrStdout(), rows)
				return nil
			})
		},
	}
}

func newResetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <run-id> <domain>",
		Short: "Return a finished domain to pending and lift its blacklist entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := normalizedArg(args[1])
			if err != nil {
				return err
			}
			return withStore(c, func(ctx context.Context, store *storage.Storage) error {
				return newModerator(c, store).Reset(ctx, args[0], d)
			})
		},
	}
}

func newResolveCmd(c *cli) *cobra.Command {
	var r gate.Resolution
	var typ string

	cmd := &cobra.Command{
		Use:   "resolve <run-id> <domain>",
		Short: "Classify a domain awaiting moderation as supplier or reseller",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := normalizedArg(args[1])
			if err != nil {
				return err
			}
			r.Type = storage.SupplierType(typ)
			return withStore(c, func(ctx context.Context, store *storage.Storage) error {
				completion, err := newModerator(c, store).Resolve(ctx, args[0], d, r)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s (supplier %d)\n", d, completion.Status, *completion.SupplierID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(storage.SupplierTypeSupplier), "supplier or reseller")
	cmd.Flags().StringVar(&r.INN, "inn", "", "confirmed INN")
	cmd.Flags().StringSliceVar(&r.Emails, "email", nil, "confirmed email (repeatable)")
	cmd.Flags().StringVar(&r.INNSourceURL, "inn-source", "", "page the INN was found on")
	cmd.Flags().StringVar(&r.EmailSourceURL, "email-source", "", "page the email was found on")
	_ = cmd.MarkFlagRequired("inn")
	return cmd
}

func newSweepCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Requeue domains stuck in processing longer than stale_after_ms",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(c, func(ctx context.Context, store *storage.Storage) error {
				n, err := runstate.NewMachine(store).RequeueStale(ctx, c.cfg.StaleAfter())
				if err != nil {
					return err
				}
				logrus.Infof("Requeued %d stale domains", n)
				return nil
			})
		},
	}
}

func newExportCmd(c *cli) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Write the results of a run to an XLSX workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = args[0] + ".xlsx"
			}
			return withStore(c, func(ctx context.Context, store *storage.Storage) error {
				if _, err := store.GetRun(ctx, args[0]); err != nil {
					return err
				}
				rows, err := store.ListRunDomains(ctx, args[0])
				if err != nil {
					return err
				}

				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer f.Close()
				if err := report.WriteXLSX(f, rows); err != nil {
					return err
				}
				logrus.Infof("Exported %d domains to %s", len(rows), output)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default <run-id>.xlsx)")
	return cmd
}

func newCorrectCmd(c *cli) *cobra.Command {
	var correction learning.Correction

	cmd := &cobra.Command{
		Use:   "correct <run-id> <domain>",
		Short: "Record a human-confirmed INN or email for a domain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			correction.RunID = args[0]
			correction.Domain = args[1]
			return withStore(c, func(ctx context.Context, store *storage.Storage) error {
				record, err := learning.NewService(store).RecordCorrection(ctx, correction)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s\n", record.Description)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&correction.Type, "type", learning.TypeINN, "inn or email")
	cmd.Flags().StringVar(&correction.Value, "value", "", "confirmed value")
	cmd.Flags().StringVar(&correction.SourceURL, "source", "", "absolute URL of the page holding the value")
	_ = cmd.MarkFlagRequired("value")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func newLearningCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "learning",
		Short: "Print learning statistics and the most productive source paths as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(c, func(ctx context.Context, store *storage.Storage) error {
				svc := learning.NewService(store)
				stats, err := svc.Stats(ctx)
				if err != nil {
					return err
				}
				summary, err := svc.LearnedSummary(ctx)
				if err != nil {
					return err
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"stats": stats, "patterns": summary})
			})
		},
	}
}
