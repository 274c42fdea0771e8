package main

import (
	"context"
	"fmt"
	"os"

	"goexp/adapters/excel"
	"goexp/app"
	"goexp/domain/stats"
	"goexp/internal/container"
	"goexp/internal/report"

	"github.com/spf13/cobra"
)

type resultsOptions struct {
	metric    string
	recompute bool
	xlsxPath  string
	htmlPath  string
	markdown  bool
}

func newResultsCmd() *cobra.Command {
	var opts resultsOptions

	cmd := &cobra.Command{
		Use:   "results <experiment-id>",
		Short: "Compute and export per-variant results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResults(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.metric, "metric", "", "Metric to analyze (defaults to the primary metric)")
	cmd.Flags().BoolVar(&opts.recompute, "recompute", true, "Recompute before reporting instead of reading the last snapshot")
	cmd.Flags().StringVar(&opts.xlsxPath, "xlsx", "", "Write an Excel workbook to this path")
	cmd.Flags().StringVar(&opts.htmlPath, "html", "", "Write an HTML report to this path")
	cmd.Flags().BoolVar(&opts.markdown, "md", false, "Print a Markdown report instead of JSON")

	return cmd
}

func runResults(ctx context.Context, rawID string, opts resultsOptions) error {
	id, err := parseID(rawID)
	if err != nil {
		return err
	}

	return withContainer(ctx, func(ctx context.Context, c *container.Container) error {
		if opts.recompute {
			if _, err := c.Engine.CalculateResults(ctx, id, opts.metric); err != nil {
				return err
			}
		}

		exp, err := c.Engine.GetExperiment(ctx, id)
		if err != nil {
			return err
		}
		variants, err := c.Engine.Experiments.ListVariants(ctx, id)
		if err != nil {
			return err
		}
		results, err := c.Engine.Analysis.LatestResults(ctx, id, opts.metric)
		if err != nil {
			return err
		}

		if opts.xlsxPath != "" {
			w := &excel.ResultsWriter{Exp: exp, Variants: variants, Results: results}
			if err := w.SaveAs(opts.xlsxPath); err != nil {
				return err
			}
			c.Logger.Info("Wrote %s", opts.xlsxPath)
		}

		rep := &report.Results{Exp: exp, Variants: variants, Results: results, Metric: opts.metric}
		if opts.htmlPath != "" {
			page, err := rep.HTML()
			if err != nil {
				return err
			}
			if err := os.WriteFile(opts.htmlPath, page, 0o644); err != nil {
				return fmt.Errorf("failed to write html report: %w", err)
			}
			c.Logger.Info("Wrote %s", opts.htmlPath)
		}

		if opts.markdown {
			md, err := rep.Markdown()
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(md)
			return err
		}
		return printJSON(results)
	})
}

func newAutoWinnerCmd() *cobra.Command {
	var minConfidence, minLift float64

	cmd := &cobra.Command{
		Use:   "auto-winner <experiment-id>",
		Short: "Check whether a variant qualifies as the winner",
		Long:  "Reports the first significant non-control variant that clears both thresholds. Experiments with auto-winner enabled are completed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withContainer(cmd.Context(), func(ctx context.Context, c *container.Container) error {
				winner, err := c.Engine.CheckAutoWinner(ctx, id, minConfidence, minLift)
				if err != nil {
					return err
				}
				if winner == nil {
					fmt.Println("no winner yet")
					return nil
				}
				return printJSON(winner)
			})
		},
	}

	cmd.Flags().Float64Var(&minConfidence, "min-confidence", app.DefaultConfidenceLevel, "Required confidence (1 - p)")
	cmd.Flags().Float64Var(&minLift, "min-lift", 0, "Required relative lift over control")

	return cmd
}

func newSampleSizeCmd() *cobra.Command {
	var baseline, mde, power, alpha float64

	cmd := &cobra.Command{
		Use:   "sample-size",
		Short: "Per-variant sample size for a two-proportion test",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := stats.RequiredSampleSize(baseline, mde, power, alpha)
			if err != nil {
				return err
			}
			return printJSON(struct {
				BaselineRate         float64 `json:"baseline_rate"`
				MinimumDetectable    float64 `json:"minimum_detectable_effect"`
				Power                float64 `json:"power"`
				Alpha                float64 `json:"alpha"`
				SampleSizePerVariant int64   `json:"sample_size_per_variant"`
			}{baseline, mde, power, alpha, n})
		},
	}

	cmd.Flags().Float64Var(&baseline, "baseline", app.DefaultBaselineRate, "Baseline conversion rate")
	cmd.Flags().Float64Var(&mde, "mde", app.DefaultMinDetectable, "Minimum detectable effect, relative to baseline")
	cmd.Flags().Float64Var(&power, "power", app.DefaultStatisticalPower, "Statistical power")
	cmd.Flags().Float64Var(&alpha, "alpha", 1-app.DefaultConfidenceLevel, "Significance level")

	return cmd
}
