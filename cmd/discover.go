package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/export"
	"github.com/xkilldash9x/scout-cli/internal/observability"
	"github.com/xkilldash9x/scout-cli/internal/orchestrator"
)

// newDiscoverCmd creates and configures the `discover` command.
func newDiscoverCmd(a *app) *cobra.Command {
	var (
		noExecute bool
		output    string
		format    string
	)
	discoverCmd := &cobra.Command{
		Use:   "discover <url>",
		Short: "Explores a site, generates test cases and runs them on every engine",
		Long: `Crawls the site breadth-first from <url>, explores each page's interaction
scenarios, generates one test case per successful scenario and, unless
--no-execute is given, runs the suite on every configured browser engine.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if noExecute {
				cfg.SetExecutionAutoExecute(false)
			}
			logger := observability.GetLogger()

			comps, err := a.build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer comps.Close()

			logger.Info("Starting discovery.", zap.String("url", args[0]),
				zap.Int("max_depth", cfg.Discovery().MaxDepth),
				zap.Int("max_pages", cfg.Discovery().MaxPages))
			run, err := comps.orch.Run(ctx, orchestrator.StartRequest{RootURL: args[0]})
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return fmt.Errorf("discovery aborted by user signal: %w", err)
				}
				return err
			}

			out := cmd.OutOrStdout()
			printRun(out, run)
			if output != "" {
				if err := writeSuite(ctx, logger, comps.store, run.ID, output, format, export.Filter{}); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "To export the suite, run: scout-cli export --run-id %s\n", run.ID)
			}
			return runOutcome(run)
		},
	}

	discoverCmd.Flags().IntP("depth", "d", 0, "Maximum crawl depth (overrides config/env)")
	discoverCmd.Flags().Int("max-pages", 0, "Maximum pages to discover (overrides config/env)")
	discoverCmd.Flags().Bool("follow-links", false, "Also enqueue every same-site link found on a page")
	discoverCmd.Flags().String("oracle", "", "Scenario oracle: heuristic or gemini (overrides config/env)")
	discoverCmd.Flags().Bool("headless", true, "Run browsers headless")
	discoverCmd.Flags().Bool("parallel", false, "Run a test case on all engines at once")
	discoverCmd.Flags().BoolVar(&noExecute, "no-execute", false, "Stop after generating test cases")
	discoverCmd.Flags().StringVarP(&output, "output", "o", "", "Write the generated suite to this file")
	discoverCmd.Flags().StringVarP(&format, "format", "f", "yaml", "Suite format: yaml or json")
	return discoverCmd
}

// newExecuteCmd creates and configures the `execute` command.
func newExecuteCmd(a *app) *cobra.Command {
	var (
		runID       string
		testCaseIDs []string
	)
	executeCmd := &cobra.Command{
		Use:   "execute",
		Short: "Runs the generated test cases of a finished discovery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			comps, err := a.build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer comps.Close()

			if err := comps.orch.Execute(ctx, runID, testCaseIDs); err != nil {
				return err
			}
			run, err := comps.orch.Wait(ctx, runID)
			if err != nil {
				return err
			}
			printRun(cmd.OutOrStdout(), run)
			return runOutcome(run)
		},
	}
	executeCmd.Flags().StringVar(&runID, "run-id", "", "The run whose test cases to execute (required)")
	_ = executeCmd.MarkFlagRequired("run-id")
	executeCmd.Flags().StringSliceVar(&testCaseIDs, "test-case", nil, "Only execute these test case ids (repeatable)")
	executeCmd.Flags().Bool("parallel", false, "Run a test case on all engines at once")
	executeCmd.Flags().Bool("headless", true, "Run browsers headless")
	return executeCmd
}

func printRun(out io.Writer, run *schemas.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Run\t%s\n", run.ID)
	fmt.Fprintf(w, "Root URL\t%s\n", run.RootURL)
	fmt.Fprintf(w, "Status\t%s\n", run.Status)
	if run.Error != "" {
		fmt.Fprintf(w, "Error\t%s\n", run.Error)
	}
	c := run.Counters
	fmt.Fprintf(w, "Pages\t%d\n", c.PagesDiscovered)
	fmt.Fprintf(w, "Test cases\t%d (passed %d, failed %d, flaky %d)\n", c.TestCases, c.Passed, c.Failed, c.Flaky)
	_ = w.Flush()
}

// runOutcome turns a finished run into the command's exit status.
func runOutcome(run *schemas.Run) error {
	switch {
	case run.Status == schemas.RunFailed:
		return fmt.Errorf("run %s failed: %s", run.ID, run.Error)
	case run.Status == schemas.RunCancelled:
		return fmt.Errorf("run %s was cancelled", run.ID)
	case run.Counters.Failed > 0:
		return fmt.Errorf("%d test case(s) failed", run.Counters.Failed)
	}
	return nil
}
