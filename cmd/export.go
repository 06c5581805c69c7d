package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/config"
	"github.com/xkilldash9x/scout-cli/internal/export"
	"github.com/xkilldash9x/scout-cli/internal/observability"
)

// newExportCmd creates and configures the `export` command.
func newExportCmd(a *app) *cobra.Command {
	var (
		runID      string
		outputPath string
		format     string
		statuses   []string
	)
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Writes a run's test cases as a portable suite",
		Long: `Loads the test cases generated for a run and writes them as a versioned
YAML or JSON suite, to a file or to stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			filter := export.Filter{}
			for _, s := range statuses {
				filter.Verdicts = append(filter.Verdicts, schemas.Verdict(s))
			}
			return runExport(ctx, cmd.OutOrStdout(), observability.GetLogger(), cfg, a.stores, runID, outputPath, format, filter)
		},
	}
	exportCmd.Flags().StringVar(&runID, "run-id", "", "The run to export (required)")
	_ = exportCmd.MarkFlagRequired("run-id")
	exportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path. If unset, the suite is printed to stdout.")
	exportCmd.Flags().StringVarP(&format, "format", "f", "yaml", "Suite format: yaml or json")
	exportCmd.Flags().StringSliceVar(&statuses, "status", nil, "Only export test cases with these verdicts")
	return exportCmd
}

// runExport contains the testable core of the export command.
func runExport(
	ctx context.Context,
	out io.Writer,
	logger *zap.Logger,
	cfg config.Interface,
	provider storeProvider,
	runID, outputPath, format string,
	filter export.Filter,
) error {
	st, cleanup, err := provider.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	if outputPath != "" {
		return writeSuite(ctx, logger, st, runID, outputPath, format, filter)
	}
	suite, err := export.Build(ctx, st, runID, filter)
	if err != nil {
		return err
	}
	w, err := newStreamWriter(format, out)
	if err != nil {
		return err
	}
	defer w.Close()
	return w.Write(suite)
}

// writeSuite exports runID to a file.
func writeSuite(ctx context.Context, logger *zap.Logger, src export.Source, runID, outputPath, format string, filter export.Filter) error {
	suite, err := export.Build(ctx, src, runID, filter)
	if err != nil {
		return err
	}
	w, err := export.New(format, outputPath)
	if err != nil {
		return fmt.Errorf("failed to initialize exporter: %w", err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			logger.Warn("Failed to close exporter cleanly.", zap.Error(err))
		}
	}()
	if err := w.Write(suite); err != nil {
		return fmt.Errorf("failed to write suite: %w", err)
	}
	logger.Info("Suite written.", zap.String("path", outputPath), zap.Int("test_cases", len(suite.TestCases)))
	return nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func newStreamWriter(format string, out io.Writer) (export.Writer, error) {
	switch format {
	case "yaml", "json":
		return export.NewWriter(format, nopCloser{out}), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}
