// Package export writes the generated test cases of a run as a portable suite.
package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/scout-cli/api/schemas"
)

// SuiteVersion is bumped whenever the suite layout changes.
const SuiteVersion = 1

// Source is the slice of the store an export reads.
type Source interface {
	GetRun(ctx context.Context, runID string) (*schemas.Run, error)
	ListTestCases(ctx context.Context, runID string) ([]schemas.TestCase, error)
}

// RunInfo identifies the run a suite was generated from.
type RunInfo struct {
	ID       string              `yaml:"id" json:"id"`
	RootURL  string              `yaml:"root_url" json:"root_url"`
	Status   schemas.RunStatus   `yaml:"status" json:"status"`
	Counters schemas.RunCounters `yaml:"counters" json:"counters"`
}

// Suite is the exported document.
type Suite struct {
	Version    int                `yaml:"version" json:"version"`
	ExportedAt time.Time          `yaml:"exported_at" json:"exported_at"`
	Run        RunInfo            `yaml:"run" json:"run"`
	TestCases  []schemas.TestCase `yaml:"test_cases" json:"test_cases"`
}

// Filter narrows the exported test cases. Empty fields match everything.
type Filter struct {
	Verdicts []schemas.Verdict
	Types    []schemas.TestCaseType
}

func (f Filter) match(tc schemas.TestCase) bool {
	return contains(f.Verdicts, tc.Status) && contains(f.Types, tc.Type)
}

func contains[T comparable](list []T, v T) bool {
	if len(list) == 0 {
		return true
	}
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Build assembles the suite of runID.
func Build(ctx context.Context, src Source, runID string, filter Filter) (*Suite, error) {
	run, err := src.GetRun(ctx, runID)
	if err != nil {
		return nil, &schemas.PersistenceError{Op: "get run " + runID, Err: err}
	}
	tcs, err := src.ListTestCases(ctx, runID)
	if err != nil {
		return nil, &schemas.PersistenceError{Op: "list test cases", Err: err}
	}
	suite := &Suite{
		Version:    SuiteVersion,
		ExportedAt: time.Now().UTC(),
		Run:        RunInfo{ID: run.ID, RootURL: run.RootURL, Status: run.Status, Counters: run.Counters},
		TestCases:  make([]schemas.TestCase, 0, len(tcs)),
	}
	for _, tc := range tcs {
		if filter.match(tc) {
			suite.TestCases = append(suite.TestCases, tc)
		}
	}
	return suite, nil
}

// Writer writes suites to an output.
type Writer interface {
	Write(suite *Suite) error
	// Close finalizes the output and closes any underlying file.
	Close() error
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// New creates a writer for format ("yaml" or "json") on outputPath. An empty
// path or "stdout" writes to standard output.
func New(format, outputPath string) (Writer, error) {
	if format != "yaml" && format != "json" {
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
	var out io.WriteCloser = nopWriteCloser{os.Stdout}
	if outputPath != "" && outputPath != "stdout" {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		out = f
	}
	return NewWriter(format, out), nil
}

// NewWriter wraps an open output. The writer takes ownership of out.
func NewWriter(format string, out io.WriteCloser) Writer {
	if format == "json" {
		return &jsonWriter{out: out}
	}
	return &yamlWriter{out: out}
}

type yamlWriter struct {
	out io.WriteCloser
}

func (w *yamlWriter) Write(suite *Suite) error {
	enc := yaml.NewEncoder(w.out)
	enc.SetIndent(2)
	if err := enc.Encode(suite); err != nil {
		return fmt.Errorf("encoding suite: %w", err)
	}
	return enc.Close()
}

func (w *yamlWriter) Close() error { return w.out.Close() }

type jsonWriter struct {
	out io.WriteCloser
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func (w *jsonWriter) Write(suite *Suite) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(suite); err != nil {
		return fmt.Errorf("encoding suite: %w", err)
	}
	return nil
}

func (w *jsonWriter) Close() error { return w.out.Close() }
