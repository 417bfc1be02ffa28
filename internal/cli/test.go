package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/dsr/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run harness scenarios on both schedulers",
		Long: `Run every scenario file in a directory on the in-memory and the
queued scheduler, validating each outcome against the scenario's
expectations and assertions.

A scenario whose golden file exists (golden/<name>.golden beside the
scenarios) must produce exactly that snapshot on every scheduler.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  dsr test ./scenarios
  dsr test ./scenarios --filter "shop_*"
  dsr test ./scenarios --update
  dsr test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, dir string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return f.Fail(NewExitError(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("scenarios directory not found: %s", dir)))
	}
	paths, err := harness.FindScenarios(dir, opts.Filter)
	if err != nil {
		return f.Fail(WrapExitError(ExitCommandError, ErrCodeScanError, "finding scenarios", err))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	suite := harness.RunSuite(ctx, paths)
	for i := range suite.Scenarios {
		o := &suite.Scenarios[i]
		if o.Snapshot == nil {
			continue
		}
		if err := checkGolden(dir, o, opts.Update); err != nil {
			o.Errors = append(o.Errors, err.Error())
			if o.Pass {
				o.Pass = false
				suite.Passed--
				suite.Failed++
			}
		}
	}

	if err := f.Success(suite, renderSuite(suite)); err != nil {
		return err
	}
	if suite.Failed > 0 {
		return NewExitError(ExitFailure, ErrCodeScenarioFailed, fmt.Sprintf("%d of %d scenario(s) failed", suite.Failed, suite.Total))
	}
	return nil
}

// goldenPath returns the golden file of a scenario under dir.
func goldenPath(dir, name string) string {
	return filepath.Join(dir, "golden", name+".golden")
}

// checkGolden compares a scenario's snapshot with its golden file, or
// writes the file when update is set. A missing golden file is not an error.
func checkGolden(dir string, o *harness.ScenarioOutcome, update bool) error {
	data, err := o.Snapshot.MarshalCanonical()
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	path := goldenPath(dir, o.Name)

	if update {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create golden directory: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to update golden file: %w", err)
		}
		return nil
	}

	want, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read golden file: %w", err)
	}
	if !bytes.Equal(want, data) {
		return fmt.Errorf("snapshot does not match %s (run with --update to regenerate)", path)
	}
	return nil
}

func renderSuite(s *harness.SuiteResult) string {
	if s.Total == 0 {
		return "No scenarios found."
	}
	var b strings.Builder
	for _, o := range s.Scenarios {
		if o.Pass {
			fmt.Fprintf(&b, "✓ %s\n", o.Name)
			continue
		}
		fmt.Fprintf(&b, "✗ %s\n", o.Name)
		for _, e := range o.Errors {
			fmt.Fprintf(&b, "  %s\n", strings.TrimRight(e, "\n"))
		}
	}
	fmt.Fprintf(&b, "\n%d passed, %d failed, %d total\n", s.Passed, s.Failed, s.Total)
	return b.String()
}
