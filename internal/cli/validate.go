package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/dsr/internal/graph"
)

// ValidationResult is the output of dsr validate.
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	Files       int      `json:"files"`
	Datasets    int      `json:"datasets"`
	Collections int      `json:"collections"`
	Order       []string `json:"order"`
	Skipped     []string `json:"skipped,omitempty"`
}

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Identity []string
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <datasets-dir>",
		Short: "Validate dataset definitions and their traversal",
		Long: `Parse every dataset file, build the dataset graph and traverse it.

Without --identity every identity key the datasets declare is seeded, so
validation reports collections that no identity can reach and erase_after
constraints that form a cycle.

Example:
  dsr validate ./datasets
  dsr validate ./datasets --identity email=jane@example.com`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}
	cmd.Flags().StringArrayVar(&opts.Identity, "identity", nil, "identity seed as key=value (repeatable)")
	return cmd
}

func runValidate(opts *ValidateOptions, dir string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	g, files, err := loadGraph(dir)
	if err != nil {
		return f.Fail(asExitError(err))
	}
	f.VerboseLog("Loaded %d file(s) from %s", files, dir)

	seed, err := parseIdentity(opts.Identity)
	if err != nil {
		return f.Fail(asExitError(err))
	}
	if len(seed) == 0 {
		seed = placeholderIdentity(g)
	}
	tr, err := traverse(g, seed)
	if err != nil {
		return f.Fail(asExitError(err))
	}

	datasets := make(map[string]bool)
	for addr := range g.Nodes {
		datasets[addr.Dataset] = true
	}
	result := ValidationResult{
		Valid:       true,
		Files:       files,
		Datasets:    len(datasets),
		Collections: len(tr.Order),
		Order:       graph.AddressStrings(tr.Order),
		Skipped:     graph.AddressStrings(g.Skipped),
	}
	sort.Strings(result.Skipped)

	var b strings.Builder
	fmt.Fprintf(&b, "OK: %d collection(s) in %d dataset(s) from %d file(s)\n", result.Collections, result.Datasets, result.Files)
	if opts.Verbose {
		fmt.Fprintf(&b, "Order: %s\n", strings.Join(result.Order, " -> "))
	}
	if len(result.Skipped) > 0 {
		fmt.Fprintf(&b, "Skipped: %s\n", strings.Join(result.Skipped, ", "))
	}
	return f.Success(result, b.String())
}

// asExitError returns err's ExitError, or wraps err as a generic failure.
func asExitError(err error) *ExitError {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	return WrapExitError(ExitFailure, ErrCodeGeneric, "command failed", err)
}
