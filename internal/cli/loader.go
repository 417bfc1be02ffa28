package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/roach88/dsr/internal/dataset"
	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/traversal"
)

// loadGraph reads every dataset under dir and builds the dataset graph.
// Errors carry the exit and output codes the commands report.
func loadGraph(dir string) (*graph.DatasetGraph, int, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, 0, WrapExitError(ExitCommandError, ErrCodeNotFound, "datasets directory not found", err)
	}
	if !info.IsDir() {
		return nil, 0, NewExitError(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("not a directory: %s", dir))
	}
	files, err := dataset.FindFiles(dir)
	if err != nil {
		return nil, 0, WrapExitError(ExitCommandError, ErrCodeScanError, "scanning datasets", err)
	}
	if len(files) == 0 {
		return nil, 0, NewExitError(ExitCommandError, ErrCodeNoFiles, fmt.Sprintf("no dataset files found in %s", dir))
	}

	datasets, err := dataset.LoadFiles(files...)
	if err != nil {
		if dataset.IsValidationError(err) {
			return nil, len(files), WrapExitError(ExitFailure, ErrCodeInvalidDataset, "invalid dataset", err)
		}
		return nil, len(files), WrapExitError(ExitCommandError, ErrCodeGeneric, "loading datasets", err)
	}
	g, err := graph.NewDatasetGraph(datasets...)
	if err != nil {
		var ve *graph.ValidationError
		if errors.As(err, &ve) {
			return nil, len(files), WrapExitError(ExitFailure, ErrCodeInvalidGraph, "invalid dataset graph", err)
		}
		return nil, len(files), WrapExitError(ExitCommandError, ErrCodeGeneric, "building dataset graph", err)
	}
	return g, len(files), nil
}

// parseIdentity turns repeated key=value flags into an identity seed.
func parseIdentity(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, NewExitError(ExitCommandError, ErrCodeInvalidConfig, fmt.Sprintf("identity %q must be key=value", p))
		}
		out[k] = v
	}
	return out, nil
}

// placeholderIdentity seeds every identity key the graph declares, so
// validation sees the widest reachable graph.
func placeholderIdentity(g *graph.DatasetGraph) map[string]string {
	out := make(map[string]string)
	for _, k := range g.IdentityKeyNames() {
		out[k] = "validate"
	}
	return out
}

// traverse resolves the plan for seed and checks the erasure ordering.
func traverse(g *graph.DatasetGraph, seed map[string]string) (*traversal.Traversal, error) {
	tr, err := traversal.New(g, seed)
	if err != nil {
		return nil, traversalExitError(err)
	}
	if _, err := tr.ErasureGraph(); err != nil {
		return nil, traversalExitError(err)
	}
	return tr, nil
}

func traversalExitError(err error) error {
	var te *traversal.TraversalError
	if !errors.As(err, &te) {
		return WrapExitError(ExitFailure, ErrCodeGeneric, "traversal failed", err)
	}
	switch te.Code {
	case traversal.ErrCodeUnreachable:
		return WrapExitError(ExitFailure, ErrCodeUnreachable, "unreachable collections", err)
	case traversal.ErrCodeErasureCycle:
		return WrapExitError(ExitFailure, ErrCodeErasureCycle, "erasure order has a cycle", err)
	case traversal.ErrCodeNoIdentity:
		return WrapExitError(ExitCommandError, ErrCodeNoIdentity, "no identity given", err)
	}
	return WrapExitError(ExitFailure, ErrCodeGeneric, "traversal failed", err)
}
