package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RunWithGolden executes a scenario on every scheduler and compares each
// snapshot against the same golden file, testdata/golden/{scenario.Name}.golden.
// Both schedulers must therefore produce identical snapshots.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if the scenario could not run. Test failure (via goldie)
// occurs if a snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) ([]*Result, error) {
	t.Helper()

	results, err := RunAll(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if err := AssertGolden(t, scenario.Name, r); err != nil {
			return results, err
		}
	}
	return results, nil
}

// AssertGolden compares a result's snapshot against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := result.Snapshot.MarshalCanonical()
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
