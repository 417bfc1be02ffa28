package harness

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roach88/dsr/internal/model"
)

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	Total     int               `json:"total"`
	Passed    int               `json:"passed"`
	Failed    int               `json:"failed"`
	Scenarios []ScenarioOutcome `json:"scenarios"`
}

// ScenarioOutcome is the result of one scenario across every scheduler.
type ScenarioOutcome struct {
	Name   string   `json:"name"`
	Path   string   `json:"path"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`

	// Snapshot is the snapshot of the first scheduler; nil when the
	// scenario did not run.
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// FindScenarios returns every YAML file under dir, sorted. A non-empty
// filter is a glob matched against the file name without its extension.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			// Dataset directories live beside the scenarios.
			if path != dir && d.Name() == "datasets" {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	sort.Strings(files)
	return files, err
}

// RunSuite loads and runs every scenario file on every scheduler.
//
// A scenario passes when it passes on each scheduler and, if every run
// completed, all schedulers produced the same snapshot. Failure handling
// differs by scheduler (the in-memory scheduler skips the descendants of a
// failed task, the queued one fails them), so failed runs are not compared.
func RunSuite(ctx context.Context, paths []string) *SuiteResult {
	suite := &SuiteResult{Scenarios: make([]ScenarioOutcome, 0, len(paths))}
	for _, path := range paths {
		outcome := runScenarioFile(ctx, path)
		suite.Total++
		if outcome.Pass {
			suite.Passed++
		} else {
			suite.Failed++
		}
		suite.Scenarios = append(suite.Scenarios, outcome)
	}
	return suite
}

func runScenarioFile(ctx context.Context, path string) ScenarioOutcome {
	outcome := ScenarioOutcome{Name: filepath.Base(path), Path: path}

	scenario, err := LoadScenario(path)
	if err != nil {
		outcome.Errors = []string{fmt.Sprintf("failed to load scenario: %v", err)}
		return outcome
	}
	outcome.Name = scenario.Name

	results, err := RunAll(ctx, scenario)
	if err != nil {
		outcome.Errors = []string{fmt.Sprintf("scenario execution failed: %v", err)}
		return outcome
	}

	outcome.Pass = true
	for _, r := range results {
		for _, msg := range r.Errors {
			outcome.Errors = append(outcome.Errors, r.Scheduler+": "+msg)
			outcome.Pass = false
		}
	}
	if len(results) > 0 {
		outcome.Snapshot = &results[0].Snapshot
	}
	if err := compareSnapshots(results); err != nil {
		outcome.Errors = append(outcome.Errors, err.Error())
		outcome.Pass = false
	}
	return outcome
}

// compareSnapshots checks that every completed run produced the first
// run's snapshot.
func compareSnapshots(results []*Result) error {
	for _, r := range results {
		if r.Snapshot.Status != model.RequestComplete {
			return nil
		}
	}
	if len(results) < 2 {
		return nil
	}
	want, err := results[0].Snapshot.MarshalCanonical()
	if err != nil {
		return err
	}
	for _, r := range results[1:] {
		got, err := r.Snapshot.MarshalCanonical()
		if err != nil {
			return err
		}
		if !bytes.Equal(want, got) {
			return fmt.Errorf("schedulers disagree:\n  %s: %s  %s: %s",
				results[0].Scheduler, want, r.Scheduler, got)
		}
	}
	return nil
}
