package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/dsr/internal/connector"
	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/policy"
	"github.com/roach88/dsr/internal/rowset"
)

// Scenario defines one privacy request and its expected outcome.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Datasets is the directory of dataset files the graph is built from.
	// Relative paths are resolved against the scenario file's directory.
	Datasets string `yaml:"datasets"`

	// Identity is the seed of the request.
	Identity map[string]string `yaml:"identity"`

	// Policy decides which steps run and which categories they target.
	Policy policy.Policy `yaml:"policy"`

	// Fixtures maps collection addresses ("dataset:collection") to the rows
	// the in-memory connector serves.
	Fixtures map[string][]map[string]any `yaml:"fixtures"`

	// Consent enables consent propagation on the in-memory connector.
	Consent bool `yaml:"consent,omitempty"`

	// Faults inject connector failures before the request runs.
	Faults []Fault `yaml:"faults,omitempty"`

	// Retries is the local retry count of every connector call.
	Retries int `yaml:"retries,omitempty"`

	// Expect is the expected outcome of the request.
	Expect Expect `yaml:"expect"`

	// Assertions validate the results and the connector's final rows.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Fault fails the first Times calls of one connector operation on one
// collection. A negative Times fails every call.
type Fault struct {
	Collection string `yaml:"collection"`
	Action     string `yaml:"action"`
	Times      int    `yaml:"times"`
}

// Fault actions.
const (
	FaultRetrieve = "retrieve"
	FaultMask     = "mask"
)

// Expect is the expected request outcome.
type Expect struct {
	// Status is the final request status: complete or error.
	Status model.RequestStatus `yaml:"status"`

	// Failed lists "action dataset:collection" for every errored task. It is
	// only checked when set.
	Failed []string `yaml:"failed,omitempty"`
}

// Assertion validates one collection's results or final rows.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Collection is the collection address the assertion inspects.
	Collection string `yaml:"collection"`

	// Count is the expected row count (access_count, retrieved_count,
	// erasure_count).
	Count int `yaml:"count,omitempty"`

	// Where selects rows by subset match (access_contains, masked).
	Where map[string]any `yaml:"where,omitempty"`

	// Field and Value are the expected stored value after the run (masked).
	// An omitted value expects null.
	Field string `yaml:"field,omitempty"`
	Value any    `yaml:"value,omitempty"`

	// Sent is the expected consent outcome (consent_sent).
	Sent *bool `yaml:"sent,omitempty"`
}

// Assertion types.
const (
	AssertAccessCount    = "access_count"
	AssertAccessContains = "access_contains"
	AssertRetrievedCount = "retrieved_count"
	AssertErasureCount   = "erasure_count"
	AssertConsentSent    = "consent_sent"
	AssertMasked         = "masked"
)

// LoadScenario reads and parses a scenario YAML file, resolving the
// datasets directory relative to the file.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving a relative datasets directory against basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict decoding catches typos like "assertion:" for "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Datasets != "" && !filepath.IsAbs(scenario.Datasets) && basePath != "" {
		scenario.Datasets = filepath.Join(basePath, scenario.Datasets)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// fixtures returns a fresh normalized copy of the scenario rows.
func (s *Scenario) fixtures() connector.Fixtures {
	out := make(connector.Fixtures, len(s.Fixtures))
	for key, rows := range s.Fixtures {
		out[key] = rowset.NormalizeRows(rowset.Clone(rows))
	}
	return out
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Datasets == "" {
		return fmt.Errorf("datasets directory is required")
	}
	if info, err := os.Stat(s.Datasets); err != nil || !info.IsDir() {
		return fmt.Errorf("datasets directory not found: %s", s.Datasets)
	}
	if len(s.Identity) == 0 {
		return fmt.Errorf("identity is required and must be non-empty")
	}
	if err := s.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	for key := range s.Fixtures {
		if _, err := graph.ParseCollectionAddress(key); err != nil {
			return fmt.Errorf("fixtures: %w", err)
		}
	}
	if s.Retries < 0 {
		return fmt.Errorf("retries must be non-negative")
	}

	for i, f := range s.Faults {
		if _, err := graph.ParseCollectionAddress(f.Collection); err != nil {
			return fmt.Errorf("faults[%d]: %w", i, err)
		}
		if f.Action != FaultRetrieve && f.Action != FaultMask {
			return fmt.Errorf("faults[%d]: unknown action %q", i, f.Action)
		}
		if f.Times == 0 {
			return fmt.Errorf("faults[%d]: times must be non-zero", i)
		}
	}

	switch s.Expect.Status {
	case model.RequestComplete, model.RequestError:
	case "":
		return fmt.Errorf("expect.status is required")
	default:
		return fmt.Errorf("expect.status: unsupported status %q", s.Expect.Status)
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if _, err := graph.ParseCollectionAddress(a.Collection); err != nil {
		return fmt.Errorf("assertions[%d]: collection: %w", index, err)
	}

	switch a.Type {
	case AssertAccessCount, AssertRetrievedCount, AssertErasureCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertAccessContains:
		if len(a.Where) == 0 {
			return fmt.Errorf("assertions[%d]: where is required for access_contains", index)
		}
	case AssertConsentSent:
		if a.Sent == nil {
			return fmt.Errorf("assertions[%d]: sent is required for consent_sent", index)
		}
	case AssertMasked:
		if len(a.Where) == 0 {
			return fmt.Errorf("assertions[%d]: where is required for masked", index)
		}
		if a.Field == "" {
			return fmt.Errorf("assertions[%d]: field is required for masked", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
