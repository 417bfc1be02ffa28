// Package connector implements the task.Connector contract for each
// supported connection type.
//
// The mapping from ConnectionType to implementation is a closed switch in
// Open: adding a type means adding a case, and an unknown type is an error
// at configuration time rather than at first use.
package connector

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/policy"
	"github.com/roach88/dsr/internal/rowset"
	"github.com/roach88/dsr/internal/task"
)

// ConnectionType names a connector implementation.
type ConnectionType string

const (
	TypeMemory ConnectionType = "memory"
	TypeSQLite ConnectionType = "sqlite"
)

// ConnectionTypes lists every supported type.
var ConnectionTypes = []ConnectionType{TypeMemory, TypeSQLite}

// ConnectionConfig describes how to reach one external system.
type ConnectionConfig struct {
	Key  string         `yaml:"key" json:"key" validate:"required"`
	Type ConnectionType `yaml:"type" json:"type" validate:"required,oneof=memory sqlite"`

	// Path is the SQLite database file (sqlite) or a fixtures file (memory).
	Path string `yaml:"path,omitempty" json:"path,omitempty" validate:"required_if=Type sqlite"`

	// ReadOnly connections refuse every erasure.
	ReadOnly bool `yaml:"read_only,omitempty" json:"read_only,omitempty"`

	// Consent enables consent propagation on memory connections.
	Consent bool `yaml:"consent,omitempty" json:"consent,omitempty"`

	// RateLimit caps calls per second; zero means unlimited.
	RateLimit float64 `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty" validate:"gte=0"`
	Burst     int     `yaml:"burst,omitempty" json:"burst,omitempty" validate:"gte=0"`
}

var validate = validator.New()

// Validate checks c's struct constraints.
func (c ConnectionConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("connection %q: %w", c.Key, err)
	}
	return nil
}

// Open builds the connector c describes. Memory connections start from
// fixtures, which Open loads from c.Path when fixtures is nil.
func Open(ctx context.Context, c ConnectionConfig, fixtures Fixtures) (task.Connector, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var conn task.Connector
	switch c.Type {
	case TypeMemory:
		if fixtures == nil && c.Path != "" {
			var err error
			if fixtures, err = LoadFixtures(c.Path); err != nil {
				return nil, err
			}
		}
		conn = NewMemory(fixtures, MemoryOptions{ReadOnly: c.ReadOnly, Consent: c.Consent})
	case TypeSQLite:
		s, err := OpenSQLite(ctx, c.Path, c.ReadOnly)
		if err != nil {
			return nil, err
		}
		conn = s
	default:
		return nil, fmt.Errorf("connection %q: unsupported type %q", c.Key, c.Type)
	}

	if c.RateLimit > 0 {
		burst := c.Burst
		if burst == 0 {
			burst = 1
		}
		conn = RateLimited(conn, rate.NewLimiter(rate.Limit(c.RateLimit), burst))
	}
	return conn, nil
}

// Factory serves connectors by connection key from a fixed configuration.
type Factory struct {
	configs  map[string]ConnectionConfig
	fixtures Fixtures
}

var _ task.ConnectorFactory = (*Factory)(nil)

// NewFactory validates configs and indexes them by key. fixtures, when not
// nil, backs every memory connection.
func NewFactory(configs []ConnectionConfig, fixtures Fixtures) (*Factory, error) {
	f := &Factory{configs: make(map[string]ConnectionConfig, len(configs)), fixtures: fixtures}
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := f.configs[c.Key]; dup {
			return nil, fmt.Errorf("duplicate connection key %q", c.Key)
		}
		f.configs[c.Key] = c
	}
	return f, nil
}

// Keys returns the configured connection keys, sorted.
func (f *Factory) Keys() []string {
	keys := make([]string, 0, len(f.configs))
	for k := range f.configs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *Factory) NewConnector(ctx context.Context, key string) (task.Connector, error) {
	c, ok := f.configs[key]
	if !ok {
		return nil, fmt.Errorf("no connection configured for key %q", key)
	}
	return Open(ctx, c, f.fixtures)
}

// erasureUpdates computes the masked value of each writable field the
// erasure rules target. Primary keys are never masked.
func erasureUpdates(coll *graph.Collection, p *policy.Policy) map[string]maskedField {
	out := make(map[string]maskedField)
	mapping := coll.CategoryFieldMapping()
	for _, r := range p.RulesForAction(model.ActionErasure) {
		for _, path := range policy.TargetedFields(mapping, r.TargetCategories) {
			f := coll.FieldByPath(path)
			if f == nil || f.ReadOnly || f.PrimaryKey {
				continue
			}
			if _, seen := out[path.String()]; seen {
				continue
			}
			out[path.String()] = maskedField{path: path, value: maskValue(r.MaskingStrategy, f)}
		}
	}
	return out
}

type maskedField struct {
	path  graph.FieldPath
	value any
}

// Masking strategies.
const (
	StrategyNullRewrite   = "null_rewrite"
	StrategyStringRewrite = "string_rewrite"
)

// MaskedString is the replacement value under string_rewrite.
const MaskedString = "MASKED"

func maskValue(strategy string, f *graph.Field) any {
	if strategy == StrategyStringRewrite && (f.DataType == "" || f.DataType == "string") {
		if f.Length != nil && *f.Length < len(MaskedString) {
			return MaskedString[:*f.Length]
		}
		return MaskedString
	}
	return nil
}

// matches reports whether row carries any input value at the named path.
func matches(row rowset.Row, input map[string][]any) bool {
	for key, values := range input {
		want := make(map[string]bool, len(values))
		for _, v := range values {
			if s, err := rowset.CanonicalString(v); err == nil {
				want[s] = true
			}
		}
		for _, v := range rowset.Values(row, graph.ParseFieldPath(key)) {
			if s, err := rowset.CanonicalString(v); err == nil && want[s] {
				return true
			}
		}
	}
	return false
}
