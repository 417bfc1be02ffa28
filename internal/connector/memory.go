package connector

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/policy"
	"github.com/roach88/dsr/internal/rowset"
	"github.com/roach88/dsr/internal/task"
	"github.com/roach88/dsr/internal/traversal"
)

// Fixtures maps collection address strings ("dataset:collection") to rows.
type Fixtures map[string][]rowset.Row

// LoadFixtures reads a YAML fixtures file.
func LoadFixtures(path string) (Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures %s: %w", path, err)
	}
	return ParseFixtures(data)
}

// ParseFixtures decodes a YAML fixtures document.
func ParseFixtures(data []byte) (Fixtures, error) {
	var raw map[string][]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	out := make(Fixtures, len(raw))
	for key, rows := range raw {
		if _, err := graph.ParseCollectionAddress(key); err != nil {
			return nil, fmt.Errorf("parse fixtures: %w", err)
		}
		out[key] = rowset.NormalizeRows(rows)
	}
	return out, nil
}

// MemoryOptions configures a Memory connector.
type MemoryOptions struct {
	ReadOnly bool
	Consent  bool
}

// Memory serves collections from in-process tables. Masking mutates the
// tables, so a later retrieval observes the erasure.
type Memory struct {
	opts MemoryOptions

	mu      sync.Mutex
	tables  map[string][]rowset.Row
	calls   map[string]int
	consent []map[string]string
}

var (
	_ task.Connector           = (*Memory)(nil)
	_ task.DryRunner           = (*Memory)(nil)
	_ task.StandaloneRetriever = (*Memory)(nil)
	_ task.ConsentRunner       = (*Memory)(nil)
)

// NewMemory copies fixtures into a new connector.
func NewMemory(fixtures Fixtures, opts MemoryOptions) *Memory {
	m := &Memory{
		opts:   opts,
		tables: make(map[string][]rowset.Row, len(fixtures)),
		calls:  make(map[string]int),
	}
	for k, rows := range fixtures {
		m.tables[k] = rowset.Clone(rowset.NormalizeRows(rows))
	}
	return m
}

func (m *Memory) TestConnection(context.Context) (task.ConnectionStatus, error) {
	return task.ConnectionSucceeded, nil
}

func (m *Memory) table(addr graph.CollectionAddress) ([]rowset.Row, error) {
	rows, ok := m.tables[addr.String()]
	if !ok {
		return nil, fmt.Errorf("collection %s not found: %w", addr, task.ErrCollectionSkipped)
	}
	return rows, nil
}

// RetrieveData returns every row carrying at least one input value in the
// matching field. Without input values it returns no rows.
func (m *Memory) RetrieveData(_ context.Context, node *traversal.TraversalNode, _ *policy.Policy, input map[string][]any) ([]rowset.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[node.Address.String()]++

	rows, err := m.table(node.Address)
	if err != nil {
		return nil, err
	}
	out := []rowset.Row{}
	for _, row := range rows {
		if matches(row, input) {
			out = append(out, row)
		}
	}
	return rowset.Clone(out), nil
}

// MaskData applies the erasure rules to the stored rows sharing a primary
// key with rows.
func (m *Memory) MaskData(_ context.Context, node *traversal.TraversalNode, p *policy.Policy, rows []rowset.Row, _ bool) (int, error) {
	if m.opts.ReadOnly {
		return 0, fmt.Errorf("connection for %s is read-only: %w", node.Address, task.ErrCollectionSkipped)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.table(node.Address)
	if err != nil {
		return 0, err
	}
	updates := erasureUpdates(node.Collection, p)
	if len(updates) == 0 {
		return 0, nil
	}
	pks := node.PrimaryKeys()

	targets := make(map[string]bool, len(rows))
	for _, r := range rows {
		if k, ok := pkKey(r, pks); ok {
			targets[k] = true
		}
	}

	masked := 0
	for _, row := range table {
		k, ok := pkKey(row, pks)
		if !ok || !targets[k] {
			continue
		}
		for _, u := range updates {
			rowset.Set(row, u.path, u.value)
		}
		masked++
	}
	return masked, nil
}

func pkKey(row rowset.Row, pks []graph.FieldPath) (string, bool) {
	if len(pks) == 0 {
		return "", false
	}
	parts := make([]string, len(pks))
	for i, pk := range pks {
		vals := rowset.Values(row, pk)
		if len(vals) != 1 {
			return "", false
		}
		s, err := rowset.CanonicalString(vals[0])
		if err != nil {
			return "", false
		}
		parts[i] = s
	}
	return strings.Join(parts, "\x00"), true
}

// DryRunQuery renders the lookup RetrieveData would perform.
func (m *Memory) DryRunQuery(node *traversal.TraversalNode) (string, error) {
	var keys []string
	for _, e := range node.IncomingEdges {
		keys = append(keys, e.To.Path.String()+" IN (?)")
	}
	sort.Strings(keys)
	keys = dedupSorted(keys)
	if len(keys) == 0 {
		return "SCAN " + node.Address.String(), nil
	}
	return "SCAN " + node.Address.String() + " WHERE " + strings.Join(keys, " OR "), nil
}

// ExecuteStandaloneRetrievalQuery returns the rows matching every filter,
// projected to fields when fields is not empty.
func (m *Memory) ExecuteStandaloneRetrievalQuery(_ context.Context, node *traversal.TraversalNode, fields []string, filters map[string][]any) ([]rowset.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.table(node.Address)
	if err != nil {
		return nil, err
	}
	out := []rowset.Row{}
	for _, row := range rows {
		ok := true
		for k, vals := range filters {
			if !matches(row, map[string][]any{k: vals}) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if len(fields) == 0 {
			out = append(out, row)
			continue
		}
		projected := rowset.Row{}
		for _, f := range fields {
			if v, ok := row[f]; ok {
				projected[f] = v
			}
		}
		out = append(out, projected)
	}
	return rowset.Clone(out), nil
}

// RunConsentRequest records the identity when consent is enabled.
func (m *Memory) RunConsentRequest(_ context.Context, _ *traversal.TraversalNode, _ *policy.Policy, identity map[string]string) (bool, error) {
	if !m.opts.Consent {
		return false, task.ErrNotSupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]string, len(identity))
	for k, v := range identity {
		cp[k] = v
	}
	m.consent = append(m.consent, cp)
	return true, nil
}

// Calls reports how many retrievals hit addr.
func (m *Memory) Calls(addr graph.CollectionAddress) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[addr.String()]
}

// Rows returns a copy of the stored table at addr.
func (m *Memory) Rows(addr graph.CollectionAddress) []rowset.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return rowset.Clone(m.tables[addr.String()])
}

// ConsentRecords returns the identities consent was propagated for.
func (m *Memory) ConsentRecords() []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]string(nil), m.consent...)
}

func (m *Memory) Close() error { return nil }

func dedupSorted(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}
