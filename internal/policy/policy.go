// Package policy models the rules that decide which data categories a
// privacy request collects or erases.
//
// The execution layer treats a Policy as an opaque gate: it asks only whether
// rules exist for an action. Category filtering happens after execution via
// FilterAccessResults.
package policy

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/dsr/internal/graph"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/rowset"
)

// Rule targets data categories for one action type.
type Rule struct {
	Name             string           `yaml:"name" json:"name"`
	ActionType       model.ActionType `yaml:"action_type" json:"action_type"`
	TargetCategories []string         `yaml:"target_categories" json:"target_categories"`
	MaskingStrategy  string           `yaml:"masking_strategy,omitempty" json:"masking_strategy,omitempty"`
}

// Policy is a named set of rules.
type Policy struct {
	Key   string `yaml:"key" json:"key"`
	Rules []Rule `yaml:"rules" json:"rules"`
}

// RulesForAction returns the rules for action, in declaration order.
func (p *Policy) RulesForAction(action model.ActionType) []Rule {
	if p == nil {
		return nil
	}
	var out []Rule
	for _, r := range p.Rules {
		if r.ActionType == action {
			out = append(out, r)
		}
	}
	return out
}

// HasRulesFor reports whether any rule targets action.
func (p *Policy) HasRulesFor(action model.ActionType) bool {
	return len(p.RulesForAction(action)) > 0
}

// Categories returns the sorted, distinct target categories for action.
func (p *Policy) Categories(action model.ActionType) []string {
	seen := map[string]bool{}
	for _, r := range p.RulesForAction(action) {
		for _, c := range r.TargetCategories {
			seen[c] = true
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ErasureCategories is Categories(ActionErasure).
func (p *Policy) ErasureCategories() []string {
	return p.Categories(model.ActionErasure)
}

// Validate checks rule actions and names.
func (p *Policy) Validate() error {
	if p.Key == "" {
		return fmt.Errorf("policy has no key")
	}
	for i, r := range p.Rules {
		if _, err := model.ParseActionType(string(r.ActionType)); err != nil {
			return fmt.Errorf("policy %s rule %d: %w", p.Key, i, err)
		}
		if r.ActionType != model.ActionConsent && len(r.TargetCategories) == 0 {
			return fmt.Errorf("policy %s rule %q: no target categories", p.Key, r.Name)
		}
	}
	return nil
}

// Matches reports whether category falls under target. Categories are
// hierarchical and dot-separated: "user.contact" matches
// "user.contact.email" but not "user.contacts".
func Matches(target, category string) bool {
	return category == target || strings.HasPrefix(category, target+".")
}

// MatchesAny reports whether category falls under any target.
func MatchesAny(targets []string, category string) bool {
	for _, t := range targets {
		if Matches(t, category) {
			return true
		}
	}
	return false
}

// TargetedFields returns the paths of fields in one collection whose
// categories match any target.
func TargetedFields(mapping map[string][]graph.FieldPath, targets []string) []graph.FieldPath {
	seen := map[string]bool{}
	var out []graph.FieldPath
	cats := make([]string, 0, len(mapping))
	for c := range mapping {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		if !MatchesAny(targets, c) {
			continue
		}
		for _, p := range mapping[c] {
			if !seen[p.String()] {
				seen[p.String()] = true
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// FilterAccessResults keeps only the fields targeted by p's access rules.
// Results are keyed by collection address string; collections with no
// targeted fields are dropped, rows left empty by filtering are dropped.
func FilterAccessResults(results map[string][]rowset.Row, mapping map[graph.CollectionAddress]map[string][]graph.FieldPath, p *Policy) map[string][]rowset.Row {
	targets := p.Categories(model.ActionAccess)
	out := make(map[string][]rowset.Row)
	for addrStr, rows := range results {
		addr, err := graph.ParseCollectionAddress(addrStr)
		if err != nil {
			continue
		}
		fields := TargetedFields(mapping[addr], targets)
		if len(fields) == 0 {
			continue
		}
		var kept []rowset.Row
		for _, row := range rows {
			filtered := rowset.Row{}
			for _, f := range fields {
				copyPath(row, filtered, f)
			}
			if len(filtered) > 0 {
				kept = append(kept, filtered)
			}
		}
		if len(kept) > 0 {
			out[addrStr] = kept
		}
	}
	return out
}

// copyPath copies the value at path from src to dst, descending through
// nested records and arrays of records.
func copyPath(src, dst map[string]any, path graph.FieldPath) {
	v, ok := src[path[0]]
	if !ok {
		return
	}
	if len(path) == 1 {
		dst[path[0]] = v
		return
	}
	switch child := v.(type) {
	case map[string]any:
		sub, _ := dst[path[0]].(map[string]any)
		if sub == nil {
			sub = map[string]any{}
		}
		copyPath(child, sub, path[1:])
		if len(sub) > 0 {
			dst[path[0]] = sub
		}
	case []any:
		existing, _ := dst[path[0]].([]any)
		arr := make([]any, 0, len(child))
		for _, e := range child {
			obj, ok := e.(map[string]any)
			if !ok {
				continue
			}
			var sub map[string]any
			if j := len(arr); j < len(existing) {
				sub, _ = existing[j].(map[string]any)
			}
			if sub == nil {
				sub = map[string]any{}
			}
			copyPath(obj, sub, path[1:])
			arr = append(arr, sub)
		}
		dst[path[0]] = arr
	}
}

// Load reads a policy from a YAML file.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
