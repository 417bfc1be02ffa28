package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Reserved names for the synthetic seed and sink nodes.
const (
	RootName       = "__ROOT__"
	TerminatorName = "__TERMINATE__"
)

var (
	// RootAddress is the synthetic node that emits the identity seed.
	RootAddress = CollectionAddress{Dataset: RootName, Collection: RootName}

	// TerminatorAddress is the synthetic sink every end node reports into.
	TerminatorAddress = CollectionAddress{Dataset: TerminatorName, Collection: TerminatorName}
)

// CollectionAddress identifies one collection within one dataset.
type CollectionAddress struct {
	Dataset    string `json:"dataset" yaml:"dataset"`
	Collection string `json:"collection" yaml:"collection"`
}

// NewCollectionAddress builds an address from its two parts.
func NewCollectionAddress(dataset, collection string) CollectionAddress {
	return CollectionAddress{Dataset: dataset, Collection: collection}
}

// ParseCollectionAddress parses the "dataset:collection" string form.
func ParseCollectionAddress(s string) (CollectionAddress, error) {
	dataset, collection, ok := strings.Cut(s, ":")
	if !ok || dataset == "" || collection == "" || strings.Contains(collection, ":") {
		return CollectionAddress{}, fmt.Errorf("invalid collection address %q: want dataset:collection", s)
	}
	return CollectionAddress{Dataset: dataset, Collection: collection}, nil
}

// String returns "dataset:collection".
func (a CollectionAddress) String() string {
	return a.Dataset + ":" + a.Collection
}

// IsRoot reports whether a is the synthetic seed node.
func (a CollectionAddress) IsRoot() bool { return a == RootAddress }

// IsTerminator reports whether a is the synthetic sink node.
func (a CollectionAddress) IsTerminator() bool { return a == TerminatorAddress }

// IsSynthetic reports whether a is ROOT or TERMINATOR.
func (a CollectionAddress) IsSynthetic() bool { return a.IsRoot() || a.IsTerminator() }

// Field returns the address of a field inside this collection.
func (a CollectionAddress) Field(path ...string) FieldAddress {
	return FieldAddress{Collection: a, Path: FieldPath(path)}
}

// Less orders addresses by their string form.
func (a CollectionAddress) Less(b CollectionAddress) bool {
	return a.String() < b.String()
}

// SortAddresses sorts in place by string form.
func SortAddresses(addrs []CollectionAddress) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
}

// AddressStrings converts addresses to their string forms, preserving order.
func AddressStrings(addrs []CollectionAddress) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// AddressSet is an unordered set of collection addresses.
type AddressSet map[CollectionAddress]struct{}

// NewAddressSet builds a set from the given addresses.
func NewAddressSet(addrs ...CollectionAddress) AddressSet {
	s := make(AddressSet, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

// Add inserts a.
func (s AddressSet) Add(a CollectionAddress) { s[a] = struct{}{} }

// Has reports membership.
func (s AddressSet) Has(a CollectionAddress) bool {
	_, ok := s[a]
	return ok
}

// Sorted returns members ordered by string form.
func (s AddressSet) Sorted() []CollectionAddress {
	out := make([]CollectionAddress, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	SortAddresses(out)
	return out
}

// FieldPath is a dotted path into a (possibly nested) record.
type FieldPath []string

// ParseFieldPath splits "a.b.c" into its components.
func ParseFieldPath(s string) FieldPath {
	if s == "" {
		return nil
	}
	return FieldPath(strings.Split(s, "."))
}

// String joins the path with dots.
func (p FieldPath) String() string { return strings.Join(p, ".") }

// Child returns p extended by name. The receiver is not modified.
func (p FieldPath) Child(name string) FieldPath {
	out := make(FieldPath, len(p)+1)
	copy(out, p)
	out[len(p)] = name
	return out
}

// Equal reports element-wise equality.
func (p FieldPath) Equal(q FieldPath) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether q is a leading sub-path of p.
func (p FieldPath) HasPrefix(q FieldPath) bool {
	return len(q) <= len(p) && p[:len(q)].Equal(q)
}

// FieldAddress identifies one (possibly nested) field of one collection.
type FieldAddress struct {
	Collection CollectionAddress `json:"collection"`
	Path       FieldPath         `json:"path"`
}

// NewFieldAddress builds an address from dataset, collection and dotted path parts.
func NewFieldAddress(dataset, collection string, path ...string) FieldAddress {
	return FieldAddress{Collection: NewCollectionAddress(dataset, collection), Path: FieldPath(path)}
}

// String returns "dataset:collection:a.b".
func (f FieldAddress) String() string {
	return f.Collection.String() + ":" + f.Path.String()
}

// Key is a comparable representation usable as a map key.
func (f FieldAddress) Key() string { return f.String() }
