package graph

// Collection is one logical table or endpoint inside a dataset.
type Collection struct {
	Name           string              `json:"name"`
	Fields         []Field             `json:"fields"`
	After          []CollectionAddress `json:"after,omitempty"`
	EraseAfter     []CollectionAddress `json:"erase_after,omitempty"`
	SkipProcessing bool                `json:"skip_processing,omitempty"`
	DataCategories []string            `json:"data_categories,omitempty"`
}

// AllFields returns every field in depth-first declaration order.
func (c *Collection) AllFields() []FieldEntry {
	var out []FieldEntry
	walkFields(c.Fields, nil, func(e FieldEntry) { out = append(out, e) })
	return out
}

// FieldByPath returns the field at path, or nil.
func (c *Collection) FieldByPath(path FieldPath) *Field {
	fields := c.Fields
	var found *Field
	for _, name := range path {
		found = nil
		for i := range fields {
			if fields[i].Name == name {
				found = &fields[i]
				break
			}
		}
		if found == nil {
			return nil
		}
		fields = found.Fields
	}
	return found
}

// PrimaryKeys returns the paths of all primary-key fields.
func (c *Collection) PrimaryKeys() []FieldPath {
	var out []FieldPath
	for _, e := range c.AllFields() {
		if e.Field.PrimaryKey {
			out = append(out, e.Path)
		}
	}
	return out
}

// IdentityFields maps identity key names (e.g. "email") to the fields that
// carry them.
func (c *Collection) IdentityFields() map[string][]FieldPath {
	out := make(map[string][]FieldPath)
	for _, e := range c.AllFields() {
		if e.Field.Identity != "" {
			out[e.Field.Identity] = append(out[e.Field.Identity], e.Path)
		}
	}
	return out
}

// CategoryFieldMapping maps data categories to the leaf fields carrying
// them. A field qualifies for its own categories and for those inherited
// from its enclosing object fields.
func (c *Collection) CategoryFieldMapping() map[string][]FieldPath {
	byCategory := make(map[string][]FieldPath)
	var walk func(fields []Field, prefix FieldPath, inherited []string)
	walk = func(fields []Field, prefix FieldPath, inherited []string) {
		for i := range fields {
			f := &fields[i]
			path := prefix.Child(f.Name)
			cats := append(append([]string(nil), inherited...), f.DataCategories...)
			if f.IsObject() {
				walk(f.Fields, path, cats)
				continue
			}
			for _, cat := range dedupStrings(cats) {
				byCategory[cat] = append(byCategory[cat], path)
			}
		}
	}
	walk(c.Fields, nil, nil)
	return byCategory
}

// Clone returns a deep copy. Graph construction mutates its own copies so
// callers keep their definitions untouched.
func (c Collection) Clone() Collection {
	out := c
	out.Fields = cloneFields(c.Fields)
	out.After = append([]CollectionAddress(nil), c.After...)
	out.EraseAfter = append([]CollectionAddress(nil), c.EraseAfter...)
	out.DataCategories = append([]string(nil), c.DataCategories...)
	return out
}

func cloneFields(fields []Field) []Field {
	if fields == nil {
		return nil
	}
	out := make([]Field, len(fields))
	for i, f := range fields {
		out[i] = f
		out[i].DataCategories = append([]string(nil), f.DataCategories...)
		out[i].References = append([]FieldReference(nil), f.References...)
		out[i].Fields = cloneFields(f.Fields)
		if f.Length != nil {
			n := *f.Length
			out[i].Length = &n
		}
	}
	return out
}

// GraphDataset is a named group of collections served by one connection.
type GraphDataset struct {
	Name          string              `json:"name"`
	Collections   []Collection        `json:"collections"`
	ConnectionKey string              `json:"connection_key"`
	After         []CollectionAddress `json:"after,omitempty"`
}
