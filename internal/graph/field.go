package graph

// Direction says which way a declared reference carries data.
type Direction string

const (
	// DirectionFrom means the referenced field's value feeds this field.
	DirectionFrom Direction = "from"
	// DirectionTo means this field's value feeds the referenced field.
	DirectionTo Direction = "to"
	// DirectionBoth is an undirected reference, oriented during traversal.
	DirectionBoth Direction = ""
)

// DataTypeObject is forced on every field that declares sub-fields.
const DataTypeObject = "object"

// FieldReference is one declared reference from a field to another field.
type FieldReference struct {
	Address   FieldAddress `json:"address"`
	Direction Direction    `json:"direction,omitempty"`
}

// Field describes one (possibly nested) field of a collection.
type Field struct {
	Name           string           `json:"name"`
	DataCategories []string         `json:"data_categories,omitempty"`
	DataType       string           `json:"data_type,omitempty"`
	Nullable       bool             `json:"nullable,omitempty"`
	PrimaryKey     bool             `json:"primary_key,omitempty"`
	IsArray        bool             `json:"is_array,omitempty"`
	Length         *int             `json:"length,omitempty"`
	Identity       string           `json:"identity,omitempty"`
	References     []FieldReference `json:"references,omitempty"`
	Fields         []Field          `json:"fields,omitempty"`
	ReadOnly       bool             `json:"read_only,omitempty"`
}

// IsObject reports whether the field has nested sub-fields.
func (f *Field) IsObject() bool { return len(f.Fields) > 0 }

// normalize forces object typing on fields with children, recursively.
func (f *Field) normalize() {
	if f.IsObject() {
		f.DataType = DataTypeObject
	}
	for i := range f.Fields {
		f.Fields[i].normalize()
	}
}

// FieldEntry is a field together with its full path from the collection root.
type FieldEntry struct {
	Path  FieldPath
	Field *Field
}

// walkFields visits every field depth-first, parents before children.
func walkFields(fields []Field, prefix FieldPath, visit func(FieldEntry)) {
	for i := range fields {
		f := &fields[i]
		path := prefix.Child(f.Name)
		visit(FieldEntry{Path: path, Field: f})
		if f.IsObject() {
			walkFields(f.Fields, path, visit)
		}
	}
}
