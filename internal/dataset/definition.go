package dataset

// Document is one definitions file.
type Document struct {
	Datasets []Dataset `yaml:"dataset" json:"dataset" validate:"dive"`
}

// Dataset is a named group of collections served by one connection.
type Dataset struct {
	FidesKey      string       `yaml:"fides_key" json:"fides_key" validate:"required,excludesall=.:"`
	Name          string       `yaml:"name,omitempty" json:"name,omitempty"`
	Description   string       `yaml:"description,omitempty" json:"description,omitempty"`
	ConnectionKey string       `yaml:"connection_key,omitempty" json:"connection_key,omitempty"`
	After         []string     `yaml:"after,omitempty" json:"after,omitempty" validate:"dive,required"`
	Collections   []Collection `yaml:"collections" json:"collections" validate:"required,dive"`
}

// Collection is one table or endpoint.
type Collection struct {
	Name           string          `yaml:"name" json:"name" validate:"required,excludesall=.:"`
	Fields         []Field         `yaml:"fields" json:"fields" validate:"dive"`
	DataCategories []string        `yaml:"data_categories,omitempty" json:"data_categories,omitempty"`
	FidesMeta      *CollectionMeta `yaml:"fides_meta,omitempty" json:"fides_meta,omitempty"`

	After          []string `yaml:"after,omitempty" json:"after,omitempty" validate:"dive,required"`
	EraseAfter     []string `yaml:"erase_after,omitempty" json:"erase_after,omitempty" validate:"dive,required"`
	SkipProcessing bool     `yaml:"skip_processing,omitempty" json:"skip_processing,omitempty"`
}

// CollectionMeta carries the ordering options in their nested form.
type CollectionMeta struct {
	After          []string `yaml:"after,omitempty" json:"after,omitempty" validate:"dive,required"`
	EraseAfter     []string `yaml:"erase_after,omitempty" json:"erase_after,omitempty" validate:"dive,required"`
	SkipProcessing bool     `yaml:"skip_processing,omitempty" json:"skip_processing,omitempty"`
}

// Field describes one field. Its annotations may be written inline or under
// fides_meta; inline values win.
type Field struct {
	Name           string   `yaml:"name" json:"name" validate:"required,excludesall=."`
	Description    string   `yaml:"description,omitempty" json:"description,omitempty"`
	DataCategories []string `yaml:"data_categories,omitempty" json:"data_categories,omitempty"`
	Fields         []Field  `yaml:"fields,omitempty" json:"fields,omitempty" validate:"dive"`

	FieldMeta `yaml:",inline"`

	FidesMeta *FieldMeta `yaml:"fides_meta,omitempty" json:"fides_meta,omitempty"`
}

// FieldMeta holds the traversal annotations of a field.
type FieldMeta struct {
	DataType   string      `yaml:"data_type,omitempty" json:"data_type,omitempty"`
	Identity   string      `yaml:"identity,omitempty" json:"identity,omitempty"`
	PrimaryKey bool        `yaml:"primary_key,omitempty" json:"primary_key,omitempty"`
	IsArray    bool        `yaml:"is_array,omitempty" json:"is_array,omitempty"`
	Length     *int        `yaml:"length,omitempty" json:"length,omitempty" validate:"omitempty,gt=0"`
	Nullable   bool        `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	ReadOnly   bool        `yaml:"read_only,omitempty" json:"read_only,omitempty"`
	References []Reference `yaml:"references,omitempty" json:"references,omitempty" validate:"dive"`
}

// Reference points a field at a field of another collection. Field is
// "collection.path.to.field"; Direction is from, to or empty for an
// undirected reference.
type Reference struct {
	Dataset   string `yaml:"dataset" json:"dataset" validate:"required"`
	Field     string `yaml:"field" json:"field" validate:"required"`
	Direction string `yaml:"direction,omitempty" json:"direction,omitempty" validate:"omitempty,oneof=from to"`
}

// effective merges the inline annotations over the nested ones.
func (f *Field) effective() FieldMeta {
	if f.FidesMeta == nil {
		return f.FieldMeta
	}
	m := *f.FidesMeta
	in := f.FieldMeta
	if in.DataType != "" {
		m.DataType = in.DataType
	}
	if in.Identity != "" {
		m.Identity = in.Identity
	}
	if in.Length != nil {
		m.Length = in.Length
	}
	m.PrimaryKey = m.PrimaryKey || in.PrimaryKey
	m.IsArray = m.IsArray || in.IsArray
	m.Nullable = m.Nullable || in.Nullable
	m.ReadOnly = m.ReadOnly || in.ReadOnly
	m.References = append(append([]Reference(nil), m.References...), in.References...)
	return m
}

func (c *Collection) after() []string {
	if c.FidesMeta == nil {
		return c.After
	}
	return append(append([]string(nil), c.After...), c.FidesMeta.After...)
}

func (c *Collection) eraseAfter() []string {
	if c.FidesMeta == nil {
		return c.EraseAfter
	}
	return append(append([]string(nil), c.EraseAfter...), c.FidesMeta.EraseAfter...)
}

func (c *Collection) skipProcessing() bool {
	return c.SkipProcessing || (c.FidesMeta != nil && c.FidesMeta.SkipProcessing)
}
