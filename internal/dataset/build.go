package dataset

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/dsr/internal/graph"
)

var validate = validator.New()

// Build resolves definitions into graph datasets, in input order.
//
// References and ordering ties are resolved against each other, so datasets
// that reference one another must be built together. Whether referenced
// collections exist is checked later, when the dataset graph is built.
func Build(datasets ...Dataset) ([]graph.GraphDataset, error) {
	collections := make(map[string][]string, len(datasets))
	for i := range datasets {
		ds := &datasets[i]
		if err := validate.Struct(ds); err != nil {
			return nil, fromValidator(err)
		}
		if _, dup := collections[ds.FidesKey]; dup {
			return nil, invalid(ds.FidesKey, "duplicate dataset")
		}
		seen := make(map[string]bool, len(ds.Collections))
		for _, c := range ds.Collections {
			if seen[c.Name] {
				return nil, invalid(ds.FidesKey+"."+c.Name, "duplicate collection")
			}
			seen[c.Name] = true
			collections[ds.FidesKey] = append(collections[ds.FidesKey], c.Name)
		}
	}

	out := make([]graph.GraphDataset, 0, len(datasets))
	for i := range datasets {
		gd, err := buildDataset(&datasets[i], collections)
		if err != nil {
			return nil, err
		}
		out = append(out, gd)
	}
	return out, nil
}

func buildDataset(ds *Dataset, collections map[string][]string) (graph.GraphDataset, error) {
	gd := graph.GraphDataset{
		Name:          ds.FidesKey,
		ConnectionKey: ds.ConnectionKey,
		Collections:   make([]graph.Collection, 0, len(ds.Collections)),
	}
	if gd.ConnectionKey == "" {
		gd.ConnectionKey = ds.FidesKey
	}
	for _, name := range ds.After {
		ties, err := resolveTie(ds.FidesKey, name, collections)
		if err != nil {
			return gd, err
		}
		gd.After = append(gd.After, ties...)
	}

	for ci := range ds.Collections {
		c := &ds.Collections[ci]
		path := ds.FidesKey + "." + c.Name
		gc := graph.Collection{
			Name:           c.Name,
			DataCategories: append([]string(nil), c.DataCategories...),
			SkipProcessing: c.skipProcessing(),
		}
		for _, tie := range c.after() {
			ties, err := resolveTie(path, tie, collections)
			if err != nil {
				return gd, err
			}
			gc.After = append(gc.After, ties...)
		}
		for _, tie := range c.eraseAfter() {
			ties, err := resolveTie(path, tie, collections)
			if err != nil {
				return gd, err
			}
			gc.EraseAfter = append(gc.EraseAfter, ties...)
		}
		fields, err := buildFields(path, c.Fields)
		if err != nil {
			return gd, err
		}
		gc.Fields = fields
		gd.Collections = append(gd.Collections, gc)
	}
	return gd, nil
}

func buildFields(path string, fields []Field) ([]graph.Field, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	out := make([]graph.Field, 0, len(fields))
	for i := range fields {
		f := &fields[i]
		fpath := path + "." + f.Name
		meta := f.effective()
		gf := graph.Field{
			Name:           f.Name,
			DataCategories: append([]string(nil), f.DataCategories...),
			DataType:       meta.DataType,
			Nullable:       meta.Nullable,
			PrimaryKey:     meta.PrimaryKey,
			IsArray:        meta.IsArray,
			Length:         meta.Length,
			Identity:       meta.Identity,
			ReadOnly:       meta.ReadOnly,
		}
		for _, r := range meta.References {
			addr, err := ParseReference(r.Dataset, r.Field)
			if err != nil {
				return nil, inPath(err, fpath)
			}
			gf.References = append(gf.References, graph.FieldReference{
				Address:   addr,
				Direction: graph.Direction(r.Direction),
			})
		}
		sub, err := buildFields(fpath, f.Fields)
		if err != nil {
			return nil, err
		}
		gf.Fields = sub
		out = append(out, gf)
	}
	return out, nil
}

// ParseReference splits "collection.sub.path" into the collection and the
// field path inside it.
func ParseReference(dataset, field string) (graph.FieldAddress, error) {
	parts := strings.Split(field, ".")
	if len(parts) < 2 {
		return graph.FieldAddress{}, invalid("", "reference %q must name a collection and a field", field)
	}
	for _, p := range parts {
		if p == "" {
			return graph.FieldAddress{}, invalid("", "reference %q has an empty component", field)
		}
	}
	return graph.NewFieldAddress(dataset, parts[0], parts[1:]...), nil
}

// resolveTie turns "dataset.collection" into one address and "dataset" into
// every collection of that dataset.
func resolveTie(path, tie string, collections map[string][]string) ([]graph.CollectionAddress, error) {
	parts := strings.Split(tie, ".")
	switch len(parts) {
	case 1:
		names, ok := collections[parts[0]]
		if !ok {
			return nil, invalid(path, "ordering tie %q names an unknown dataset", tie)
		}
		out := make([]graph.CollectionAddress, 0, len(names))
		for _, n := range names {
			out = append(out, graph.NewCollectionAddress(parts[0], n))
		}
		return out, nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			break
		}
		return []graph.CollectionAddress{graph.NewCollectionAddress(parts[0], parts[1])}, nil
	}
	return nil, invalid(path, "ordering tie %q must be \"dataset\" or \"dataset.collection\"", tie)
}

func inPath(err error, path string) error {
	if ve, ok := err.(*ValidationError); ok && ve.Path == "" {
		ve.Path = path
	}
	return err
}
