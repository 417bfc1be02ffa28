package dataset

import "fmt"

// InstanceKeyPlaceholder in a SaaS reference stands for the key of the
// dataset the config is merged into.
const InstanceKeyPlaceholder = "<instance_fides_key>"

// SaaSDocument is one SaaS endpoint definitions file.
type SaaSDocument struct {
	SaaSConfig SaaSConfig `yaml:"saas_config" json:"saas_config"`
}

// SaaSConfig describes the endpoint parameter graph of an API-backed
// dataset.
type SaaSConfig struct {
	FidesKey  string     `yaml:"fides_key" json:"fides_key" validate:"required"`
	Name      string     `yaml:"name,omitempty" json:"name,omitempty"`
	Type      string     `yaml:"type,omitempty" json:"type,omitempty"`
	Endpoints []Endpoint `yaml:"endpoints" json:"endpoints" validate:"required,dive"`
}

// Endpoint is one API resource; it corresponds to the collection of the
// same name.
type Endpoint struct {
	Name     string   `yaml:"name" json:"name" validate:"required,excludesall=.:"`
	After    []string `yaml:"after,omitempty" json:"after,omitempty" validate:"dive,required"`
	Requests Requests `yaml:"requests" json:"requests"`
}

// Requests groups the endpoint's operations. Only read requests take part
// in traversal.
type Requests struct {
	Read   *SaaSRequest `yaml:"read,omitempty" json:"read,omitempty"`
	Update *SaaSRequest `yaml:"update,omitempty" json:"update,omitempty"`
	Delete *SaaSRequest `yaml:"delete,omitempty" json:"delete,omitempty"`
}

// SaaSRequest is one HTTP request template.
type SaaSRequest struct {
	Method      string       `yaml:"method,omitempty" json:"method,omitempty"`
	Path        string       `yaml:"path,omitempty" json:"path,omitempty"`
	ParamValues []ParamValue `yaml:"param_values,omitempty" json:"param_values,omitempty" validate:"dive"`
}

// ParamValue is a request parameter fed either by an identity or by fields
// of other endpoints.
type ParamValue struct {
	Name       string      `yaml:"name" json:"name" validate:"required,excludesall=."`
	Identity   string      `yaml:"identity,omitempty" json:"identity,omitempty"`
	References []Reference `yaml:"references,omitempty" json:"references,omitempty" validate:"dive"`
}

// MergeSaaS merges cfg's read parameters into ds. Each parameter becomes a
// field of the endpoint's collection carrying the parameter's identity or
// references, so traversal feeds API calls the way it feeds table lookups.
// Endpoints without a matching collection get one.
func MergeSaaS(ds *Dataset, cfg SaaSConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fromValidator(err)
	}
	if cfg.FidesKey != ds.FidesKey {
		return invalid(cfg.FidesKey, "saas config does not belong to dataset %q", ds.FidesKey)
	}

	for _, ep := range cfg.Endpoints {
		c := ds.collection(ep.Name)
		if c == nil {
			ds.Collections = append(ds.Collections, Collection{Name: ep.Name})
			c = &ds.Collections[len(ds.Collections)-1]
		}
		c.After = append(c.After, ep.After...)
		if ep.Requests.Read == nil {
			continue
		}
		for _, pv := range ep.Requests.Read.ParamValues {
			path := fmt.Sprintf("%s.%s.%s", cfg.FidesKey, ep.Name, pv.Name)
			if (pv.Identity == "") == (len(pv.References) == 0) {
				return invalid(path, "param value needs exactly one of identity or references")
			}
			f := c.field(pv.Name)
			if f == nil {
				c.Fields = append(c.Fields, Field{Name: pv.Name})
				f = &c.Fields[len(c.Fields)-1]
			}
			if pv.Identity != "" {
				f.Identity = pv.Identity
			}
			for _, r := range pv.References {
				if r.Dataset == InstanceKeyPlaceholder {
					r.Dataset = ds.FidesKey
				}
				f.References = append(f.References, r)
			}
		}
	}
	return nil
}

func (ds *Dataset) collection(name string) *Collection {
	for i := range ds.Collections {
		if ds.Collections[i].Name == name {
			return &ds.Collections[i]
		}
	}
	return nil
}

func (c *Collection) field(name string) *Field {
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			return &c.Fields[i]
		}
	}
	return nil
}
