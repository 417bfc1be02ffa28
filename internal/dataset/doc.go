// Package dataset reads dataset definitions from YAML and CUE files and
// turns them into graph datasets.
//
// A definitions directory holds any mix of:
//
//	*.yml, *.yaml   documents with a top-level "dataset" list
//	*.cue           CUE files whose "dataset" field is the same list
//	*.saas.yml      SaaS endpoint documents ("saas_config") merged into the
//	                dataset they name
//
// Every document is decoded into the same definition structs, checked with
// struct tag validation and then resolved: field references and ordering
// ties become addresses, and dataset-level ties expand to every collection
// of the named dataset. Any failure is a *ValidationError naming the file and
// the offending definition path.
package dataset
