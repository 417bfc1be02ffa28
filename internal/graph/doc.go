// Package graph holds the pure data model a privacy request is executed over.
//
// A DatasetGraph aggregates GraphDatasets (one per external system), each of
// which owns ordered Collections made of (possibly nested) Fields. Fields
// declare references to fields in other collections, possibly in other
// datasets; those declarations are turned into Edges when the graph is built.
//
// # Addresses
//
//   - CollectionAddress: "dataset:collection"
//   - FieldAddress: "dataset:collection:path.to.field"
//
// Two synthetic collection addresses exist: RootAddress, which emits the
// identity seed, and TerminatorAddress, which collects every terminal output.
//
// # Invariants
//
//   - Dataset names are unique within a graph.
//   - Collection names are unique within a dataset.
//   - Collections with SkipProcessing set never become nodes.
//   - Every reference resolves to a declared collection (skipped collections
//     silently drop the edge).
//
// Nothing in this package performs I/O.
package graph
