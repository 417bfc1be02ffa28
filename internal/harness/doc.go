// Package harness runs privacy request scenarios end to end.
//
// A scenario names a directory of dataset files, a policy, an identity seed
// and the rows each collection holds. The harness builds the dataset graph,
// serves the rows from an in-memory connector and runs one privacy request
// through a scheduler, then checks the outcome against the scenario's
// expectations and assertions.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: shop_access
//	description: "Customer rows and their orders are returned"
//	datasets: datasets/shop
//	identity:
//	  email: jane@example.com
//	policy:
//	  key: access
//	  rules:
//	    - name: access
//	      action_type: access
//	      target_categories: [user]
//	fixtures:
//	  shop:customer:
//	    - {id: 1, email: jane@example.com, name: Jane}
//	faults:
//	  - collection: shop:orders
//	    action: retrieve
//	    times: 2
//	retries: 3
//	expect:
//	  status: complete
//	assertions:
//	  - type: access_count
//	    collection: shop:customer
//	    count: 1
//
// The datasets path is resolved relative to the scenario file.
//
// # Assertion Types
//
//   - access_count: the filtered access rows of a collection number exactly count
//   - access_contains: some filtered access row of a collection matches where
//   - retrieved_count: the unfiltered rows retrieved from a collection number exactly count
//   - erasure_count: the erasure of a collection masked exactly count rows
//   - consent_sent: consent for a dataset-level address was propagated (or not)
//   - masked: after the run, the stored row matching where holds value at field
//
// # Schedulers
//
// Every scenario can run on the in-memory DAG scheduler and on the queued
// scheduler. Both run against a fresh in-memory SQLite store, a
// deterministic clock and a fixed privacy request ID, so a scenario's
// snapshot is reproducible. RunWithGolden runs both and compares each
// snapshot against the same golden file.
package harness
