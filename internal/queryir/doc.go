// Package queryir describes the statements a SQL connector issues against
// one collection, independent of the SQL dialect that renders them.
//
// A connector builds a Select for retrieval and an Update per primary key
// for erasure; querysql turns them into parameterized SQL. A dry run
// renders the same Select a real retrieval executes.
//
// Query and Predicate are sealed interfaces using the marker method
// pattern, so backends can switch exhaustively:
//
//	switch q := query.(type) {
//	case Select:
//	    // retrieval
//	case Update:
//	    // erasure
//	}
//
// Values never appear in statement text. Every Equals and In value becomes
// a bound parameter.
package queryir
