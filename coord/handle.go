package coord

// LiveQueryHandle describes one of the overlapping live queries that feed a
// merged stream: a store query plus the decoder for its records. Each handle
// owns exactly one store watch for the lifetime of its engine.
//
// Snapshot-replace semantics are assumed from the store: every delivery is
// the full current result set for the query, not a diff. A store with a
// delta-based change feed must materialize snapshots per watch before
// delivering (see GatewayStore).
type LiveQueryHandle[T Record] struct {
	Query  *Query
	Decode func(doc *Document) (T, bool)
}

func NewLiveQueryHandle[T Record](query *Query, decode func(doc *Document) (T, bool)) *LiveQueryHandle[T] {
	return &LiveQueryHandle[T]{
		Query:  query,
		Decode: decode,
	}
}
