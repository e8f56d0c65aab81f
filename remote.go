package syncstore

import (
	"context"
	"time"
)

// FilterOp is a query predicate operator.
type FilterOp int

const (
	FilterEq FilterOp = iota
	FilterGt
	FilterGte
	FilterLt
	FilterLte
	FilterIn
)

// Filter is one field predicate of a query.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Query is a filtered fetch against one remote collection. OrderBy is
// optional; when empty the result order is unspecified and the caller sorts
// locally. Limit of 0 means no ceiling.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Desc       bool
	Limit      int
}

// Batch stages multiple mutations for a single remote commit. Implementations
// enforce the store's per-commit operation ceiling at Commit time; the
// gateway chunks below it.
type Batch interface {
	Set(collection, id string, data Document, merge bool)
	Delete(collection, id string)
	Len() int
	Commit(ctx context.Context) error
}

// RemoteStore is the remote document database: named collections of
// string-keyed documents with filtered queries, atomic single-field
// increments and batched commits.
type RemoteStore interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, q Query) ([]Document, error)
	Set(ctx context.Context, collection, id string, data Document, merge bool) error
	Delete(ctx context.Context, collection, id string) error

	// Increment atomically adds delta to a numeric document field, creating
	// the document and treating a missing field as zero. Returns the new value.
	Increment(ctx context.Context, collection, id, field string, delta float64) (float64, error)

	NewBatch() Batch
	Close() error
}

// ChangeFeed carries change records between clients. Publish assigns the
// record's server timestamp and id ordering; Subscribe delivers records with
// CreatedAt >= since, first the backlog, then live, in timestamp order.
// Dedup and replay ordering live above this interface, so any push or
// poll-based transport can back it.
type ChangeFeed interface {
	Publish(ctx context.Context, rec *Record) error
	Subscribe(ctx context.Context, since time.Time, fn func([]Record)) (cancel func(), err error)

	// Prune best-effort deletes records older than the horizon. Transports
	// that do not own the log return nil without effect.
	Prune(ctx context.Context, olderThan time.Time) error
}
