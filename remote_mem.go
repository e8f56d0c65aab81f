package syncstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// memHardLimit mirrors the documented per-commit ceiling of the integrated
// remote store.
const memHardLimit = 500

// MemRemote is a transient in-memory RemoteStore and ChangeFeed. It backs
// tests and standalone use, and assigns monotonic server timestamps the way
// the real store does.
type MemRemote struct {
	mu          sync.Mutex
	collections map[string]map[string]Document
	log         []Record
	subs        map[int]*memSub
	nextSub     int
	lastStamp   time.Time
	closed      bool
}

type memSub struct {
	ch     chan []Record
	done   chan struct{}
	closed bool
}

func NewMemRemote() *MemRemote {
	return &MemRemote{
		collections: make(map[string]map[string]Document),
		subs:        make(map[int]*memSub),
	}
}

func (m *MemRemote) Get(ctx context.Context, collection, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (m *MemRemote) Query(ctx context.Context, q Query) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Document
	for _, doc := range m.collections[q.Collection] {
		if matchesFilters(doc, q.Filters) {
			out = append(out, cloneDocument(doc))
		}
	}
	if q.OrderBy != "" {
		// Native ordering drops documents lacking the sort field, same as the
		// integrated store.
		kept := out[:0]
		for _, doc := range out {
			if _, ok := doc[q.OrderBy]; ok {
				kept = append(kept, doc)
			}
		}
		out = kept
		sort.SliceStable(out, func(i, j int) bool {
			if q.Desc {
				return rawLess(out[j][q.OrderBy], out[i][q.OrderBy])
			}
			return rawLess(out[i][q.OrderBy], out[j][q.OrderBy])
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemRemote) Set(ctx context.Context, collection, id string, data Document, merge bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.setLocked(collection, id, data, merge)
	return nil
}

func (m *MemRemote) setLocked(collection, id string, data Document, merge bool) {
	coll := m.collections[collection]
	if coll == nil {
		coll = make(map[string]Document)
		m.collections[collection] = coll
	}
	if old, ok := coll[id]; ok && merge {
		coll[id] = applyPatch(old, data)
	} else {
		coll[id] = applyPatch(Document{}, data)
	}
	coll[id]["id"] = id
}

func (m *MemRemote) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.collections[collection], id)
	return nil
}

func (m *MemRemote) Increment(ctx context.Context, collection, id, field string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	coll := m.collections[collection]
	if coll == nil {
		coll = make(map[string]Document)
		m.collections[collection] = coll
	}
	doc := coll[id]
	if doc == nil {
		doc = Document{"id": id}
		coll[id] = doc
	}
	cur, _ := asNumber(doc[field])
	doc[field] = cur + delta
	return cur + delta, nil
}

type memOp struct {
	collection string
	id         string
	data       Document
	merge      bool
	delete     bool
}

type memBatch struct {
	m   *MemRemote
	ops []memOp
}

func (m *MemRemote) NewBatch() Batch {
	return &memBatch{m: m}
}

func (b *memBatch) Set(collection, id string, data Document, merge bool) {
	b.ops = append(b.ops, memOp{collection: collection, id: id, data: data, merge: merge})
}

func (b *memBatch) Delete(collection, id string) {
	b.ops = append(b.ops, memOp{collection: collection, id: id, delete: true})
}

func (b *memBatch) Len() int {
	return len(b.ops)
}

func (b *memBatch) Commit(ctx context.Context) error {
	if len(b.ops) > memHardLimit {
		return fmt.Errorf("batch of %d ops exceeds limit of %d", len(b.ops), memHardLimit)
	}
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	if b.m.closed {
		return ErrClosed
	}
	for _, op := range b.ops {
		if op.delete {
			delete(b.m.collections[op.collection], op.id)
		} else {
			b.m.setLocked(op.collection, op.id, op.data, op.merge)
		}
	}
	return nil
}

// stamp assigns a strictly increasing server timestamp.
func (m *MemRemote) stamp() time.Time {
	ts := time.Now().UTC()
	if !ts.After(m.lastStamp) {
		ts = m.lastStamp.Add(time.Microsecond)
	}
	m.lastStamp = ts
	return ts
}

func (m *MemRemote) Publish(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	rec.CreatedAt = m.stamp()
	m.log = append(m.log, *rec)
	delivery := []Record{*rec}
	subs := make([]*memSub, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- delivery:
		case <-sub.done:
		}
	}
	return nil
}

func (m *MemRemote) Subscribe(ctx context.Context, since time.Time, fn func([]Record)) (func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	var backlog []Record
	for _, rec := range m.log {
		if !rec.CreatedAt.Before(since) {
			backlog = append(backlog, rec)
		}
	}
	sub := &memSub{ch: make(chan []Record, 64), done: make(chan struct{})}
	key := m.nextSub
	m.nextSub++
	m.subs[key] = sub
	m.mu.Unlock()

	go func() {
		if len(backlog) > 0 {
			fn(backlog)
		}
		for {
			select {
			case recs := <-sub.ch:
				fn(recs)
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !sub.closed {
			sub.closed = true
			close(sub.done)
			delete(m.subs, key)
		}
	}
	return cancel, nil
}

func (m *MemRemote) Prune(ctx context.Context, olderThan time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	kept := m.log[:0]
	for _, rec := range m.log {
		if !rec.CreatedAt.Before(olderThan) {
			kept = append(kept, rec)
		}
	}
	m.log = kept
	return nil
}

// LogLen returns the number of change records currently retained.
func (m *MemRemote) LogLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.log)
}

func (m *MemRemote) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for key, sub := range m.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.done)
		}
		delete(m.subs, key)
	}
	return nil
}

func matchesFilters(doc Document, filters []Filter) bool {
	for _, f := range filters {
		if !matchesFilter(doc, f) {
			return false
		}
	}
	return true
}

func matchesFilter(doc Document, f Filter) bool {
	v, ok := doc[f.Field]
	if !ok {
		return false
	}
	switch f.Op {
	case FilterEq:
		return rawEqual(v, f.Value)
	case FilterGt:
		return rawLess(f.Value, v)
	case FilterGte:
		return !rawLess(v, f.Value)
	case FilterLt:
		return rawLess(v, f.Value)
	case FilterLte:
		return !rawLess(f.Value, v)
	case FilterIn:
		switch want := f.Value.(type) {
		case []any:
			for _, w := range want {
				if rawEqual(v, w) {
					return true
				}
			}
		case []string:
			for _, w := range want {
				if rawEqual(v, w) {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

// rawEqual and rawLess compare field values the way the remote store does:
// numbers numerically, timestamps chronologically, everything else as strings.
func rawEqual(a, b any) bool {
	return !rawLess(a, b) && !rawLess(b, a)
}

func rawLess(a, b any) bool {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an < bn
		}
	}
	if at, ok := asTime(a); ok {
		if bt, ok := asTime(b); ok {
			return at.Before(bt)
		}
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}
