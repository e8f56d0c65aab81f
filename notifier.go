package syncstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NotificationSink receives every non-data-change record untouched; the UI
// layer decides what to do with them.
type NotificationSink interface {
	Notify(rec Record)
}

// NotificationSinkFunc adapts a function to the NotificationSink interface.
type NotificationSinkFunc func(rec Record)

func (f NotificationSinkFunc) Notify(rec Record) { f(rec) }

// Notifier subscribes to the change feed and replays remote mutations into
// the local store. Data-change records are deduplicated per document by
// server timestamp before applying; everything else forwards to the sink.
type Notifier struct {
	store   *Store
	indexes *IndexManager
	feed    ChangeFeed
	loader  *Loader
	cache   *Cache
	sink    NotificationSink
	log     *zap.Logger
	role    func() string
	now     func() time.Time

	retention    time.Duration
	pruneHorizon time.Duration
	pruneRoles   map[string]bool

	mu       sync.Mutex
	ctx      context.Context
	cancel   func()
	unsub    func()
	lastSync time.Time
}

// Start subscribes from the tighter of the last local sync point and the
// retention window's edge, then keeps replaying until Stop or ctx ends.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.unsub != nil {
		return nil
	}

	since := n.now().Add(-n.retention)
	if n.cache != nil {
		if last := n.cache.LastDeltaSync(); last.After(since) {
			since = last
		}
	}
	n.lastSync = since

	n.ctx, n.cancel = context.WithCancel(ctx)
	unsub, err := n.feed.Subscribe(n.ctx, since, n.handleGroup)
	if err != nil {
		n.cancel()
		return remoteErrf("subscribe", "changelog", "", err)
	}
	n.unsub = unsub

	if n.pruneRoles[n.role()] {
		go func() {
			if err := n.Prune(n.ctx); err != nil {
				n.log.Warn("changelog pruning failed", zap.Error(err))
			}
		}()
	}
	return nil
}

func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.unsub != nil {
		n.unsub()
		n.unsub = nil
	}
	if n.cancel != nil {
		n.cancel()
	}
}

// Prune best-effort deletes change-log records older than the configured
// horizon. Only elevated roles call this; failures are logged by the caller.
func (n *Notifier) Prune(ctx context.Context) error {
	return n.feed.Prune(ctx, n.now().Add(-n.pruneHorizon))
}

// LastSync returns the timestamp the notifier has replayed through.
func (n *Notifier) LastSync() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastSync
}

// handleGroup processes one delivered group of records: partition, dedup,
// apply in timestamp order, then persist the snapshot and advance the sync
// point.
func (n *Notifier) handleGroup(recs []Record) {
	dataRecs := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if rec.Type == RecordTypeDataChange {
			dataRecs = append(dataRecs, rec)
		} else if n.sink != nil {
			n.sink.Notify(rec)
		}
	}
	if len(dataRecs) == 0 {
		return
	}

	dataRecs = dedupRecords(dataRecs)
	sort.SliceStable(dataRecs, func(i, j int) bool {
		return dataRecs[i].CreatedAt.Before(dataRecs[j].CreatedAt)
	})

	var maxTS time.Time
	for _, rec := range dataRecs {
		if err := n.apply(rec); err != nil {
			n.log.Warn("change record replay failed",
				zap.String("record", rec.ID),
				zap.String("collection", rec.Collection),
				zap.Stringer("action", rec.Action),
				zap.Error(err))
			continue
		}
		if rec.CreatedAt.After(maxTS) {
			maxTS = rec.CreatedAt
		}
	}
	if maxTS.IsZero() {
		return
	}

	if n.cache != nil {
		if err := n.cache.Save(n.role(), n.store.Snapshot()); err != nil {
			n.log.Warn("cache save after replay failed", zap.Error(err))
		}
		n.cache.SetLastDeltaSync(maxTS)
	}
	n.mu.Lock()
	if maxTS.After(n.lastSync) {
		n.lastSync = maxTS
	}
	n.mu.Unlock()
}

// dedupRecords keeps, per (collection, document), only the record with the
// greatest timestamp. Records without a document id (batches) all pass.
func dedupRecords(recs []Record) []Record {
	type docKey struct{ coll, id string }
	best := make(map[docKey]int, len(recs))
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if rec.DocID == "" {
			out = append(out, rec)
			continue
		}
		key := docKey{rec.Collection, rec.DocID}
		if i, ok := best[key]; ok {
			if rec.CreatedAt.After(out[i].CreatedAt) {
				out[i] = rec
			}
			continue
		}
		best[key] = len(out)
		out = append(out, rec)
	}
	return out
}

func (n *Notifier) apply(rec Record) error {
	switch rec.Action {
	case ActionSet, ActionUpdate:
		doc, ok := payloadDocument(rec.Payload)
		if !ok {
			return argErrf("replay", "record %s carries no document payload", rec.ID)
		}
		applyLocalSet(n.store, n.indexes, rec.Collection, rec.DocID, doc, true)
	case ActionDelete:
		applyLocalDelete(n.store, n.indexes, rec.Collection, rec.DocID)
	case ActionIncrement:
		inc, ok := payloadIncrement(rec.Payload)
		if !ok {
			return argErrf("replay", "record %s carries no increment payload", rec.ID)
		}
		applyLocalIncrement(n.store, n.indexes, rec.Collection, rec.DocID, inc.Field, inc.Delta)
	case ActionBatch:
		bp, ok := payloadBatch(rec.Payload)
		if !ok {
			return argErrf("replay", "record %s carries no batch payload", rec.ID)
		}
		if bp.BatchID != "" {
			// Large batch: the record carries only the tag; re-fetch the
			// tagged documents and merge them in.
			_, err := n.loader.LoadCollections(n.ctx, []string{rec.Collection}, LoadOptions{BatchID: bp.BatchID})
			return err
		}
		for _, item := range bp.Items {
			if item.Op == ActionDelete {
				applyLocalDelete(n.store, n.indexes, rec.Collection, item.ID)
			} else {
				applyLocalSet(n.store, n.indexes, rec.Collection, item.ID, item.Data, true)
			}
		}
	default:
		return argErrf("replay", "record %s has unsupported action %v", rec.ID, rec.Action)
	}
	return nil
}

// Payload coercion: feeds that cross a wire deliver typed payloads via
// Record.DecodeData, but in-process feeds may hand over plain maps; both
// shapes are accepted.

func payloadDocument(p any) (Document, bool) {
	switch p := p.(type) {
	case Document:
		return p, true
	case nil:
		return nil, false
	default:
		return nil, false
	}
}

func payloadIncrement(p any) (IncrementPayload, bool) {
	switch p := p.(type) {
	case IncrementPayload:
		return p, true
	case Document:
		var inc IncrementPayload
		if remarshal(p, &inc) && inc.Field != "" {
			return inc, true
		}
	}
	return IncrementPayload{}, false
}

func payloadBatch(p any) (BatchPayload, bool) {
	switch p := p.(type) {
	case BatchPayload:
		return p, true
	case Document:
		var bp BatchPayload
		if remarshal(p, &bp) && (bp.BatchID != "" || len(bp.Items) > 0) {
			return bp, true
		}
	}
	return BatchPayload{}, false
}

func remarshal(src any, dst any) bool {
	raw, err := json.Marshal(src)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}
