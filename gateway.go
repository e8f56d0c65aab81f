package syncstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const emitTimeout = 15 * time.Second

// Gateway is the sole path for remote mutations. Every call updates the
// local store and its indexes synchronously before returning, so the
// initiating client never observes an eventual-consistency window for its
// own writes; propagation to other clients rides the change feed.
type Gateway struct {
	store   *Store
	indexes *IndexManager
	remote  RemoteStore
	feed    ChangeFeed
	log     *zap.Logger
	actor   func() string
	now     func() time.Time

	changelog       string
	denylist        map[string]bool
	inlineThreshold int
	commitCap       int

	emits sync.WaitGroup
}

type gatewayConfig struct {
	changelog       string
	denylist        []string
	inlineThreshold int
	commitCap       int
	actor           func() string
	now             func() time.Time
}

func newGateway(store *Store, indexes *IndexManager, remote RemoteStore, feed ChangeFeed, log *zap.Logger, cfg gatewayConfig) *Gateway {
	deny := make(map[string]bool, len(cfg.denylist)+1)
	deny[cfg.changelog] = true
	for _, name := range cfg.denylist {
		deny[name] = true
	}
	return &Gateway{
		store:           store,
		indexes:         indexes,
		remote:          remote,
		feed:            feed,
		log:             log,
		actor:           cfg.actor,
		now:             cfg.now,
		changelog:       cfg.changelog,
		denylist:        deny,
		inlineThreshold: cfg.inlineThreshold,
		commitCap:       cfg.commitCap,
	}
}

// Set upserts a document. With merge, incoming fields are merged into the
// existing document; otherwise the document is replaced.
func (g *Gateway) Set(ctx context.Context, collection, id string, data Document, merge bool) error {
	if collection == "" {
		return argErrf("set", "missing collection")
	}
	if id == "" {
		return argErrf("set", "missing document id in %s", collection)
	}

	data = g.stamped(collection, id, data)
	if err := g.remote.Set(ctx, collection, id, data, merge); err != nil {
		return remoteErrf("set", collection, id, err)
	}
	applyLocalSet(g.store, g.indexes, collection, id, data, merge)
	g.emit(&Record{Collection: collection, DocID: id, Action: ActionSet, Payload: cloneDocument(data)})
	return nil
}

// Update applies a field-level patch to an existing document.
func (g *Gateway) Update(ctx context.Context, collection, id string, fields Document) error {
	if collection == "" {
		return argErrf("update", "missing collection")
	}
	if id == "" {
		return argErrf("update", "missing document id in %s", collection)
	}

	fields = g.stamped(collection, id, fields)
	if err := g.remote.Set(ctx, collection, id, fields, true); err != nil {
		return remoteErrf("update", collection, id, err)
	}
	applyLocalSet(g.store, g.indexes, collection, id, fields, true)
	g.emit(&Record{Collection: collection, DocID: id, Action: ActionUpdate, Payload: cloneDocument(fields)})
	return nil
}

// Delete removes a document, carrying its pre-delete value in the change
// record as the audit payload.
func (g *Gateway) Delete(ctx context.Context, collection, id string) error {
	if collection == "" {
		return argErrf("delete", "missing collection")
	}
	if id == "" {
		return argErrf("delete", "missing document id in %s", collection)
	}

	before, _ := g.store.Get(collection, id)
	if before != nil {
		before = cloneDocument(before)
	}
	if err := g.remote.Delete(ctx, collection, id); err != nil {
		return remoteErrf("delete", collection, id, err)
	}
	applyLocalDelete(g.store, g.indexes, collection, id)
	g.emit(&Record{Collection: collection, DocID: id, Action: ActionDelete, Payload: before})
	return nil
}

// Increment atomically adds delta to a numeric field on the remote store and
// recomputes the local mirror as current+delta (missing current counts as 0).
func (g *Gateway) Increment(ctx context.Context, collection, id, field string, delta float64) error {
	if collection == "" {
		return argErrf("increment", "missing collection")
	}
	if id == "" {
		return argErrf("increment", "missing document id in %s", collection)
	}
	if field == "" {
		return argErrf("increment", "missing field for %s/%s", collection, id)
	}

	if _, err := g.remote.Increment(ctx, collection, id, field, delta); err != nil {
		return remoteErrf("increment", collection, id, err)
	}
	applyLocalIncrement(g.store, g.indexes, collection, id, field, delta)
	g.emit(&Record{Collection: collection, DocID: id, Action: ActionIncrement,
		Payload: IncrementPayload{Field: field, Delta: delta}})
	return nil
}

// Batch writes items in sequential remote commits no larger than the commit
// cap. Commits are not atomic across chunks: a later failure leaves earlier
// chunks durably applied (and mirrored locally). At or above the inline
// threshold every written document is tagged with a generated batch id and
// the change record carries only that id, forcing receivers to re-fetch;
// below it, the record embeds the full item list for in-memory replay.
// Returns the batch id ("" for inline batches).
func (g *Gateway) Batch(ctx context.Context, collection string, items []BatchItem) (string, error) {
	if collection == "" {
		return "", argErrf("batch", "missing collection")
	}
	if len(items) == 0 {
		return "", nil
	}
	for _, item := range items {
		if item.ID == "" {
			return "", argErrf("batch", "missing document id in %s", collection)
		}
	}

	var batchID string
	tagged := len(items) >= g.inlineThreshold
	if tagged {
		batchID = uuid.NewString()
	}

	staged := make([]BatchItem, len(items))
	for i, item := range items {
		if item.Op == ActionDelete {
			staged[i] = item
			continue
		}
		data := g.stamped(collection, item.ID, item.Data)
		if tagged {
			data["batch_id"] = batchID
		}
		staged[i] = BatchItem{ID: item.ID, Op: item.Op, Data: data}
	}

	for start := 0; start < len(staged); start += g.commitCap {
		end := start + g.commitCap
		if end > len(staged) {
			end = len(staged)
		}
		chunk := staged[start:end]

		b := g.remote.NewBatch()
		for _, item := range chunk {
			if item.Op == ActionDelete {
				b.Delete(collection, item.ID)
			} else {
				b.Set(collection, item.ID, item.Data, item.Op != ActionSet)
			}
		}
		if err := b.Commit(ctx); err != nil {
			return batchID, remoteErrf("batch commit", collection, "", err)
		}
		for _, item := range chunk {
			g.applyItem(collection, item)
		}
	}

	payload := BatchPayload{BatchID: batchID}
	if !tagged {
		payload.Items = staged
	}
	g.emit(&Record{Collection: collection, Action: ActionBatch, Payload: payload})
	return batchID, nil
}

// AttachToBatch stages a mutation onto a caller-supplied remote batch and
// mirrors it locally. The caller owns the commit and the corresponding
// change-record emission; nothing is emitted here, so the caller must not
// double-emit either.
func (g *Gateway) AttachToBatch(b Batch, collection string, item BatchItem) error {
	if collection == "" {
		return argErrf("attach", "missing collection")
	}
	if item.ID == "" {
		return argErrf("attach", "missing document id in %s", collection)
	}
	if item.Op == ActionDelete {
		b.Delete(collection, item.ID)
	} else {
		item.Data = g.stamped(collection, item.ID, item.Data)
		b.Set(collection, item.ID, item.Data, item.Op != ActionSet)
	}
	g.applyItem(collection, item)
	return nil
}

func (g *Gateway) applyItem(collection string, item BatchItem) {
	if item.Op == ActionDelete {
		applyLocalDelete(g.store, g.indexes, collection, item.ID)
	} else {
		applyLocalSet(g.store, g.indexes, collection, item.ID, item.Data, item.Op != ActionSet)
	}
}

// stamped clones data and adds the write timestamps: updated_at always (the
// delta-sync anchor), created_at only for documents the local store has not
// seen.
func (g *Gateway) stamped(collection, id string, data Document) Document {
	out := cloneDocument(data)
	now := g.now()
	out["updated_at"] = now
	if _, ok := out["created_at"]; !ok {
		if _, exists := g.store.Get(collection, id); !exists {
			out["created_at"] = now
		}
	}
	return out
}

// emit publishes a change record for other clients, fire and forget.
// Emission is skipped for the change-log collection itself and for
// infrastructure collections (counters, configuration) to avoid feedback
// loops; failures are logged and never block the primary mutation.
func (g *Gateway) emit(rec *Record) {
	if g.denylist[rec.Collection] {
		return
	}
	rec.Type = RecordTypeDataChange
	if g.actor != nil {
		rec.CreatedBy = g.actor()
	}
	g.emits.Add(1)
	go func() {
		defer g.emits.Done()
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := g.feed.Publish(ctx, rec); err != nil {
			g.log.Warn("change record emission failed",
				zap.String("collection", rec.Collection),
				zap.String("doc", rec.DocID),
				zap.Stringer("action", rec.Action),
				zap.Error(err))
		}
	}()
}

// waitEmits blocks until in-flight emissions settle; used by tests and Close.
func (g *Gateway) waitEmits() {
	g.emits.Wait()
}
