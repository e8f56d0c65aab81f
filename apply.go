package syncstore

// The local-apply helpers are the single funnel through which every path
// (gateway writes, loader hydration, notifier replay) mutates the store and
// its indexes, so the index invariant holds regardless of origin.

func applyLocalSet(store *Store, indexes *IndexManager, collection, id string, data Document, merge bool) Document {
	before, _ := store.Get(collection, id)
	doc := store.Put(collection, id, data, merge)
	if before != nil {
		indexes.OnDelete(collection, id, before)
	}
	indexes.OnUpsert(collection, doc)
	return doc
}

func applyLocalDelete(store *Store, indexes *IndexManager, collection, id string) (Document, bool) {
	before, ok := store.Delete(collection, id)
	indexes.OnDelete(collection, id, before)
	return before, ok
}

func applyLocalIncrement(store *Store, indexes *IndexManager, collection, id, field string, delta float64) float64 {
	before, _ := store.Get(collection, id)
	v := store.Increment(collection, id, field, delta)
	after, _ := store.Get(collection, id)
	if before != nil {
		indexes.OnDelete(collection, id, before)
	}
	indexes.OnUpsert(collection, after)
	return v
}
