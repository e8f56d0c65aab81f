package syncstore

import (
	"context"
	"errors"
	"regexp"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CountersCollection holds one counter record per collection:
// {last_no, prefix}. It is on the gateway's emission denylist.
const CountersCollection = "counters"

// fallbackScopedPrefix is used for scoped collections generated without a
// scope id.
const fallbackScopedPrefix = "sub_"

var trailingNumberRe = regexp.MustCompile(`^(.*?)(\d+)$`)

// Generator derives unique per-collection document identifiers from counter
// records, seeding new counters from the most recently created document's id.
type Generator struct {
	remote RemoteStore
	log    *zap.Logger
}

func NewGenerator(remote RemoteStore, log *zap.Logger) *Generator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{remote: remote, log: log}
}

// GenerateOne issues a single id for a collection. For scoped (child)
// collections pass the parent's id as scopeID; it becomes the id prefix.
func (g *Generator) GenerateOne(ctx context.Context, collection, scopeID string) (string, error) {
	ids, err := g.GenerateMany(ctx, collection, 1, scopeID)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// GenerateMany issues count sequential ids from a single counter read and a
// single counter advance, regardless of count. Bulk inserts must use this
// rather than looping GenerateOne.
func (g *Generator) GenerateMany(ctx context.Context, collection string, count int, scopeID string) ([]string, error) {
	if collection == "" {
		return nil, argErrf("generate", "missing collection")
	}
	if count < 1 {
		return nil, argErrf("generate", "count must be positive, got %d", count)
	}

	counterID := collection
	if scopeID != "" {
		counterID = scopeID + "_" + collection
	}

	counter, err := g.remote.Get(ctx, CountersCollection, counterID)
	switch {
	case err == nil:
		prefix, _ := counter["prefix"].(string)
		// The advance is a single atomic remote increment, so concurrent
		// generators never hand out overlapping ranges.
		end, err := g.remote.Increment(ctx, CountersCollection, counterID, "last_no", float64(count))
		if err != nil {
			return nil, remoteErrf("advance counter", CountersCollection, counterID, err)
		}
		return sequentialIDs(prefix, int64(end)-int64(count), count), nil

	case errors.Is(err, ErrNotFound):
		prefix, start, ok := g.deriveCounter(ctx, collection, scopeID)
		if !ok {
			// Derivation failed; hand out random short ids. The collision
			// risk is accepted and not corrected.
			return randomIDs(count), nil
		}
		if err := g.remote.Set(ctx, CountersCollection, counterID, Document{
			"last_no": float64(start + int64(count)),
			"prefix":  prefix,
		}, false); err != nil {
			return nil, remoteErrf("seed counter", CountersCollection, counterID, err)
		}
		return sequentialIDs(prefix, start, count), nil

	default:
		return nil, remoteErrf("read counter", CountersCollection, counterID, err)
	}
}

// deriveCounter seeds a missing counter by inspecting the most recently
// created document of the collection: a bare numeric id is used directly, a
// prefix-number id is split, and anything else fails derivation.
func (g *Generator) deriveCounter(ctx context.Context, collection, scopeID string) (prefix string, start int64, ok bool) {
	docs, err := g.remote.Query(ctx, Query{
		Collection: collection,
		OrderBy:    "created_at",
		Desc:       true,
		Limit:      1,
	})
	if err != nil {
		g.log.Warn("counter derivation query failed, falling back to random ids",
			zap.String("collection", collection), zap.Error(err))
		return "", 0, false
	}

	if scopeID != "" {
		prefix = scopeID + "_"
	}

	if len(docs) == 0 {
		if prefix == "" {
			prefix = fallbackScopedPrefix
		}
		return prefix, 0, true
	}

	lastID, _ := docs[0]["id"].(string)
	m := trailingNumberRe.FindStringSubmatch(lastID)
	if m == nil {
		g.log.Warn("latest document id carries no numeric suffix, falling back to random ids",
			zap.String("collection", collection), zap.String("id", lastID))
		return "", 0, false
	}
	n, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", 0, false
	}
	if prefix == "" {
		prefix = m[1]
	}
	return prefix, n, true
}

// sequentialIDs renders ids prefix+(start+1) … prefix+(start+count).
func sequentialIDs(prefix string, start int64, count int) []string {
	ids := make([]string, count)
	for i := range ids {
		ids[i] = prefix + strconv.FormatInt(start+int64(i)+1, 10)
	}
	return ids
}

func randomIDs(count int) []string {
	ids := make([]string, count)
	for i := range ids {
		ids[i] = uuid.NewString()[:8]
	}
	return ids
}
