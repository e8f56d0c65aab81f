package syncstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRemote is a RemoteStore and ChangeFeed over Redis. Documents live in
// hashes (one field per document field, JSON-encoded values, numbers kept
// plain so HINCRBYFLOAT works), collection membership in sets, and the
// change log in a sorted set scored by server time with pub/sub fan-out.
//
// Redis has no server-side field predicates, so Query fetches the collection
// and filters client-side; acceptable for the collection sizes this layer
// mirrors anyway.
type RedisRemote struct {
	rdb    *redis.Client
	log    *zap.Logger
	prefix string
}

func NewRedisRemote(rdb *redis.Client, log *zap.Logger) *RedisRemote {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisRemote{rdb: rdb, log: log, prefix: "syncstore"}
}

func (r *RedisRemote) docKey(collection, id string) string {
	return r.prefix + ":doc:" + collection + ":" + id
}

func (r *RedisRemote) collKey(collection string) string {
	return r.prefix + ":coll:" + collection
}

func (r *RedisRemote) logKey() string {
	return r.prefix + ":changelog"
}

func (r *RedisRemote) Get(ctx context.Context, collection, id string) (Document, error) {
	fields, err := r.rdb.HGetAll(ctx, r.docKey(collection, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeHashDoc(id, fields), nil
}

func (r *RedisRemote) Query(ctx context.Context, q Query) ([]Document, error) {
	ids, err := r.rdb.SMembers(ctx, r.collKey(q.Collection)).Result()
	if err != nil {
		return nil, err
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.docKey(q.Collection, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	var out []Document
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		doc := decodeHashDoc(ids[i], fields)
		if matchesFilters(doc, q.Filters) {
			out = append(out, doc)
		}
	}
	if q.OrderBy != "" {
		kept := out[:0]
		for _, doc := range out {
			if _, ok := doc[q.OrderBy]; ok {
				kept = append(kept, doc)
			}
		}
		out = kept
		SortDocuments(out, q.OrderBy, orderDirection(q.Desc))
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func orderDirection(desc bool) string {
	if desc {
		return SortDesc
	}
	return SortAsc
}

func (r *RedisRemote) Set(ctx context.Context, collection, id string, data Document, merge bool) error {
	enc, err := encodeHashDoc(data)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	key := r.docKey(collection, id)
	if !merge {
		pipe.Del(ctx, key)
	}
	if len(enc) > 0 {
		pipe.HSet(ctx, key, enc)
	}
	pipe.SAdd(ctx, r.collKey(collection), id)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisRemote) Delete(ctx context.Context, collection, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, r.docKey(collection, id))
	pipe.SRem(ctx, r.collKey(collection), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRemote) Increment(ctx context.Context, collection, id, field string, delta float64) (float64, error) {
	key := r.docKey(collection, id)
	v, err := r.rdb.HIncrByFloat(ctx, key, field, delta).Result()
	if err != nil {
		return 0, err
	}
	// The hash may be new; keep membership consistent.
	if err := r.rdb.SAdd(ctx, r.collKey(collection), id).Err(); err != nil {
		return v, err
	}
	return v, nil
}

type redisBatch struct {
	r   *RedisRemote
	ops []memOp
}

func (r *RedisRemote) NewBatch() Batch {
	return &redisBatch{r: r}
}

func (b *redisBatch) Set(collection, id string, data Document, merge bool) {
	b.ops = append(b.ops, memOp{collection: collection, id: id, data: data, merge: merge})
}

func (b *redisBatch) Delete(collection, id string) {
	b.ops = append(b.ops, memOp{collection: collection, id: id, delete: true})
}

func (b *redisBatch) Len() int {
	return len(b.ops)
}

func (b *redisBatch) Commit(ctx context.Context) error {
	if len(b.ops) > memHardLimit {
		return fmt.Errorf("batch of %d ops exceeds limit of %d", len(b.ops), memHardLimit)
	}
	pipe := b.r.rdb.TxPipeline()
	for _, op := range b.ops {
		key := b.r.docKey(op.collection, op.id)
		if op.delete {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, b.r.collKey(op.collection), op.id)
			continue
		}
		enc, err := encodeHashDoc(op.data)
		if err != nil {
			return err
		}
		if !op.merge {
			pipe.Del(ctx, key)
		}
		if len(enc) > 0 {
			pipe.HSet(ctx, key, enc)
		}
		pipe.SAdd(ctx, b.r.collKey(op.collection), op.id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRemote) Publish(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	now, err := r.serverTime(ctx)
	if err != nil {
		return err
	}
	rec.CreatedAt = now
	raw, err := rec.MarshalWire()
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.ZAdd(ctx, r.logKey(), redis.Z{Score: float64(now.UnixMicro()), Member: string(raw)})
	pipe.Publish(ctx, r.logKey(), string(raw))
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisRemote) Subscribe(ctx context.Context, since time.Time, fn func([]Record)) (func(), error) {
	pubsub := r.rdb.Subscribe(ctx, r.logKey())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	raws, err := r.rdb.ZRangeByScore(ctx, r.logKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMicro(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	go func() {
		if backlog := decodeRecords(raws, r.log); len(backlog) > 0 {
			fn(backlog)
		}
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if recs := decodeRecords([]string{msg.Payload}, r.log); len(recs) > 0 {
					fn(recs)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() { pubsub.Close() }, nil
}

func (r *RedisRemote) Prune(ctx context.Context, olderThan time.Time) error {
	max := strconv.FormatInt(olderThan.UnixMicro()-1, 10)
	return r.rdb.ZRemRangeByScore(ctx, r.logKey(), "-inf", max).Err()
}

func (r *RedisRemote) Close() error {
	return r.rdb.Close()
}

// serverTime reads the Redis server clock, the timestamp authority for all
// published records.
func (r *RedisRemote) serverTime(ctx context.Context) (time.Time, error) {
	t, err := r.rdb.Time(ctx).Result()
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func decodeRecords(raws []string, log *zap.Logger) []Record {
	out := make([]Record, 0, len(raws))
	for _, raw := range raws {
		rec, err := UnmarshalWire([]byte(raw))
		if err != nil {
			log.Warn("skipping undecodable change record", zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out
}

// encodeHashDoc renders document fields for HSET: numbers plain (so HINCRBY
// variants work), timestamps RFC3339, everything else JSON.
func encodeHashDoc(data Document) (map[string]string, error) {
	out := make(map[string]string, len(data))
	for k, v := range data {
		if n, ok := asNumber(v); ok {
			out[k] = trimFloat(n)
			continue
		}
		if t, ok := v.(time.Time); ok {
			out[k] = strconv.Quote(t.UTC().Format(time.RFC3339Nano))
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding field %s: %w", k, err)
		}
		out[k] = string(raw)
	}
	return out, nil
}

func decodeHashDoc(id string, fields map[string]string) Document {
	doc := make(Document, len(fields)+1)
	for k, raw := range fields {
		if n, err := strconv.ParseFloat(raw, 64); err == nil {
			doc[k] = n
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			doc[k] = raw
			continue
		}
		if s, ok := v.(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				doc[k] = t
				continue
			}
		}
		doc[k] = v
	}
	doc["id"] = id
	return doc
}
