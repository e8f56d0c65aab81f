/*
Package syncstore keeps an in-memory mirror of a remote document database
reasonably fresh and internally consistent for a multi-user client, while
minimizing round-trips to the remote store.

We implement:

1. A local store: named collections of schemaless, string-keyed documents.

2. Secondary indexes: derived group-by views over primary collections,
never independently authoritative.

3. A single mutation funnel (the gateway): every remote write updates the
local store and its indexes synchronously before returning, then emits a
change record for other clients, fire and forget.

4. Bulk and delta loading with client-side ordering. The integrated remote
store's native ordering silently excludes documents lacking the sort field,
so no remote ordering is ever requested; a type-classifying stable sorter
orders results after fetch.

5. A change-feed delta-sync protocol: mutations propagate between clients
as change records in a shared change-log, deduplicated per document by
server timestamp before replay.

6. A time-bounded durable cache (Bolt) so a reload can restore the local
store and catch up with a delta sync instead of a full load.

7. Per-collection identifier generation from counter records, with bulk
generation costing a single counter read and a single atomic advance.

# Technical Details

**Consistency.** The initiating client sees no eventual-consistency window
for its own writes. Propagation to other clients is eventually consistent,
bounded by feed latency and the dedup-by-timestamp rule: when two records
target the same document, only the one with the greater server timestamp is
applied.

**Batches.** Multi-document writes commit in sequential chunks below the
remote store's per-commit ceiling, with no cross-chunk atomicity. Small
batches embed their item list in the change record for in-memory replay;
large batches tag every document with a generated batch id and receivers
re-fetch by tag.

**Transports.** The remote store and the change feed are interfaces. This
package ships an in-memory implementation (tests, standalone use), a Redis
adapter (hash-per-document storage, sorted-set change log, pub/sub fan-out),
and a websocket feed client with backoff reconnect.
*/
package syncstore
