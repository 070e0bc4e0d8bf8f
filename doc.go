/*
Package ixkv implements a secondary-index metadata and query-planning engine
on top of an ordered, transactional key-value store (in this case, on top of
Bolt, with an in-memory store for tests).

We implement:

1. A key codec: deterministic packing of structured identifiers into byte
strings that preserve scan order, plus a fixed-width lossy encoding for index
values (4-byte hash by default, sortable timestamp text in time-series mode).

2. An index inventory: per-source index definitions persisted under a
reserved key prefix, cached per process, kept honest by a deferred
validation protocol against the source's schema version and migration claim.

3. A query planner: deterministic rule-based selection of the best index for
a constraint set. No cost statistics; no eligible index means the query
fails rather than silently scanning.

4. A transaction coordinator: insert/update/delete/clear against primary
records and their index entries as one atomic unit, with explicit conflict
policies and key-mutation watches.

5. A future pipeline and transaction-scoped versionstamps for batching
round-trips and ordering freshly written records.

# Technical Details

**Tenants.**
Every transaction is bound to one tenant, an isolated key-space partition
(a Bolt bucket). The engine passes tenant handles through without ever
reasoning about partition boundaries; using a transaction against a
different tenant than the one that opened it is a fatal programming error.

**Key layout** (within a tenant partition, components joined by the codec
delimiter):

1. Primary records: source, "d", identifier. Large records continue into
chunk keys suffixed with a fixed-width ordinal.

2. Index entries: source, "i", index name, fixed-width value block,
identifier.

3. Reserved metadata (0xFE prefix): index definition blobs (msgpack),
the source's schema version (atomic max counter), the migration claim.

**Cache protocol.**
A cached index set is trusted only if the schema version read by the
current transaction is not beyond the cached version and no migration claim
is in flight, both checked inside the transaction that uses the cache. The
check is deferred to the end of the operation: validation almost always
passes, so the full inventory read is skipped on the hot path, and a failed
check evicts the entry and retries the transaction.
*/
package ixkv
