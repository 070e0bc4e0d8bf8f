package ixkv

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
)

// IndexDefinition describes one index of a data source. Definitions are
// created by migrations and immutable afterwards: the field list of a live
// index never changes, and only an explicit migration deletes one. At most
// one definition exists per (source, name).
type IndexDefinition struct {
	Name     string       `msgpack:"n"`
	Source   string       `msgpack:"s"`
	Fields   []string     `msgpack:"f"`
	Indexer  IndexerKind  `msgpack:"k"`
	Options  IndexOptions `msgpack:"o"`
	Priority int          `msgpack:"p,omitempty"`
}

type IndexOptions struct {
	// TimeSeries encodes the trailing field order-preserving instead of
	// hashing it, enabling range queries over timestamps.
	TimeSeries bool `msgpack:"ts,omitempty"`
}

func (def *IndexDefinition) FullName() string {
	return def.Source + "." + def.Name
}

// valueModes returns the fixed-width encoding mode of each indexed field.
func (def *IndexDefinition) valueModes() []indexValueMode {
	modes := make([]indexValueMode, len(def.Fields))
	if def.Options.TimeSeries {
		modes[len(modes)-1] = indexValueTimeSeries
	}
	return modes
}

func (def *IndexDefinition) valueWidth() int {
	var w int
	for _, m := range def.valueModes() {
		w += m.width()
	}
	return w
}

func (def *IndexDefinition) fieldMode(name string) (indexValueMode, bool) {
	for i, f := range def.Fields {
		if f == name {
			return def.valueModes()[i], true
		}
	}
	return 0, false
}

// IndexSnapshot is the index set of a source as observed by one transaction,
// sorted by descending priority (stable on inventory order).
type IndexSnapshot struct {
	Source  string
	Version uint64
	Indexes []*IndexDefinition
}

func (s *IndexSnapshot) IndexNamed(name string) *IndexDefinition {
	for _, def := range s.Indexes {
		if def.Name == name {
			return def
		}
	}
	return nil
}

// Inventory supplies the authoritative, transactionally-consistent index set
// per data source, backed by the per-process cache.
type Inventory struct {
	db    *DB
	cache *IndexCache
}

func (inv *Inventory) Cache() *IndexCache { return inv.cache }

// BeginRead returns the index snapshot for source plus a pending validation.
// The caller performs its main work against the snapshot first and invokes
// Check last: validation succeeds overwhelmingly often, so the expensive
// inventory range read is skipped on the optimistic path. Correctness never
// depends on skipping it: when Check fails, all work that depended on the
// snapshot must be discarded and the transaction retried.
//
// On a cache hit, two reads are scheduled in this transaction (the source's
// schema version and the migration claim flag) but not awaited until Check.
// On a miss, the inventory key range is read in full, the cache is populated
// at the version read in the same pass, and Check trivially passes.
func (inv *Inventory) BeginRead(txn *Txn, source string) (*IndexSnapshot, *PendingValidation, error) {
	if err := txn.active(); err != nil {
		return nil, nil, err
	}
	codec := inv.db.codec

	if e, ok := inv.cache.get(txn.tenant.name, source); ok {
		versionF := scheduleFuture(txn, func() ([]byte, error) {
			return txn.partGet(codec.metaVersionKey(source))
		}, decodeVersionValue)
		claimF := scheduleFuture(txn, func() ([]byte, error) {
			return txn.partGet(codec.metaClaimKey(source))
		}, func(raw []byte) (bool, error) {
			return raw != nil, nil
		})
		snap := &IndexSnapshot{Source: source, Version: e.Version, Indexes: e.Indexes}
		pv := &PendingValidation{
			inv:           inv,
			txn:           txn,
			source:        source,
			cachedVersion: e.Version,
			versionF:      versionF,
			claimF:        claimF,
		}
		return snap, pv, nil
	}

	snap, err := inv.loadSnapshot(txn, source)
	if err != nil {
		return nil, nil, err
	}
	inv.cache.put(txn.tenant.name, source, &CachedIndexSet{
		Version:   snap.Version,
		Indexes:   snap.Indexes,
		FetchedAt: time.Now(),
	})
	return snap, &PendingValidation{fresh: true}, nil
}

// loadSnapshot performs the full inventory range read for source.
func (inv *Inventory) loadSnapshot(txn *Txn, source string) (*IndexSnapshot, error) {
	codec := inv.db.codec
	snap := &IndexSnapshot{Source: source}

	if txn.part != nil {
		lo, hi := PrefixRange(codec.metaIndexPrefix(source))
		cur := txn.part.Cursor()
		for k, v := cur.Seek(lo); k != nil; k, v = cur.Next() {
			if hi != nil && bytes.Compare(k, hi) >= 0 {
				break
			}
			def := new(IndexDefinition)
			err := defaultValueEncoding.DecodeValue(v, reflect.ValueOf(def))
			if err != nil {
				return nil, err
			}
			snap.Indexes = append(snap.Indexes, def)
		}
		if raw := txn.part.Get(codec.metaVersionKey(source)); raw != nil {
			snap.Version = beUint64(raw)
		}
	}

	sort.SliceStable(snap.Indexes, func(i, j int) bool {
		return snap.Indexes[i].Priority > snap.Indexes[j].Priority
	})
	return snap, nil
}

// PendingValidation is the deferred half of BeginRead's two-phase protocol.
type PendingValidation struct {
	inv           *Inventory
	txn           *Txn
	source        string
	cachedVersion uint64
	fresh         bool
	versionF      *Future[uint64]
	claimF        *Future[bool]
}

// Check confirms that the snapshot handed out by BeginRead is still the live
// index set: the schema version observed by this transaction must not exceed
// the cached version, and no migration claim may be in flight. On failure the
// cache entry is evicted and ErrStaleIndexCache is returned; it reuses the
// same retry path as an ordinary store conflict.
func (pv *PendingValidation) Check() error {
	if pv.fresh {
		return nil
	}
	err := awaitAll(pv.txn, pv.versionF, pv.claimF)
	if err != nil {
		return err
	}
	observed, err := pv.versionF.Result()
	if err != nil {
		return err
	}
	claimed, err := pv.claimF.Result()
	if err != nil {
		return err
	}
	if observed > pv.cachedVersion || claimed {
		pv.inv.cache.markStale(pv.txn.tenant.name, pv.source)
		return ErrStaleIndexCache
	}
	return nil
}

// CreateIndex persists a new index definition, backfills entries for existing
// records, and bumps the source's schema version, all within txn. Invoked by
// the migration layer, once per index.
func (inv *Inventory) CreateIndex(txn *Txn, def IndexDefinition) error {
	if err := txn.active(); err != nil {
		return err
	}
	if def.Source == "" || def.Name == "" || len(def.Fields) == 0 {
		return fmt.Errorf("index definition requires a source, a name and at least one field")
	}
	if !def.Indexer.valid() {
		return fmt.Errorf("unknown indexer kind %d for index %s", def.Indexer, def.FullName())
	}
	codec := inv.db.codec
	metaKey := codec.metaIndexKey(def.Source, def.Name)
	if txn.part.Get(metaKey) != nil {
		return fmt.Errorf("index %s already exists", def.FullName())
	}

	blob := defaultValueEncoding.EncodeValue(nil, reflect.ValueOf(&def))
	if err := txn.part.Put(metaKey, blob); err != nil {
		return err
	}
	if err := inv.backfill(txn, &def); err != nil {
		return err
	}
	if err := inv.bumpVersion(txn, def.Source); err != nil {
		return err
	}
	inv.cache.Evict(txn.tenant.name, def.Source)
	return nil
}

// DeleteIndex removes an index definition and its entries. Only migrations
// call this; record operations never delete definitions.
func (inv *Inventory) DeleteIndex(txn *Txn, source, name string) error {
	if err := txn.active(); err != nil {
		return err
	}
	codec := inv.db.codec
	metaKey := codec.metaIndexKey(source, name)
	if txn.part.Get(metaKey) == nil {
		return fmt.Errorf("index %s.%s does not exist", source, name)
	}
	if err := txn.part.Delete(metaKey); err != nil {
		return err
	}
	lo, hi := PrefixRange(codec.indexPrefix(source, name))
	if _, err := deleteRange(txn.part, lo, hi); err != nil {
		return err
	}
	if err := inv.bumpVersion(txn, source); err != nil {
		return err
	}
	inv.cache.Evict(txn.tenant.name, source)
	return nil
}

func (inv *Inventory) bumpVersion(txn *Txn, source string) error {
	key := inv.db.codec.metaVersionKey(source)
	var cur uint64
	if raw := txn.part.Get(key); raw != nil {
		cur = beUint64(raw)
	}
	return txn.part.AtomicMax(key, cur+1)
}

func (inv *Inventory) backfill(txn *Txn, def *IndexDefinition) error {
	lo, hi := PrefixRange(inv.db.codec.primaryPrefix(def.Source))
	cur := txn.part.Cursor()
	var primaries [][]byte
	for k, _ := cur.Seek(lo); k != nil; k, _ = cur.Next() {
		if hi != nil && bytes.Compare(k, hi) >= 0 {
			break
		}
		if isChunkKey(inv.db.codec, k) {
			continue
		}
		primaries = append(primaries, append([]byte(nil), k...))
	}
	for _, primary := range primaries {
		rec, err := readRecord(txn.part, inv.db.codec, def.Source, primary)
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}
		err = def.Indexer.applyInsert(txn, def, rec)
		if err != nil {
			return err
		}
	}
	return nil
}

// ClaimMigration marks a schema change as in flight for source, which
// conservatively invalidates every process's cached index set through the
// deferred validation protocol. Fails if another claim is already held.
func (inv *Inventory) ClaimMigration(txn *Txn, source string) (uuid.UUID, error) {
	if err := txn.active(); err != nil {
		return uuid.Nil, err
	}
	key := inv.db.codec.metaClaimKey(source)
	if txn.part.Get(key) != nil {
		return uuid.Nil, fmt.Errorf("migration already claimed for source %q", source)
	}
	owner := uuid.New()
	err := txn.part.Put(key, owner[:])
	if err != nil {
		return uuid.Nil, err
	}
	return owner, nil
}

// ReleaseMigration clears the claim. The owner token must match the one
// returned by ClaimMigration.
func (inv *Inventory) ReleaseMigration(txn *Txn, source string, owner uuid.UUID) error {
	if err := txn.active(); err != nil {
		return err
	}
	key := inv.db.codec.metaClaimKey(source)
	cur := txn.part.Get(key)
	if cur == nil {
		return fmt.Errorf("no migration claim held for source %q", source)
	}
	if !bytes.Equal(cur, owner[:]) {
		return fmt.Errorf("migration claim for source %q held by another owner", source)
	}
	return txn.part.Delete(key)
}

func decodeVersionValue(raw []byte) (uint64, error) {
	if raw == nil {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, dataErrf(raw, 0, nil, "schema version value must be 8 bytes")
	}
	return beUint64(raw), nil
}

// partGet reads a key from the transaction's partition, tolerating a missing
// partition in read-only transactions.
func (txn *Txn) partGet(key []byte) ([]byte, error) {
	if txn.part == nil {
		return nil, nil
	}
	return txn.part.Get(key), nil
}

// isChunkKey reports whether k is a multikey continuation key: a primary key
// followed by a delimiter and a fixed-width chunk ordinal.
func isChunkKey(codec *Codec, k []byte) bool {
	d := len(codec.Delimiter)
	if len(k) < 4+d {
		return false
	}
	return bytes.Equal(k[len(k)-4-d:len(k)-4], codec.Delimiter)
}
