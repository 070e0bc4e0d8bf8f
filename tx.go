package ixkv

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// ErrNoTransaction is returned by coordinator operations invoked without an
// active transaction scope.
var ErrNoTransaction = errors.New("no active transaction scope")

type DB struct {
	store        store
	codec        *Codec
	inv          *Inventory
	logger       *slog.Logger
	maxValueSize int
	maxAttempts  int
}

type Options struct {
	Logger *slog.Logger
	Codec  *Codec

	// Cache is the per-process index cache. Pass a shared instance when
	// multiple DBs should pool metadata; nil allocates a private one.
	Cache *IndexCache

	// MaxValueSize bounds a single stored value; larger records go multikey.
	MaxValueSize int

	// MaxAttempts bounds the retry loop of Tenant.Tx.
	MaxAttempts int

	IsTesting bool
}

// Open opens a Bolt-backed engine at path.
func Open(path string, opt Options) (*DB, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("ixkv: %w", err)
	}
	return newDB(newBoltStorage(bdb), opt), nil
}

// OpenMem opens a transient in-memory engine, intended for tests.
func OpenMem(opt Options) *DB {
	return newDB(newMemStorage(), opt)
}

func newDB(st store, opt Options) *DB {
	db := &DB{
		store:        st,
		codec:        opt.Codec,
		logger:       opt.Logger,
		maxValueSize: opt.MaxValueSize,
		maxAttempts:  opt.MaxAttempts,
	}
	if db.codec == nil {
		db.codec = DefaultCodec
	}
	if db.logger == nil {
		db.logger = slog.Default()
	}
	if db.maxValueSize == 0 {
		db.maxValueSize = 64 * 1024
	}
	if db.maxAttempts == 0 {
		db.maxAttempts = 10
	}
	cache := opt.Cache
	if cache == nil {
		cache = NewIndexCache()
	}
	db.inv = &Inventory{db: db, cache: cache}
	return db
}

func (db *DB) Close() {
	err := db.store.Close()
	if err != nil {
		panic(fmt.Errorf("ixkv: closing: %w", err))
	}
}

func (db *DB) Inventory() *Inventory {
	return db.inv
}

// Tenant returns a handle to an isolated key-space partition. The engine
// never reasons about partition boundaries itself; every transaction is bound
// to exactly one tenant, and mixing handles across tenants is a fatal
// programming error.
func (db *DB) Tenant(name string) *Tenant {
	return &Tenant{db: db, name: name}
}

type Tenant struct {
	db   *DB
	name string
}

func (t *Tenant) Name() string { return t.name }

// Tx runs fn in a transaction scope bound to this tenant, committing when fn
// returns nil. Retryable failures (stale index cache, store conflicts) rerun
// fn up to MaxAttempts times; everything else surfaces immediately.
func (t *Tenant) Tx(writable bool, fn func(txn *Txn) error) error {
	var err error
	for attempt := 0; attempt < t.db.maxAttempts; attempt++ {
		err = t.txOnce(writable, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		t.db.logger.Debug("ixkv: retrying transaction", "tenant", t.name, "attempt", attempt+1, "err", err)
	}
	return err
}

func (t *Tenant) txOnce(writable bool, fn func(txn *Txn) error) error {
	txn, err := t.begin(writable)
	if err != nil {
		return err
	}
	defer txn.Close()
	err = fn(txn)
	if err != nil {
		return err
	}
	if writable {
		return txn.commit()
	}
	return nil
}

// TxIn nests a transaction scope inside an enclosing one. When scope is
// active and belongs to the same tenant, it is reused; a scope belonging to a
// different tenant is a tenancy mismatch, failed outright and never retried.
// A nil or finished scope starts a fresh transaction.
func (t *Tenant) TxIn(scope *Txn, writable bool, fn func(txn *Txn) error) error {
	if scope != nil && !scope.closed {
		if scope.tenant.name != t.name || scope.tenant.db != t.db {
			return &TenancyError{Want: t.name, Got: scope.tenant.name}
		}
		return fn(scope)
	}
	return t.Tx(writable, fn)
}

// Read runs fn in a read-only scope.
func (t *Tenant) Read(fn func(txn *Txn) error) error {
	return t.Tx(false, fn)
}

func (t *Tenant) begin(writable bool) (*Txn, error) {
	stx, err := t.db.store.BeginTx(writable)
	if err != nil {
		return nil, err
	}
	part, err := stx.Partition(t.name)
	if err != nil {
		stx.Rollback()
		return nil, err
	}
	return &Txn{db: t.db, tenant: t, stx: stx, part: part}, nil
}

// Txn is a transaction scope: the explicit context value threaded through
// every engine call. It is bound to one tenant and owned by one logical task;
// the owner awaits all futures, and nobody else touches the scope.
type Txn struct {
	db     *DB
	tenant *Tenant
	stx    storeTx
	part   storePartition

	lastStampSeq  uint16
	commitVersion uint64
	committed     bool
	closed        bool
}

func (txn *Txn) Tenant() *Tenant { return txn.tenant }

func (txn *Txn) Writable() bool { return txn.stx.Writable() }

func (txn *Txn) requireActive() {
	if txn == nil || txn.closed {
		panic(ErrNoTransaction)
	}
}

// active is the error-returning counterpart of requireActive, used by
// coordinator operations.
func (txn *Txn) active() error {
	if txn == nil || txn.closed {
		return ErrNoTransaction
	}
	return nil
}

func (txn *Txn) commit() error {
	txn.requireActive()
	ver, err := txn.stx.Commit()
	if err != nil {
		return err
	}
	txn.commitVersion = ver
	txn.committed = true
	txn.closed = true
	return nil
}

// CommitVersion returns the store-assigned commit version. Only available
// after the scope has committed.
func (txn *Txn) CommitVersion() (uint64, error) {
	if !txn.committed {
		return 0, ErrIncompleteVersionstamp
	}
	return txn.commitVersion, nil
}

// Close rolls the scope back unless it has committed. Safe to call twice.
func (txn *Txn) Close() {
	if txn.closed {
		return
	}
	txn.closed = true
	ensure(txn.stx.Rollback())
}
