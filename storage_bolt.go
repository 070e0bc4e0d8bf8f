package ixkv

import (
	"unsafe"

	"go.etcd.io/bbolt"
)

// metaBucketName holds store-wide bookkeeping (the commit version counter).
// Tenant names must not collide with it.
const metaBucketName = "__ixkv_meta"

var lastCommitKey = []byte("lastcommit")

type boltStorage struct {
	bdb *bbolt.DB
	hub *watchHub
}

func newBoltStorage(bdb *bbolt.DB) store {
	return &boltStorage{bdb: bdb, hub: newWatchHub()}
}

func (s *boltStorage) WatchHub() *watchHub { return s.hub }

func (s *boltStorage) BeginTx(writable bool) (storeTx, error) {
	btx, err := s.bdb.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &boltTx{base: s, btx: btx, touched: make(map[string]struct{})}, nil
}

func (s *boltStorage) Close() error {
	return s.bdb.Close()
}

type boltTx struct {
	base    *boltStorage
	btx     *bbolt.Tx
	touched map[string]struct{}
}

func (tx *boltTx) Writable() bool { return tx.btx.Writable() }

func (tx *boltTx) Partition(name string) (storePartition, error) {
	if tx.btx.Writable() {
		b, err := tx.btx.CreateBucketIfNotExists(unsafeBytesFromString(name))
		if err != nil {
			return nil, err
		}
		return boltPartition{tx: tx, name: name, b: b}, nil
	}
	b := tx.btx.Bucket(unsafeBytesFromString(name))
	if b == nil {
		return nil, nil
	}
	return boltPartition{tx: tx, name: name, b: b}, nil
}

func (tx *boltTx) Commit() (uint64, error) {
	meta, err := tx.btx.CreateBucketIfNotExists(unsafeBytesFromString(metaBucketName))
	if err != nil {
		tx.btx.Rollback()
		return 0, err
	}
	var ver uint64 = 1
	if raw := meta.Get(lastCommitKey); len(raw) == 8 {
		ver = beUint64(raw) + 1
	}
	err = meta.Put(lastCommitKey, appendFixedUint64(nil, ver))
	if err != nil {
		tx.btx.Rollback()
		return 0, err
	}
	err = tx.btx.Commit()
	if err != nil {
		return 0, err
	}
	if len(tx.touched) > 0 {
		tx.base.hub.fire(tx.touched)
	}
	return ver, nil
}

func (tx *boltTx) Rollback() error {
	err := tx.btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}

type boltPartition struct {
	tx   *boltTx
	name string
	b    *bbolt.Bucket
}

func (p boltPartition) Get(key []byte) []byte { return p.b.Get(key) }

func (p boltPartition) Put(key, value []byte) error {
	err := p.b.Put(key, value)
	if err == nil {
		p.tx.touched[watchKey(p.name, key)] = struct{}{}
	}
	return err
}

func (p boltPartition) Delete(key []byte) error {
	err := p.b.Delete(key)
	if err == nil {
		p.tx.touched[watchKey(p.name, key)] = struct{}{}
	}
	return err
}

func (p boltPartition) AtomicMax(key []byte, v uint64) error {
	cur := p.b.Get(key)
	if len(cur) == 8 && beUint64(cur) >= v {
		return nil
	}
	return p.Put(key, appendFixedUint64(nil, v))
}

func (p boltPartition) Cursor() storeCursor {
	return &boltCursor{c: p.b.Cursor()}
}

type boltCursor struct {
	c *bbolt.Cursor
}

func (c *boltCursor) Seek(seek []byte) ([]byte, []byte) { return c.c.Seek(seek) }

func (c *boltCursor) Next() ([]byte, []byte) { return c.c.Next() }

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
