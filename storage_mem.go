package ixkv

import (
	"bytes"
	"slices"
	"sort"
	"sync"
)

type memStorage struct {
	mu         sync.Mutex
	cond       *sync.Cond
	partitions map[string]*memPartitionData
	lastCommit uint64
	hub        *watchHub
	closed     bool
	writer     bool
}

// newMemStorage returns a transient in-memory store implementation intended
// for tests. Writers are serialized; readers work on a snapshot.
func newMemStorage() store {
	s := &memStorage{
		partitions: make(map[string]*memPartitionData),
		hub:        newWatchHub(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) WatchHub() *watchHub { return s.hub }

func (s *memStorage) BeginTx(writable bool) (storeTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil, ErrStoreClosed
		}
		s.writer = true
	}

	// Snapshot the entire store for transactional isolation (simplicity over
	// efficiency).
	snap := make(map[string]*memPartitionData, len(s.partitions))
	for k, p := range s.partitions {
		snap[k] = p.clone()
	}

	return &memTx{
		base:       s,
		writable:   writable,
		partitions: snap,
		touched:    make(map[string]struct{}),
	}, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.partitions = nil
	s.cond.Broadcast()
	return nil
}

type memTx struct {
	base       *memStorage
	writable   bool
	partitions map[string]*memPartitionData
	touched    map[string]struct{}
	closed     bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) Partition(name string) (storePartition, error) {
	if tx.closed {
		panic("tx is closed")
	}
	p := tx.partitions[name]
	if p == nil {
		if !tx.writable {
			return nil, nil
		}
		p = &memPartitionData{}
		tx.partitions[name] = p
	}
	return &memPartition{tx: tx, name: name, data: p}, nil
}

func (tx *memTx) Commit() (uint64, error) {
	if tx.closed {
		panic("tx is closed")
	}
	s := tx.base
	s.mu.Lock()
	if !tx.writable {
		s.mu.Unlock()
		panic("commit of a read-only tx")
	}
	s.lastCommit++
	ver := s.lastCommit
	s.partitions = tx.partitions
	tx.closed = true
	s.writer = false
	s.cond.Broadcast()
	s.mu.Unlock()

	if len(tx.touched) > 0 {
		s.hub.fire(tx.touched)
	}
	return ver, nil
}

func (tx *memTx) Rollback() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	if tx.writable {
		s := tx.base
		s.mu.Lock()
		s.writer = false
		s.cond.Broadcast()
		s.mu.Unlock()
	}
	return nil
}

type memEntry struct {
	key   []byte
	value []byte
}

type memPartitionData struct {
	entries []memEntry
}

func (p *memPartitionData) clone() *memPartitionData {
	return &memPartitionData{entries: slices.Clone(p.entries)}
}

func (p *memPartitionData) search(key []byte) (int, bool) {
	i := sort.Search(len(p.entries), func(i int) bool {
		return bytes.Compare(p.entries[i].key, key) >= 0
	})
	return i, i < len(p.entries) && bytes.Equal(p.entries[i].key, key)
}

type memPartition struct {
	tx   *memTx
	name string
	data *memPartitionData
}

func (p *memPartition) Get(key []byte) []byte {
	i, found := p.data.search(key)
	if !found {
		return nil
	}
	return p.data.entries[i].value
}

func (p *memPartition) Put(key, value []byte) error {
	if !p.tx.writable {
		panic("put in a read-only tx")
	}
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	i, found := p.data.search(k)
	if found {
		p.data.entries[i].value = v
	} else {
		p.data.entries = slices.Insert(p.data.entries, i, memEntry{k, v})
	}
	p.tx.touched[watchKey(p.name, key)] = struct{}{}
	return nil
}

func (p *memPartition) Delete(key []byte) error {
	if !p.tx.writable {
		panic("delete in a read-only tx")
	}
	i, found := p.data.search(key)
	if found {
		p.data.entries = slices.Delete(p.data.entries, i, i+1)
		p.tx.touched[watchKey(p.name, key)] = struct{}{}
	}
	return nil
}

func (p *memPartition) AtomicMax(key []byte, v uint64) error {
	cur := p.Get(key)
	if cur != nil && len(cur) == 8 && beUint64(cur) >= v {
		return nil
	}
	return p.Put(key, appendFixedUint64(nil, v))
}

func (p *memPartition) Cursor() storeCursor {
	return &memCursor{data: p.data, pos: -1}
}

type memCursor struct {
	data *memPartitionData
	pos  int
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	i, _ := c.data.search(seek)
	c.pos = i
	return c.current()
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.pos < 0 {
		panic("cursor not positioned")
	}
	c.pos++
	return c.current()
}

func (c *memCursor) current() ([]byte, []byte) {
	if c.pos >= len(c.data.entries) {
		return nil, nil
	}
	e := c.data.entries[c.pos]
	return e.key, e.value
}
