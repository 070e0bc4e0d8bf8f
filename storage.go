package ixkv

import "sync"

// store abstracts the ordered transactional key-value backend the engine
// runs on. The engine requires ordered range scans, an atomic single-key
// monotonic max, transactions that assign a monotonic commit version, and
// key-mutation watches. It never implements storage itself.
type store interface {
	// BeginTx starts a new transaction. Writable transactions are exclusive:
	// the backend serializes writers, which is how both built-in backends
	// satisfy the conflict-detection obligation (a serialized writer never
	// observes a concurrent writer's partial state).
	BeginTx(writable bool) (storeTx, error)

	// WatchHub returns the notifier used to signal key mutations.
	WatchHub() *watchHub

	// Close closes the storage.
	Close() error
}

// storeTx represents a storage transaction.
type storeTx interface {
	Writable() bool

	// Partition returns an isolated key-space partition, creating it when the
	// transaction is writable. Read-only transactions get nil for partitions
	// that don't exist.
	Partition(name string) (storePartition, error)

	// Commit commits and returns the store-assigned commit version, a
	// monotonically increasing value shared by all partitions.
	Commit() (uint64, error)

	// Rollback aborts the transaction. Safe to call after Commit.
	Rollback() error
}

// storePartition is a sorted key-value map private to one tenant.
type storePartition interface {
	// Get retrieves a value by key. Returns nil if not found.
	Get(key []byte) []byte

	// Put stores a key-value pair.
	Put(key, value []byte) error

	// Delete removes a key.
	Delete(key []byte) error

	// AtomicMax sets key to the 8-byte big-endian encoding of v unless the
	// current value is already numerically greater.
	AtomicMax(key []byte, v uint64) error

	// Cursor returns a forward cursor over the partition.
	Cursor() storeCursor
}

// storeCursor iterates a partition in ascending key order.
type storeCursor interface {
	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// Next moves to the next key-value pair.
	Next() (key, value []byte)
}

// Watch delivers a single notification when a watched key is mutated by a
// transaction committing after the watch was established.
type Watch struct {
	C    <-chan struct{}
	hub  *watchHub
	id   uint64
	wkey string
}

// Cancel releases the watch. Safe to call more than once.
func (w *Watch) Cancel() {
	w.hub.cancel(w.wkey, w.id)
}

// watchHub fans key-mutation notifications out to registered watches. Both
// backends route every committed mutation through a single hub.
type watchHub struct {
	mu      sync.Mutex
	lastID  uint64
	watches map[string]map[uint64]chan struct{}
}

func newWatchHub() *watchHub {
	return &watchHub{watches: make(map[string]map[uint64]chan struct{})}
}

func watchKey(partition string, key []byte) string {
	return partition + "\x00" + string(key)
}

func (h *watchHub) watch(partition string, key []byte) *Watch {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastID++
	wkey := watchKey(partition, key)
	slot := make(chan struct{}, 1)
	m := h.watches[wkey]
	if m == nil {
		m = make(map[uint64]chan struct{})
		h.watches[wkey] = m
	}
	m[h.lastID] = slot
	return &Watch{C: slot, hub: h, id: h.lastID, wkey: wkey}
}

func (h *watchHub) cancel(wkey string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m := h.watches[wkey]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(h.watches, wkey)
		}
	}
}

// fire signals every watch registered for any of the given mutation keys.
// Called once per committed transaction, after the commit is durable.
func (h *watchHub) fire(wkeys map[string]struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for wkey := range wkeys {
		m := h.watches[wkey]
		if m == nil {
			continue
		}
		for id, slot := range m {
			select {
			case slot <- struct{}{}:
			default:
			}
			delete(m, id)
		}
		delete(h.watches, wkey)
	}
}
