package ixkv

// The future pipeline lets a transaction issue many independent store reads
// without observing any result until an explicit await, then collect every
// result at once. The store serves reads from the transaction's snapshot, so
// deferral is free; the contract exists so that callers batch round-trips
// instead of interleaving reads with decisions, and so that the one-logical-
// task-per-transaction rule stays enforceable: futures must be awaited by the
// task that owns the transaction, never concurrently from another goroutine.

// Future is a handle to a pending store operation plus a lazy transform.
// Reading the result before the future was awaited is a pipelining violation.
type Future[T any] struct {
	txn     *Txn
	resolve func() (T, error)
	value   T
	err     error
	done    bool
}

// awaitable lets heterogeneously-typed futures go through one awaitAll.
type awaitable interface {
	owner() *Txn
	await()
}

func (f *Future[T]) owner() *Txn { return f.txn }

func (f *Future[T]) await() {
	if f.done {
		return
	}
	f.value, f.err = f.resolve()
	f.resolve = nil
	f.done = true
}

// Result returns the memoized transformed value. The future must have been
// awaited first.
func (f *Future[T]) Result() (T, error) {
	if !f.done {
		var zero T
		return zero, &PipelineError{Msg: "future result read before await"}
	}
	return f.value, f.err
}

// resolvedFuture wraps an already-known value. It still requires an await,
// keeping the pipelining discipline uniform.
func resolvedFuture[T any](txn *Txn, v T) *Future[T] {
	return &Future[T]{txn: txn, resolve: func() (T, error) { return v, nil }}
}

// scheduleOp registers a non-blocking store operation. Returns immediately;
// resolve runs at await time, against the transaction's snapshot.
func scheduleOp[T any](txn *Txn, resolve func() (T, error)) *Future[T] {
	return &Future[T]{txn: txn, resolve: resolve}
}

// scheduleFuture registers a non-blocking store read with a transform applied
// to the raw result at await time.
func scheduleFuture[T any](txn *Txn, fetch func() ([]byte, error), transform func([]byte) (T, error)) *Future[T] {
	return scheduleOp(txn, func() (T, error) {
		raw, err := fetch()
		if err != nil {
			var zero T
			return zero, err
		}
		return transform(raw)
	})
}

// chainFuture composes a further transform after a prior future without
// evaluating anything. The resulting chain is flattened at await time.
func chainFuture[T, U any](f *Future[T], transform func(T) (U, error)) *Future[U] {
	return &Future[U]{txn: f.txn, resolve: func() (U, error) {
		f.await()
		v, err := f.Result()
		if err != nil {
			var zero U
			return zero, err
		}
		return transform(v)
	}}
}

// awaitAll resolves every future. Results keep their per-future identity:
// a failed future carries its own error and does not abort its siblings.
// All futures must belong to txn; awaiting another transaction's future is a
// pipelining violation.
func awaitAll(txn *Txn, futures ...awaitable) error {
	for _, f := range futures {
		if f.owner() != txn {
			return &PipelineError{Msg: "future awaited against a different transaction"}
		}
	}
	for _, f := range futures {
		f.await()
	}
	return nil
}
