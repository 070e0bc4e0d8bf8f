package ixkv

// DeletePrimaryKeys removes the records stored under ids along with their
// index entries. Reads are pipelined like UpdatePrimaryKeys; a multikey
// record's full physical range is cleared. Returns the number deleted.
func (txn *Txn) DeletePrimaryKeys(src *Source, ids []any) (int, error) {
	if err := txn.active(); err != nil {
		return 0, err
	}

	snap, pv, err := txn.db.inv.BeginRead(txn, src.Name)
	if err != nil {
		return 0, err
	}

	codec := txn.db.codec
	olds := make([]*Future[*DecodedRecord], len(ids))
	for i, id := range ids {
		olds[i] = txn.readRecordFuture(src.Name, codec.PackPrimaryKey(src.Name, id))
	}
	if err := awaitAll(txn, toAwaitables(olds)...); err != nil {
		return 0, err
	}

	var deleted int
	for _, f := range olds {
		old, err := f.Result()
		if err != nil {
			return 0, err
		}
		if old == nil {
			continue
		}
		if err := txn.clearIndexEntries(snap, old); err != nil {
			return 0, err
		}
		if err := clearRecord(txn.part, codec, old.Key, old.Multikey); err != nil {
			return 0, err
		}
		deleted++
	}

	return deleted, pv.Check()
}
