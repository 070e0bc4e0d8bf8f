package ixkv

// UpdatePrimaryKeys reads the records stored under ids (pipelined), merges
// updates into each, and rewrites record and index entries as one atomic
// unit. Records that don't exist are skipped; returns the number updated.
//
// A multikey record's old physical range is cleared before the new form is
// written: metadata embedded in its keys means any field change can relocate
// or reshape the range. Single-key records are overwritten in place.
//
// The key field cannot be updated: the record's identity is baked into its
// storage key, so changing it requires a delete and a reinsert.
func (txn *Txn) UpdatePrimaryKeys(src *Source, ids []any, updates Fields) (int, error) {
	if err := txn.active(); err != nil {
		return 0, err
	}
	if _, found := updates.Get(src.KeyField); found {
		return 0, unsupportedErrf("UpdatePrimaryKeys", src.Name, src.KeyField, "key field cannot be updated; delete and reinsert instead")
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

	var updated int
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
		if old.Multikey {
			if err := clearRecord(txn.part, codec, old.Key, true); err != nil {
				return 0, err
			}
		}

		merged := &DecodedRecord{
			Key:    old.Key,
			ID:     old.ID,
			Fields: old.Fields.Merge(updates),
		}
		if err := txn.applyInsert(src, snap, merged); err != nil {
			return 0, err
		}
		updated++
	}

	return updated, pv.Check()
}
