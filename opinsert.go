package ixkv

import "fmt"

// ConflictPolicy controls how InsertMany treats preexisting records.
type ConflictPolicy string

const (
	// ConflictBlind writes unconditionally, skipping existence checks. This
	// is the fast path for bulk loads. Trade-off, accepted and explicit: if a
	// record already exists under the same key, its old index entries are
	// NOT cleared, so indexes can silently diverge from the data. Use
	// ConflictChecked anywhere correctness of existing indexes matters.
	ConflictBlind ConflictPolicy = "blind"

	// ConflictChecked issues a pipelined existence read per record and clears
	// the old record's index entries (and old physical range) before writing.
	ConflictChecked ConflictPolicy = "checked"
)

// InsertMany inserts records into src as part of txn, maintaining every
// index of the source. Each record must carry the source's key field.
// Unrecognized policies are rejected up front.
func (txn *Txn) InsertMany(src *Source, records []Fields, policy ConflictPolicy) error {
	if err := txn.active(); err != nil {
		return err
	}
	if policy != ConflictBlind && policy != ConflictChecked {
		return unsupportedErrf("InsertMany", src.Name, "", "conflict policy %q", policy)
	}

	snap, pv, err := txn.db.inv.BeginRead(txn, src.Name)
	if err != nil {
		return err
	}

	codec := txn.db.codec
	recs := make([]*DecodedRecord, len(records))
	for i, fields := range records {
		id, found := fields.Get(src.KeyField)
		if !found {
			return fmt.Errorf("InsertMany %s: record %d is missing key field %q", src.Name, i, src.KeyField)
		}
		recs[i] = &DecodedRecord{
			Key:    codec.PackPrimaryKey(src.Name, id),
			ID:     id,
			Fields: fields,
		}
	}

	if policy == ConflictChecked {
		// All existence reads proceed concurrently; nothing is written until
		// every one has resolved.
		olds := make([]*Future[*DecodedRecord], len(recs))
		for i, rec := range recs {
			olds[i] = txn.readRecordFuture(src.Name, rec.Key)
		}
		if err := awaitAll(txn, toAwaitables(olds)...); err != nil {
			return err
		}
		for i, f := range olds {
			old, err := f.Result()
			if err != nil {
				return err
			}
			if old != nil {
				if err := txn.clearIndexEntries(snap, old); err != nil {
					return err
				}
				if old.Multikey {
					if err := clearRecord(txn.part, codec, old.Key, true); err != nil {
						return err
					}
				}
			}
			if err := txn.applyInsert(src, snap, recs[i]); err != nil {
				return err
			}
		}
	} else {
		for _, rec := range recs {
			if err := txn.applyInsert(src, snap, rec); err != nil {
				return err
			}
		}
	}

	return pv.Check()
}

func (txn *Txn) applyInsert(src *Source, snap *IndexSnapshot, rec *DecodedRecord) error {
	if !src.IndexOnly {
		multikey, err := writeRecord(txn.part, txn.db.codec, rec.Key, rec.Fields, txn.db.maxValueSize)
		if err != nil {
			return err
		}
		rec.Multikey = multikey
	}
	return txn.writeIndexEntries(snap, rec)
}

func (txn *Txn) writeIndexEntries(snap *IndexSnapshot, rec *DecodedRecord) error {
	for _, def := range snap.Indexes {
		if err := def.Indexer.applyInsert(txn, def, rec); err != nil {
			return err
		}
	}
	return nil
}

func (txn *Txn) clearIndexEntries(snap *IndexSnapshot, old *DecodedRecord) error {
	for _, def := range snap.Indexes {
		if err := def.Indexer.applyClear(txn, def, old); err != nil {
			return err
		}
	}
	return nil
}

// readRecordFuture schedules a pipelined read of the record stored under
// primary. The resolved value is nil when the record does not exist.
func (txn *Txn) readRecordFuture(source string, primary []byte) *Future[*DecodedRecord] {
	key := append([]byte(nil), primary...)
	return scheduleOp(txn, func() (*DecodedRecord, error) {
		if txn.part == nil {
			return nil, nil
		}
		return readRecord(txn.part, txn.db.codec, source, key)
	})
}

func toAwaitables[T any](futures []*Future[T]) []awaitable {
	out := make([]awaitable, len(futures))
	for i, f := range futures {
		out[i] = f
	}
	return out
}
