package ixkv

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"time"
)

type QueryOptions struct {
	// AllowUnindexed permits a full scan of the primary namespace when no
	// eligible index exists. Off by default: an unsupported predicate set
	// fails instead of degrading silently.
	AllowUnindexed bool
}

// Query returns the records of src matching every constraint, in index scan
// order. Entries found via hashed index values are always re-checked, against
// the decoded record or, on index-only sources, against the exact values
// stored in the entry, so hash collisions never leak into results.
func (txn *Txn) Query(src *Source, constraints []Constraint, opt QueryOptions) ([]*DecodedRecord, error) {
	if err := txn.active(); err != nil {
		return nil, err
	}

	snap, pv, err := txn.db.inv.BeginRead(txn, src.Name)
	if err != nil {
		return nil, err
	}

	def, err := SelectIndex(snap.Indexes, constraints)
	if err != nil {
		var ue *UnsupportedError
		if errors.As(err, &ue) && opt.AllowUnindexed {
			recs, serr := txn.scanUnindexed(src, constraints)
			if serr != nil {
				return nil, serr
			}
			return recs, pv.Check()
		}
		return nil, err
	}

	plan, err := def.Indexer.planRange(txn.db.codec, def, constraints)
	if err != nil {
		return nil, err
	}

	recs, err := txn.scanPlanned(src, plan, constraints)
	if err != nil {
		return nil, err
	}
	return recs, pv.Check()
}

func (txn *Txn) scanPlanned(src *Source, plan *scanPlan, constraints []Constraint) ([]*DecodedRecord, error) {
	if txn.part == nil {
		return nil, nil
	}
	codec := txn.db.codec
	width := plan.def.valueWidth()

	var ids []any
	cur := txn.part.Cursor()
	for k, v := cur.Seek(plan.lo); k != nil; k, v = cur.Next() {
		if plan.hi != nil && bytes.Compare(k, plan.hi) >= 0 {
			break
		}
		if src.IndexOnly {
			// There is no record to re-check hashed entries against, so
			// verify the exact values stored in the entry instead.
			elems, err := decodeIndexEntryValues(v, len(plan.def.Fields))
			if err != nil {
				return nil, err
			}
			ok, err := indexEntryMatches(codec, plan.def, elems, constraints)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		id, err := codec.indexEntryID(plan.def.Source, plan.def.Name, width, k)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if src.IndexOnly {
		// Nothing to decode beyond the identifiers.
		out := make([]*DecodedRecord, len(ids))
		for i, id := range ids {
			out[i] = &DecodedRecord{Key: codec.PackPrimaryKey(src.Name, id), ID: id}
		}
		return out, nil
	}

	futures := make([]*Future[*DecodedRecord], len(ids))
	for i, id := range ids {
		futures[i] = txn.readRecordFuture(src.Name, codec.PackPrimaryKey(src.Name, id))
	}
	if err := awaitAll(txn, toAwaitables(futures)...); err != nil {
		return nil, err
	}

	var out []*DecodedRecord
	for _, f := range futures {
		rec, err := f.Result()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue // index entry pointing at a vanished record (blind inserts)
		}
		ok, err := matchConstraints(rec.Fields, constraints)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// scanUnindexed is the explicit escape hatch: a full pass over the primary
// namespace with every record filtered in memory.
func (txn *Txn) scanUnindexed(src *Source, constraints []Constraint) ([]*DecodedRecord, error) {
	if txn.part == nil {
		return nil, nil
	}
	codec := txn.db.codec
	lo, hi := PrefixRange(codec.primaryPrefix(src.Name))

	var primaries [][]byte
	cur := txn.part.Cursor()
	for k, _ := cur.Seek(lo); k != nil; k, _ = cur.Next() {
		if hi != nil && bytes.Compare(k, hi) >= 0 {
			break
		}
		if isChunkKey(codec, k) {
			continue
		}
		primaries = append(primaries, append([]byte(nil), k...))
	}

	var out []*DecodedRecord
	for _, primary := range primaries {
		rec, err := readRecord(txn.part, codec, src.Name, primary)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		ok, err := matchConstraints(rec.Fields, constraints)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func matchConstraints(fields Fields, constraints []Constraint) (bool, error) {
	for _, c := range constraints {
		v, found := fields.Get(c.Field)
		if !found {
			return false, nil
		}
		switch c.Op {
		case OpEq:
			cmp, err := compareValues(v, c.Value)
			if err != nil || cmp != 0 {
				return false, err
			}
		case OpRange:
			ok, err := matchRange(v, c)
			if err != nil || !ok {
				return ok, err
			}
		default:
			return false, unsupportedErrf("Query", "", c.Field, "constraint op %d", c.Op)
		}
	}
	return true, nil
}

func matchRange(v any, c Constraint) (bool, error) {
	if c.Low != nil {
		cmp, err := compareValues(v, c.Low)
		if err != nil {
			return false, err
		}
		if cmp < 0 || (cmp == 0 && !c.LowInc) {
			return false, nil
		}
	}
	if c.High != nil {
		cmp, err := compareValues(v, c.High)
		if err != nil {
			return false, err
		}
		if cmp > 0 || (cmp == 0 && !c.HighInc) {
			return false, nil
		}
	}
	return true, nil
}

// indexEntryMatches checks an index entry's stored field values against the
// constraint set. Equality compares element encodings, which are exact and
// width-normalized; range constraints decode the element back into a value.
func indexEntryMatches(codec *Codec, def *IndexDefinition, elems [][]byte, constraints []Constraint) (bool, error) {
	for _, c := range constraints {
		pos := slices.Index(def.Fields, c.Field)
		if pos < 0 {
			return false, nil
		}
		switch c.Op {
		case OpEq:
			if !bytes.Equal(elems[pos], codec.encodeElem(nil, c.Value)) {
				return false, nil
			}
		case OpRange:
			v, err := codec.decodeElem(elems[pos])
			if err != nil {
				return false, err
			}
			ok, err := matchRange(v, c)
			if err != nil || !ok {
				return ok, err
			}
		default:
			return false, unsupportedErrf("Query", def.Source, c.Field, "constraint op %d", c.Op)
		}
	}
	return true, nil
}

func compareValues(a, b any) (int, error) {
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt), nil
		}
		return 0, fmt.Errorf("cannot compare %T with %T", a, b)
	}
	if an, aok := normalizeInt(a); aok {
		if bn, bok := normalizeInt(b); bok {
			switch {
			case an < bn:
				return -1, nil
			case an > bn:
				return 1, nil
			}
			return 0, nil
		}
		return 0, fmt.Errorf("cannot compare %T with %T", a, b)
	}
	switch a := a.(type) {
	case string:
		if b, ok := b.(string); ok {
			switch {
			case a < b:
				return -1, nil
			case a > b:
				return 1, nil
			}
			return 0, nil
		}
	case []byte:
		if b, ok := b.([]byte); ok {
			return bytes.Compare(a, b), nil
		}
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

func normalizeInt(v any) (int64, bool) {
	switch v := v.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	}
	return 0, false
}
