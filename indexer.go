package ixkv

import "fmt"

// IndexerKind selects the maintenance strategy of an index. The set is closed
// and known at design time, so strategies dispatch by switch rather than
// open-ended runtime polymorphism.
type IndexerKind int

const (
	// IndexerDefault writes one index entry per record: the fixed-width
	// encodings of the indexed field values followed by the primary
	// identifier. Supports equality scans, and range scans over
	// order-preserving (time-series) fields.
	IndexerDefault IndexerKind = iota

	// IndexerMaxValue maintains a single monotonic max over one integer
	// field via the store's atomic max operation. It cannot be scanned;
	// read the current max with Txn.MaxIndexValue.
	IndexerMaxValue
)

func (k IndexerKind) valid() bool {
	switch k {
	case IndexerDefault, IndexerMaxValue:
		return true
	default:
		return false
	}
}

// indexFieldValues collects the record's values of def's indexed fields in
// field order, or ok=false when the record lacks one of them.
func indexFieldValues(def *IndexDefinition, rec *DecodedRecord) ([]any, bool) {
	values := make([]any, len(def.Fields))
	for i, f := range def.Fields {
		v, found := rec.Fields.Get(f)
		if !found {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}

// indexEntryKey derives the index entry key a record contributes to def, or
// ok=false when the record lacks one of the indexed fields.
func indexEntryKey(codec *Codec, def *IndexDefinition, rec *DecodedRecord) ([]byte, bool, error) {
	values, ok := indexFieldValues(def, rec)
	if !ok {
		return nil, false, nil
	}
	key, err := codec.PackIndexKey(def.Source, def.Name, def.valueModes(), values, rec.ID)
	if err != nil {
		return nil, false, err
	}
	return key, true, nil
}

// encodeIndexEntryValues builds the value stored under an index entry key:
// the exact element encoding of every indexed field value, each prefixed
// with its uvarint length. Entry keys only hold lossy fixed-width encodings;
// the exact form is what lets index-only queries reject hash collisions
// without a record to re-check.
func encodeIndexEntryValues(codec *Codec, values []any) []byte {
	var buf []byte
	for _, v := range values {
		elem := codec.encodeElem(nil, v)
		buf = appendUvarint(buf, uint64(len(elem)))
		buf = append(buf, elem...)
	}
	return buf
}

// decodeIndexEntryValues splits an index entry value back into the element
// encodings of its n indexed field values. The returned slices alias raw.
func decodeIndexEntryValues(raw []byte, n int) ([][]byte, error) {
	d := makeByteDecoder(raw)
	elems := make([][]byte, n)
	for i := range elems {
		var err error
		elems[i], err = d.Bytes()
		if err != nil {
			return nil, err
		}
	}
	return elems, nil
}

// maxValueKey is the single key an IndexerMaxValue index maintains.
func maxValueKey(codec *Codec, def *IndexDefinition) []byte {
	return codec.indexPrefix(def.Source, def.Name)
}

func (k IndexerKind) applyInsert(txn *Txn, def *IndexDefinition, rec *DecodedRecord) error {
	switch k {
	case IndexerDefault:
		codec := txn.db.codec
		values, ok := indexFieldValues(def, rec)
		if !ok {
			return nil
		}
		key, err := codec.PackIndexKey(def.Source, def.Name, def.valueModes(), values, rec.ID)
		if err != nil {
			return err
		}
		return txn.part.Put(key, encodeIndexEntryValues(codec, values))
	case IndexerMaxValue:
		v, found := rec.Fields.Get(def.Fields[0])
		if !found {
			return nil
		}
		n, err := asUint64(v)
		if err != nil {
			return fmt.Errorf("index %s: %w", def.FullName(), err)
		}
		return txn.part.AtomicMax(maxValueKey(txn.db.codec, def), n)
	default:
		panic(fmt.Errorf("unknown indexer kind %d", k))
	}
}

// applyClear removes the entries the old record contributed. A max-value
// index is monotonic: clearing a record never lowers the max, so it is a
// no-op there.
func (k IndexerKind) applyClear(txn *Txn, def *IndexDefinition, old *DecodedRecord) error {
	switch k {
	case IndexerDefault:
		key, ok, err := indexEntryKey(txn.db.codec, def, old)
		if err != nil || !ok {
			return err
		}
		return txn.part.Delete(key)
	case IndexerMaxValue:
		return nil
	default:
		panic(fmt.Errorf("unknown indexer kind %d", k))
	}
}

// scanPlan is the physical range a query scans. Every scanned entry is still
// re-checked against the full constraint set, either after decoding the
// record or, for index-only sources, against the exact values stored in the
// entry: hashed index values collide by design.
type scanPlan struct {
	def    *IndexDefinition
	lo, hi []byte
}

// planRange derives [lo, hi) bounds for the constraint set over def: encoded
// equality values for the longest prefix of the index's field order, then
// bounds from the single range constraint when it sits on the next field.
// Constraints not consumed by the bounds are satisfied by the post-scan
// filter.
func (k IndexerKind) planRange(codec *Codec, def *IndexDefinition, constraints []Constraint) (*scanPlan, error) {
	switch k {
	case IndexerDefault:
	case IndexerMaxValue:
		return nil, unsupportedErrf("Query", def.Source, def.Name, "max-value index cannot be scanned")
	default:
		panic(fmt.Errorf("unknown indexer kind %d", k))
	}

	byField := make(map[string]Constraint, len(constraints))
	for _, c := range constraints {
		byField[c.Field] = c
	}

	modes := def.valueModes()
	prefix := codec.indexPrefix(def.Source, def.Name)
	i := 0
	for ; i < len(def.Fields); i++ {
		c, found := byField[def.Fields[i]]
		if !found || c.Op != OpEq {
			break
		}
		var err error
		prefix, err = modes[i].encode(prefix, c.Value)
		if err != nil {
			return nil, err
		}
	}

	plan := &scanPlan{def: def}
	if i < len(def.Fields) {
		if c, found := byField[def.Fields[i]]; found && c.Op == OpRange {
			return planTrailingRange(plan, prefix, modes[i], c)
		}
	}
	plan.lo, plan.hi = PrefixRange(prefix)
	return plan, nil
}

func planTrailingRange(plan *scanPlan, prefix []byte, mode indexValueMode, c Constraint) (*scanPlan, error) {
	if c.Low != nil {
		lo, err := mode.encode(append([]byte(nil), prefix...), c.Low)
		if err != nil {
			return nil, err
		}
		if !c.LowInc {
			lo = successor(lo)
		}
		plan.lo = lo
	} else {
		plan.lo = prefix
	}
	if c.High != nil {
		hi, err := mode.encode(append([]byte(nil), prefix...), c.High)
		if err != nil {
			return nil, err
		}
		if c.HighInc {
			hi = successor(hi)
		}
		plan.hi = hi
	} else {
		plan.hi = successor(prefix)
	}
	return plan, nil
}

// MaxIndexValue reads the current value of an IndexerMaxValue index.
func (txn *Txn) MaxIndexValue(def *IndexDefinition) (uint64, bool, error) {
	if err := txn.active(); err != nil {
		return 0, false, err
	}
	if def.Indexer != IndexerMaxValue {
		return 0, false, unsupportedErrf("MaxIndexValue", def.Source, def.Name, "not a max-value index")
	}
	raw, err := txn.partGet(maxValueKey(txn.db.codec, def))
	if err != nil || raw == nil {
		return 0, false, err
	}
	if len(raw) != 8 {
		return 0, false, dataErrf(raw, 0, nil, "max-value index %s holds a malformed value", def.FullName())
	}
	return beUint64(raw), true, nil
}

func asUint64(v any) (uint64, error) {
	switch v := v.(type) {
	case uint:
		return uint64(v), nil
	case uint64:
		return v, nil
	}
	n, ok := normalizeInt(v)
	if !ok {
		return 0, fmt.Errorf("max-value index requires an integer field, got %T", v)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d for max-value index", n)
	}
	return uint64(n), nil
}
