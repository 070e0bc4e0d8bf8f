package ixkv

import "bytes"

// ClearSource removes every key under the source's namespace (primary
// records and index entries alike; index definitions live under the reserved
// metadata prefix and survive). Returns the count of cleared primary
// entries, which requires a full pass over the data namespace: this
// operation is expensive, O(keys), with no shortcut.
func (txn *Txn) ClearSource(src *Source) (int, error) {
	if err := txn.active(); err != nil {
		return 0, err
	}
	codec := txn.db.codec

	var primaries int
	lo, hi := PrefixRange(codec.primaryPrefix(src.Name))
	cur := txn.part.Cursor()
	for k, _ := cur.Seek(lo); k != nil; k, _ = cur.Next() {
		if hi != nil && bytes.Compare(k, hi) >= 0 {
			break
		}
		if !isChunkKey(codec, k) {
			primaries++
		}
	}

	lo, hi = PrefixRange(codec.sourcePrefix(src.Name))
	if _, err := deleteRange(txn.part, lo, hi); err != nil {
		return 0, err
	}
	return primaries, nil
}
