package ixkv

import (
	"bytes"
	"reflect"
	"testing"
)

func TestPrimaryKeyRoundTrip(t *testing.T) {
	c := DefaultCodec
	tests := []struct {
		id   any
		want any
	}{
		{int64(42), int64(42)},
		{int(7), int64(7)},
		{int64(-1), int64(-1)},
		{"user-1", "user-1"},
		{[]byte{0x01, 0xFF, 0x42}, []byte{0x01, 0xFF, 0x42}},
		{3.5, 3.5},
	}
	for _, test := range tests {
		key := c.PackPrimaryKey("users", test.id)
		got, err := c.UnpackPrimaryKey("users", key)
		if err != nil {
			t.Fatalf("UnpackPrimaryKey(%v) failed: %v", test.id, err)
		}
		if !reflect.DeepEqual(got, test.want) {
			t.Errorf("round trip of %#v = %#v, wanted %#v", test.id, got, test.want)
		}
	}
}

func TestPrimaryKeyOrderForIntegers(t *testing.T) {
	c := DefaultCodec
	k1 := c.PackPrimaryKey("users", int64(1))
	k2 := c.PackPrimaryKey("users", int64(2))
	k100 := c.PackPrimaryKey("users", int64(100))
	if bytes.Compare(k1, k2) >= 0 || bytes.Compare(k2, k100) >= 0 {
		t.Fatalf("integer primary keys are not ordered: %x, %x, %x", k1, k2, k100)
	}
}

func TestPrimaryKeyWrongSource(t *testing.T) {
	c := DefaultCodec
	key := c.PackPrimaryKey("users", int64(1))
	_, err := c.UnpackPrimaryKey("posts", key)
	if err == nil {
		t.Fatalf("UnpackPrimaryKey with wrong source succeeded, wanted error")
	}
}

func TestIndexKeyDeterminism(t *testing.T) {
	c := DefaultCodec
	modes := []indexValueMode{indexValueHash}
	k1 := must(c.PackIndexKey("users", "byName", modes, []any{"John"}, int64(1)))
	k2 := must(c.PackIndexKey("users", "byName", modes, []any{"John"}, int64(1)))
	if !bytes.Equal(k1, k2) {
		t.Fatalf("index key encoding is not deterministic: %x vs %x", k1, k2)
	}

	// Re-derived values of a different integer width must encode identically.
	k3 := must(c.PackIndexKey("users", "byName", modes, []any{"John"}, int8(1)))
	if !bytes.Equal(k1, k3) {
		t.Fatalf("index key differs across integer widths: %x vs %x", k1, k3)
	}
}

func TestIndexEntryID(t *testing.T) {
	c := DefaultCodec
	modes := []indexValueMode{indexValueHash, indexValueHash}
	key := must(c.PackIndexKey("users", "byNameEmail", modes, []any{"John", "j@example.com"}, int64(17)))
	id, err := c.indexEntryID("users", "byNameEmail", 8, key)
	if err != nil {
		t.Fatalf("indexEntryID failed: %v", err)
	}
	if id != int64(17) {
		t.Fatalf("indexEntryID = %#v, wanted int64(17)", id)
	}
}

func TestPrefixRangeBounds(t *testing.T) {
	prefix := []byte{0x61, 0x62}
	lo, hi := PrefixRange(prefix)
	if !bytes.Equal(lo, prefix) {
		t.Fatalf("lo = %x, wanted %x", lo, prefix)
	}
	if !bytes.Equal(hi, []byte{0x61, 0x63}) {
		t.Fatalf("hi = %x, wanted 6163", hi)
	}

	inside := append(append([]byte(nil), prefix...), 0xFF, 0xFF)
	if bytes.Compare(inside, lo) < 0 || bytes.Compare(inside, hi) >= 0 {
		t.Fatalf("key with prefix falls outside [lo, hi)")
	}

	_, hi = PrefixRange([]byte{0xFF, 0xFF})
	if hi != nil {
		t.Fatalf("all-0xFF prefix must produce a right-open range, got %x", hi)
	}

	// Trailing 0xFF bytes must be dropped, not overflowed: the bound
	// 0x62 0x00 would wrongly admit the bare key 0x62.
	_, hi = PrefixRange([]byte{0x61, 0xFF})
	if !bytes.Equal(hi, []byte{0x62}) {
		t.Fatalf("hi = %x, wanted 62", hi)
	}
	if bytes.Compare([]byte{0x62}, hi) < 0 {
		t.Fatalf("key beyond the prefix falls inside the range")
	}
}

func TestMultikeyRangeExcludesSiblingKeys(t *testing.T) {
	c := DefaultCodec
	base := c.PackPrimaryKey("users", "Jo")
	sibling := c.PackPrimaryKey("users", "John") // extends base without a delimiter
	chunk := c.chunkKey(base, 1)

	lo, hi := c.multikeyRange(base)
	within := func(k []byte) bool {
		return bytes.Compare(k, lo) >= 0 && bytes.Compare(k, hi) < 0
	}
	if !within(base) || !within(chunk) {
		t.Fatalf("multikey range must cover the base key and its chunks")
	}
	if within(sibling) {
		t.Fatalf("multikey range of %q must not cover the record %q", "Jo", "John")
	}
}

func TestReservedKeysDisjointFromData(t *testing.T) {
	c := DefaultCodec
	data := c.PackPrimaryKey("users", int64(1))
	for _, meta := range [][]byte{
		c.metaIndexKey("users", "byName"),
		c.metaVersionKey("users"),
		c.metaClaimKey("users"),
	} {
		if bytes.HasPrefix(meta, c.sourcePrefix("users")) {
			t.Fatalf("reserved key %x collides with the source namespace", meta)
		}
		if bytes.Equal(meta, data) {
			t.Fatalf("reserved key equals a data key")
		}
	}
}
