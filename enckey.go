package ixkv

import (
	"bytes"
	"fmt"
	"reflect"
)

// Namespace tags. Reserved keys (index definitions, schema versions, migration
// claims) live under metaPrefix, which is disjoint from any well-behaved
// source name; see Codec.Delimiter for the trust boundary.
const (
	dataNamespace  = "d"
	indexNamespace = "i"
)

var metaPrefix = []byte{0xFE}

// Element type tags. Keys are self-describing so that primary keys round-trip
// through decoding without consulting the schema.
const (
	elemBytes  = 0x01
	elemInt    = 0x02
	elemString = 0x03
	elemOpaque = 0x04 // msgpack fallback, comparable for equality only
)

// Codec packs structured identifiers into byte strings that sort consistently
// with the ordering required by range scans, and parses them back.
//
// The delimiter joins key components. It is a trust boundary: callers must
// choose a byte sequence guaranteed absent from every encoded component
// (including raw-bytes identifiers), or range scans will observe structurally
// corrupted keys. The same goes for source names, which additionally must not
// begin with 0xFE (the reserved metadata prefix). The default single zero
// byte is safe for string and integer identifiers.
type Codec struct {
	Delimiter []byte
}

var DefaultCodec = &Codec{Delimiter: []byte{0x00}}

func (c *Codec) delim(buf []byte) []byte {
	return appendRaw(buf, c.Delimiter)
}

func (c *Codec) encodeElem(buf []byte, v any) []byte {
	// Integer widths are normalized so that a value re-derived from a decoded
	// record encodes identically to the caller-supplied original.
	switch v := v.(type) {
	case []byte:
		buf = append(buf, elemBytes)
		return appendRaw(buf, v)
	case int64:
		buf = append(buf, elemInt)
		return appendFixedUint64(buf, uint64(v))
	case uint64:
		buf = append(buf, elemInt)
		return appendFixedUint64(buf, v)
	case uint:
		buf = append(buf, elemInt)
		return appendFixedUint64(buf, uint64(v))
	case string:
		buf = append(buf, elemString)
		return append(buf, v...)
	default:
		if n, ok := normalizeInt(v); ok {
			return c.encodeElem(buf, n)
		}
		buf = append(buf, elemOpaque)
		return defaultValueEncoding.EncodeValue(buf, reflect.ValueOf(v))
	}
}

func (c *Codec) decodeElem(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, dataErrf(raw, 0, nil, "empty key element")
	}
	tag, body := raw[0], raw[1:]
	switch tag {
	case elemBytes:
		return append([]byte(nil), body...), nil
	case elemInt:
		if len(body) != 8 {
			return nil, dataErrf(raw, 1, nil, "integer key element must be 8 bytes, got %d", len(body))
		}
		return int64(beUint64(body)), nil
	case elemString:
		return string(body), nil
	case elemOpaque:
		var v any
		err := defaultValueEncoding.DecodeValue(body, reflect.ValueOf(&v))
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, dataErrf(raw, 0, nil, "unknown key element tag 0x%02x", tag)
	}
}

// PackPrimaryKey produces the storage key of a source's primary record:
// source tag, data namespace tag, then the identifier encoded by type.
func (c *Codec) PackPrimaryKey(source string, id any) []byte {
	buf := make([]byte, 0, len(source)+16)
	buf = append(buf, source...)
	buf = c.delim(buf)
	buf = append(buf, dataNamespace...)
	buf = c.delim(buf)
	return c.encodeElem(buf, id)
}

// UnpackPrimaryKey recovers the identifier from a primary key produced by
// PackPrimaryKey for the given source.
func (c *Codec) UnpackPrimaryKey(source string, key []byte) (any, error) {
	prefix := c.primaryPrefix(source)
	if !bytes.HasPrefix(key, prefix) {
		return nil, dataErrf(key, 0, nil, "key does not belong to the data namespace of source %q", source)
	}
	return c.decodeElem(key[len(prefix):])
}

// PackIndexKey produces an index entry key: source tag, index namespace tag,
// index name, the fixed-width encodings of the index values, then the primary
// identifier (when id is non-nil). Values are lossy-encoded; see indexValueMode.
func (c *Codec) PackIndexKey(source, indexName string, modes []indexValueMode, values []any, id any) ([]byte, error) {
	if len(modes) != len(values) {
		panic(fmt.Errorf("PackIndexKey: %d modes for %d values", len(modes), len(values)))
	}
	buf := make([]byte, 0, len(source)+len(indexName)+16+len(values)*8)
	buf = append(buf, source...)
	buf = c.delim(buf)
	buf = append(buf, indexNamespace...)
	buf = c.delim(buf)
	buf = append(buf, indexName...)
	buf = c.delim(buf)
	for i, v := range values {
		var err error
		buf, err = modes[i].encode(buf, v)
		if err != nil {
			return nil, err
		}
	}
	if id != nil {
		buf = c.delim(buf)
		buf = c.encodeElem(buf, id)
	}
	return buf, nil
}

// indexEntryID recovers the primary identifier from an index entry key,
// given the total width of the fixed-width value block.
func (c *Codec) indexEntryID(source, indexName string, valueWidth int, key []byte) (any, error) {
	prefix := c.indexPrefix(source, indexName)
	if !bytes.HasPrefix(key, prefix) {
		return nil, dataErrf(key, 0, nil, "malformed %s.%s index entry", source, indexName)
	}
	rest := key[len(prefix):]
	if len(rest) < valueWidth+len(c.Delimiter) {
		return nil, dataErrf(key, 0, nil, "malformed %s.%s index entry", source, indexName)
	}
	return c.decodeElem(rest[valueWidth+len(c.Delimiter):])
}

func (c *Codec) primaryPrefix(source string) []byte {
	buf := make([]byte, 0, len(source)+8)
	buf = append(buf, source...)
	buf = c.delim(buf)
	buf = append(buf, dataNamespace...)
	return c.delim(buf)
}

func (c *Codec) indexPrefix(source, indexName string) []byte {
	buf := make([]byte, 0, len(source)+len(indexName)+8)
	buf = append(buf, source...)
	buf = c.delim(buf)
	buf = append(buf, indexNamespace...)
	buf = c.delim(buf)
	buf = append(buf, indexName...)
	return c.delim(buf)
}

func (c *Codec) sourcePrefix(source string) []byte {
	buf := make([]byte, 0, len(source)+4)
	buf = append(buf, source...)
	return c.delim(buf)
}

// chunkKey derives the key of a multikey record's continuation chunk (i >= 1).
func (c *Codec) chunkKey(primary []byte, i int) []byte {
	buf := appendRaw(make([]byte, 0, len(primary)+8), primary)
	buf = c.delim(buf)
	return appendFixedUint32(buf, uint32(i))
}

// multikeyRange bounds the full physical range of a record: the base key plus
// every continuation chunk. Correct only under the delimiter trust boundary
// (no other record's key extends this key by a delimiter).
func (c *Codec) multikeyRange(primary []byte) (lo, hi []byte) {
	lo = primary
	hi = successor(appendRaw(append([]byte(nil), primary...), c.Delimiter))
	return
}

// PrefixRange derives [lo, hi) bounds covering exactly the keys that start
// with prefix. hi is nil when the range is right-open.
func PrefixRange(prefix []byte) (lo, hi []byte) {
	return prefix, successor(prefix)
}

// Reserved metadata keys.

func (c *Codec) metaIndexKey(source, indexName string) []byte {
	buf := c.metaIndexPrefix(source)
	return append(buf, indexName...)
}

func (c *Codec) metaIndexPrefix(source string) []byte {
	buf := appendRaw(make([]byte, 0, len(source)+16), metaPrefix)
	buf = c.delim(buf)
	buf = append(buf, source...)
	buf = c.delim(buf)
	buf = append(buf, "idx"...)
	return c.delim(buf)
}

func (c *Codec) metaVersionKey(source string) []byte {
	buf := appendRaw(make([]byte, 0, len(source)+8), metaPrefix)
	buf = c.delim(buf)
	buf = append(buf, source...)
	buf = c.delim(buf)
	return append(buf, "ver"...)
}

func (c *Codec) metaClaimKey(source string) []byte {
	buf := appendRaw(make([]byte, 0, len(source)+8), metaPrefix)
	buf = c.delim(buf)
	buf = append(buf, source...)
	buf = c.delim(buf)
	return append(buf, "claim"...)
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}
