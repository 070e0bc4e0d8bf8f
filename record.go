package ixkv

import (
	"bytes"
	"reflect"
	"slices"
)

// Source describes a data source (a named collection of records) to the
// engine. It is supplied by the external record/schema layer; the engine only
// needs the primary key field and whether the schema writes primary records
// at all (an index-only schema stores nothing under the data namespace and
// therefore cannot be watched).
type Source struct {
	Name      string
	KeyField  string
	IndexOnly bool
}

// Field is a single named value of a record. Records are ordered field lists
// rather than maps: the record layer upstream guarantees field order, and the
// engine preserves it through encode/decode.
type Field struct {
	Name  string `msgpack:"n"`
	Value any    `msgpack:"v"`
}

type Fields []Field

func (ff Fields) Get(name string) (any, bool) {
	for _, f := range ff {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Merge applies updates on top of ff, replacing existing fields in place and
// appending new ones, returning a fresh list.
func (ff Fields) Merge(updates Fields) Fields {
	out := slices.Clone(ff)
	for _, u := range updates {
		replaced := false
		for i := range out {
			if out[i].Name == u.Name {
				out[i].Value = u.Value
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, u)
		}
	}
	return out
}

// DecodedRecord pairs a record's storage key with its decoded field list.
// Multikey marks records whose physical form spans more than one key; any
// update to such a record must clear the old key range before rewriting.
type DecodedRecord struct {
	Key      []byte
	ID       any
	Fields   Fields
	Multikey bool
}

// Record value layout: flags (uvarint; bit 0 = multikey), chunk count
// (uvarint, multikey only), then the msgpack encoding of the field list.
// Multikey values carry only the first chunk in the base key; continuation
// chunks live under chunkKey(primary, 1..n-1) as raw bytes.

const recordFlagMultikey = 1

func encodeRecordFields(buf []byte, fields Fields) []byte {
	return defaultValueEncoding.EncodeValue(buf, reflect.ValueOf(fields))
}

func decodeRecordFields(raw []byte) (Fields, error) {
	var fields Fields
	err := defaultValueEncoding.DecodeValue(raw, reflect.ValueOf(&fields))
	if err != nil {
		return nil, err
	}
	return fields, nil
}

// writeRecord stores fields under primary, splitting the payload into chunks
// when it exceeds maxValueSize. Returns whether the record went multikey.
func writeRecord(part storePartition, codec *Codec, primary []byte, fields Fields, maxValueSize int) (bool, error) {
	body := encodeRecordFields(valueBytesPool.Get().([]byte), fields)
	defer releaseValueBytes(body)

	if len(body) <= maxValueSize {
		buf := appendUvarint(make([]byte, 0, len(body)+4), 0)
		buf = appendRaw(buf, body)
		return false, part.Put(primary, buf)
	}

	chunks := (len(body) + maxValueSize - 1) / maxValueSize
	buf := appendUvarint(make([]byte, 0, maxValueSize+8), recordFlagMultikey)
	buf = appendUvarint(buf, uint64(chunks))
	buf = appendRaw(buf, body[:maxValueSize])
	if err := part.Put(primary, buf); err != nil {
		return true, err
	}
	for i := 1; i < chunks; i++ {
		lo := i * maxValueSize
		hi := min(lo+maxValueSize, len(body))
		if err := part.Put(codec.chunkKey(primary, i), body[lo:hi]); err != nil {
			return true, err
		}
	}
	return true, nil
}

// readRecordRaw reassembles the full field payload of the record stored under
// primary. Returns nil bytes when the record does not exist.
func readRecordRaw(part storePartition, codec *Codec, primary []byte) (body []byte, multikey bool, err error) {
	raw := part.Get(primary)
	if raw == nil {
		return nil, false, nil
	}
	d := makeByteDecoder(raw)
	flags, err := d.Uvarint()
	if err != nil {
		return nil, false, err
	}
	if flags&recordFlagMultikey == 0 {
		return d.Remaining(), false, nil
	}
	chunks, err := d.Uvarinti()
	if err != nil {
		return nil, true, err
	}
	body = appendRaw(nil, d.Remaining())
	for i := 1; i < chunks; i++ {
		chunk := part.Get(codec.chunkKey(primary, i))
		if chunk == nil {
			return nil, true, dataErrf(primary, 0, nil, "multikey record is missing chunk %d of %d", i, chunks)
		}
		body = appendRaw(body, chunk)
	}
	return body, true, nil
}

func readRecord(part storePartition, codec *Codec, source string, primary []byte) (*DecodedRecord, error) {
	body, multikey, err := readRecordRaw(part, codec, primary)
	if err != nil || body == nil {
		return nil, err
	}
	fields, err := decodeRecordFields(body)
	if err != nil {
		return nil, err
	}
	id, err := codec.UnpackPrimaryKey(source, primary)
	if err != nil {
		return nil, err
	}
	return &DecodedRecord{Key: primary, ID: id, Fields: fields, Multikey: multikey}, nil
}

// clearRecord removes a record's full physical range: just the base key for
// single-key records, the base key plus every continuation chunk otherwise.
func clearRecord(part storePartition, codec *Codec, primary []byte, multikey bool) error {
	if !multikey {
		return part.Delete(primary)
	}
	lo, hi := codec.multikeyRange(primary)
	_, err := deleteRange(part, lo, hi)
	return err
}

// deleteRange removes every key in [lo, hi), returning the number of keys
// removed. hi == nil means right-open.
func deleteRange(part storePartition, lo, hi []byte) (int, error) {
	var doomed [][]byte
	cur := part.Cursor()
	for k, _ := cur.Seek(lo); k != nil; k, _ = cur.Next() {
		if hi != nil && bytes.Compare(k, hi) >= 0 {
			break
		}
		doomed = append(doomed, append([]byte(nil), k...))
	}
	for _, k := range doomed {
		if err := part.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}
