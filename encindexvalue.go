package ixkv

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// indexValueMode selects the fixed-width lossy encoding applied to a value
// before it enters an index entry key. Fixed width keeps index keys bounded
// and makes range-prefix scans safe regardless of the value domain.
type indexValueMode int

const (
	// indexValueHash reduces any value to 4 bytes: big-endian
	// xxhash64(elem encoding) mod 2^32. Collisions are expected; every scan
	// over a hashed field must re-check the decoded record. Hashed values are
	// comparable for equality only, never for ranges.
	indexValueHash indexValueMode = iota

	// indexValueTimeSeries encodes timestamps as fixed-width sortable UTC
	// text, preserving natural lexicographic order for range queries.
	indexValueTimeSeries
)

// timeSeriesLayout is fixed-width (nanosecond precision, zero-padded year),
// so v1.Before(v2) implies encode(v1) < encode(v2) lexicographically.
const timeSeriesLayout = "2006-01-02T15:04:05.000000000Z"

func (m indexValueMode) width() int {
	switch m {
	case indexValueHash:
		return 4
	case indexValueTimeSeries:
		return len(timeSeriesLayout)
	default:
		panic(fmt.Errorf("unknown index value mode %d", m))
	}
}

// rangeCapable reports whether keys produced under this mode order
// consistently with the encoded values. The planner refuses range constraints
// on fields whose mode is not range-capable.
func (m indexValueMode) rangeCapable() bool {
	return m == indexValueTimeSeries
}

func (m indexValueMode) encode(buf []byte, v any) ([]byte, error) {
	switch m {
	case indexValueHash:
		elem := keyBytesPool.Get().([]byte)
		elem = DefaultCodec.encodeElem(elem, v)
		h := uint32(xxhash.Sum64(elem))
		releaseKeyBytes(elem)
		return appendFixedUint32(buf, h), nil
	case indexValueTimeSeries:
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("time-series index value must be time.Time, got %T", v)
		}
		t = t.UTC()
		// The layout pads years to 4 digits only within 0..9999; anything
		// outside would break the fixed width and the lexicographic order.
		if y := t.Year(); y < 0 || y > 9999 {
			return nil, fmt.Errorf("time-series index value year %d out of range 0..9999", y)
		}
		return t.AppendFormat(buf, timeSeriesLayout), nil
	default:
		panic(fmt.Errorf("unknown index value mode %d", m))
	}
}
