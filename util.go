package ixkv

import (
	"encoding/hex"
	"log/slog"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

// successor returns the smallest byte string strictly greater than every
// string prefixed by prefix: the last non-0xFF byte incremented, trailing
// 0xFF bytes dropped. Returns nil when prefix is all 0xFF (no finite
// successor exists).
func successor(prefix []byte) []byte {
	limit := append([]byte(nil), prefix...)
	for i := len(limit) - 1; i >= 0; i-- {
		if limit[i] != 0xFF {
			limit[i]++
			return limit[:i+1]
		}
	}
	return nil
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

func hexAttr(key string, b []byte) slog.Attr {
	return slog.String(key, hexstr(b))
}
