package ixkv

import "fmt"

// Versionstamp orders newly written records before the store assigns their
// final commit order. An incomplete stamp carries a transaction-local issue
// sequence plus a caller-supplied subordinate ordinal; it is meaningful only
// inside the transaction that issued it. Resolving merges the transaction's
// commit version in, producing a stamp that is totally ordered across
// transactions and safe to persist.
type Versionstamp struct {
	commit   uint64
	seq      uint16
	user     uint16
	complete bool
}

// NextVersionstamp allocates the next incomplete stamp in this transaction.
// Stamps issued earlier in a transaction resolve strictly smaller than stamps
// issued later (for equal user ordinals, the issue sequence breaks the tie).
func (txn *Txn) NextVersionstamp(user uint16) Versionstamp {
	txn.requireActive()
	txn.lastStampSeq++
	return Versionstamp{seq: txn.lastStampSeq, user: user}
}

// PlaceholderVersionstamp returns an inert stamp for use outside any
// transaction. It cannot be resolved or ordered; it only reserves the user
// ordinal until a real transaction issues a stamp.
func PlaceholderVersionstamp(user uint16) Versionstamp {
	return Versionstamp{user: user}
}

// ResolveVersionstamp merges the transaction's final commit version into an
// incomplete stamp. The transaction must have committed.
func (txn *Txn) ResolveVersionstamp(vs Versionstamp) (Versionstamp, error) {
	if vs.complete {
		return vs, nil
	}
	commit, err := txn.CommitVersion()
	if err != nil {
		return Versionstamp{}, err
	}
	if vs.seq == 0 {
		return Versionstamp{}, fmt.Errorf("cannot resolve a placeholder versionstamp issued outside a transaction")
	}
	return Versionstamp{commit: commit, seq: vs.seq, user: vs.user, complete: true}, nil
}

func (vs Versionstamp) Complete() bool { return vs.complete }

// Bytes returns the 12-byte big-endian form (commit version, issue sequence,
// user ordinal); lexicographic order of the bytes equals stamp order.
// Panics on an incomplete stamp: persisting one is a programming error.
func (vs Versionstamp) Bytes() []byte {
	if !vs.complete {
		panic(ErrIncompleteVersionstamp)
	}
	buf := appendFixedUint64(make([]byte, 0, 12), vs.commit)
	buf = append(buf, byte(vs.seq>>8), byte(vs.seq))
	return append(buf, byte(vs.user>>8), byte(vs.user))
}

// Ordinal projects a complete stamp to an integer usable as an external
// identifier. Reversible via VersionstampFromOrdinal while the commit version
// fits in 32 bits.
func (vs Versionstamp) Ordinal() (uint64, error) {
	if !vs.complete {
		return 0, ErrIncompleteVersionstamp
	}
	if vs.commit >= 1<<32 {
		return 0, fmt.Errorf("commit version %d does not fit the ordinal projection", vs.commit)
	}
	return vs.commit<<32 | uint64(vs.seq)<<16 | uint64(vs.user), nil
}

// VersionstampFromOrdinal reverses Ordinal.
func VersionstampFromOrdinal(ord uint64) Versionstamp {
	return Versionstamp{
		commit:   ord >> 32,
		seq:      uint16(ord >> 16),
		user:     uint16(ord),
		complete: true,
	}
}

// Less orders complete stamps. Comparing incomplete stamps is an error and
// panics loudly.
func (vs Versionstamp) Less(other Versionstamp) bool {
	if !vs.complete || !other.complete {
		panic(ErrIncompleteVersionstamp)
	}
	if vs.commit != other.commit {
		return vs.commit < other.commit
	}
	if vs.seq != other.seq {
		return vs.seq < other.seq
	}
	return vs.user < other.user
}
