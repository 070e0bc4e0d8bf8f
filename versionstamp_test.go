package ixkv

import (
	"bytes"
	"errors"
	"testing"
)

func TestVersionstampOrderAcrossTransactions(t *testing.T) {
	db := OpenMem(Options{IsTesting: true})
	defer db.Close()
	ten := db.Tenant("acme")

	commitStamp := func() Versionstamp {
		var txn *Txn
		var vs Versionstamp
		ensure(ten.Tx(true, func(tx *Txn) error {
			txn = tx
			vs = tx.NextVersionstamp(0)
			return nil
		}))
		return must(txn.ResolveVersionstamp(vs))
	}

	first := commitStamp()
	second := commitStamp()
	if !first.Less(second) {
		t.Fatalf("stamp from an earlier commit does not order before a later one")
	}
	if bytes.Compare(first.Bytes(), second.Bytes()) >= 0 {
		t.Fatalf("byte form does not preserve stamp order")
	}
}

func TestVersionstampOrderWithinTransaction(t *testing.T) {
	db := OpenMem(Options{IsTesting: true})
	defer db.Close()
	ten := db.Tenant("acme")

	var txn *Txn
	var a, b, c Versionstamp
	ensure(ten.Tx(true, func(tx *Txn) error {
		txn = tx
		a = tx.NextVersionstamp(5)
		b = tx.NextVersionstamp(0) // later issue wins over a smaller user ordinal
		c = tx.NextVersionstamp(0)
		return nil
	}))
	ra := must(txn.ResolveVersionstamp(a))
	rb := must(txn.ResolveVersionstamp(b))
	rc := must(txn.ResolveVersionstamp(c))
	if !ra.Less(rb) || !rb.Less(rc) {
		t.Fatalf("issue order not preserved: %v %v %v", ra, rb, rc)
	}
}

func TestVersionstampOrdinalRoundTrip(t *testing.T) {
	db := OpenMem(Options{IsTesting: true})
	defer db.Close()
	ten := db.Tenant("acme")

	var txn *Txn
	var vs Versionstamp
	ensure(ten.Tx(true, func(tx *Txn) error {
		txn = tx
		vs = tx.NextVersionstamp(9)
		return nil
	}))
	resolved := must(txn.ResolveVersionstamp(vs))
	ord := must(resolved.Ordinal())
	back := VersionstampFromOrdinal(ord)
	if back != resolved {
		t.Fatalf("ordinal round trip lost information: %v != %v", back, resolved)
	}
}

func TestIncompleteVersionstampRefusesPersistentForms(t *testing.T) {
	db := OpenMem(Options{IsTesting: true})
	defer db.Close()

	var vs Versionstamp
	ensure(db.Tenant("acme").Tx(true, func(tx *Txn) error {
		vs = tx.NextVersionstamp(1)
		return nil
	}))
	if vs.Complete() {
		t.Fatalf("unresolved stamp claims to be complete")
	}
	if _, err := vs.Ordinal(); !errors.Is(err, ErrIncompleteVersionstamp) {
		t.Errorf("Ordinal on incomplete stamp returned %v", err)
	}
	assertPanics(t, "Bytes", func() { vs.Bytes() })
	assertPanics(t, "Less", func() { vs.Less(vs) })
}

func TestResolveBeforeCommitFails(t *testing.T) {
	db := OpenMem(Options{IsTesting: true})
	defer db.Close()

	ensure(db.Tenant("acme").Tx(true, func(tx *Txn) error {
		vs := tx.NextVersionstamp(0)
		if _, err := tx.ResolveVersionstamp(vs); !errors.Is(err, ErrIncompleteVersionstamp) {
			t.Errorf("resolving before commit returned %v", err)
		}
		return nil
	}))
}

func TestPlaceholderVersionstampCannotResolve(t *testing.T) {
	db := OpenMem(Options{IsTesting: true})
	defer db.Close()

	ph := PlaceholderVersionstamp(3)
	var txn *Txn
	ensure(db.Tenant("acme").Tx(true, func(tx *Txn) error {
		txn = tx
		return nil
	}))
	if _, err := txn.ResolveVersionstamp(ph); err == nil {
		t.Fatalf("resolved a placeholder stamp, wanted an error")
	}
}

func assertPanics(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s on incomplete stamp did not panic", name)
		}
	}()
	fn()
}
