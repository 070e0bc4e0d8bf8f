package ixkv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoltBackendPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ixkv.db")

	db, err := Open(path, Options{IsTesting: true})
	require.NoError(t, err)
	ten := db.Tenant("acme")
	setupUsersByName(t, db, ten)
	require.NoError(t, ten.Tx(true, func(tx *Txn) error {
		return tx.InsertMany(usersSource, []Fields{
			{{"id", int64(1)}, {"name", "John"}},
			{{"id", int64(2)}, {"name", "Anna"}},
		}, ConflictBlind)
	}))
	db.Close()

	db, err = Open(path, Options{IsTesting: true})
	require.NoError(t, err)
	defer db.Close()
	ten = db.Tenant("acme")

	ids := queryIDs(t, ten, usersSource, []Constraint{Eq("name", "John")}, QueryOptions{})
	require.Equal(t, []int64{1}, ids)

	require.NoError(t, ten.Read(func(tx *Txn) error {
		snap, _, err := db.Inventory().BeginRead(tx, "users")
		require.NoError(t, err)
		require.NotNil(t, snap.IndexNamed("byName"))
		require.EqualValues(t, 1, snap.Version)
		return nil
	}))
}

func TestBoltBackendCommitVersionSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ixkv.db")

	commitOnce := func(db *DB) uint64 {
		var txn *Txn
		require.NoError(t, db.Tenant("acme").Tx(true, func(tx *Txn) error {
			txn = tx
			return tx.InsertMany(usersSource, []Fields{
				{{"id", int64(1)}, {"name", "John"}},
			}, ConflictBlind)
		}))
		return must(txn.CommitVersion())
	}

	db, err := Open(path, Options{IsTesting: true})
	require.NoError(t, err)
	before := commitOnce(db)
	db.Close()

	db, err = Open(path, Options{IsTesting: true})
	require.NoError(t, err)
	defer db.Close()
	after := commitOnce(db)
	require.Greater(t, after, before, "commit versions must stay monotonic across restarts")
}

func TestBoltBackendTenantIsolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ixkv.db")
	db, err := Open(path, Options{IsTesting: true})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Tenant("acme").Tx(true, func(tx *Txn) error {
		return tx.InsertMany(usersSource, []Fields{
			{{"id", int64(1)}, {"name", "John"}},
		}, ConflictBlind)
	}))

	require.NoError(t, db.Tenant("globex").Read(func(tx *Txn) error {
		recs, err := tx.Query(usersSource, []Constraint{Eq("name", "John")}, QueryOptions{AllowUnindexed: true})
		require.NoError(t, err)
		require.Empty(t, recs, "a tenant must never observe another tenant's records")
		return nil
	}))
}
