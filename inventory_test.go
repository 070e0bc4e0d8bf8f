package ixkv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
)

var usersSource = &Source{Name: "users", KeyField: "id"}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db := OpenMem(Options{IsTesting: true})
	t.Cleanup(db.Close)
	return db
}

func TestCreateIndexPersistsAndBumpsVersion(t *testing.T) {
	db := openTestDB(t)
	ten := db.Tenant("acme")
	inv := db.Inventory()

	ensure(ten.Tx(true, func(tx *Txn) error {
		return inv.CreateIndex(tx, IndexDefinition{
			Name: "byName", Source: "users", Fields: []string{"name"},
		})
	}))

	ensure(ten.Read(func(tx *Txn) error {
		snap, pv, err := inv.BeginRead(tx, "users")
		if err != nil {
			return err
		}
		if snap.Version != 1 {
			t.Errorf("schema version after first index = %d, wanted 1", snap.Version)
		}
		if snap.IndexNamed("byName") == nil {
			t.Errorf("byName definition not visible in snapshot")
		}
		return pv.Check()
	}))

	ensure(ten.Tx(true, func(tx *Txn) error {
		return inv.CreateIndex(tx, IndexDefinition{
			Name: "byAge", Source: "users", Fields: []string{"age"},
		})
	}))
	ensure(ten.Read(func(tx *Txn) error {
		snap, _, err := inv.BeginRead(tx, "users")
		if err != nil {
			return err
		}
		if snap.Version != 2 {
			t.Errorf("schema version after second index = %d, wanted 2", snap.Version)
		}
		return nil
	}))
}

func TestCreateIndexRejectsDuplicateName(t *testing.T) {
	db := openTestDB(t)
	ten := db.Tenant("acme")
	inv := db.Inventory()

	def := IndexDefinition{Name: "byName", Source: "users", Fields: []string{"name"}}
	ensure(ten.Tx(true, func(tx *Txn) error { return inv.CreateIndex(tx, def) }))

	err := ten.Tx(true, func(tx *Txn) error { return inv.CreateIndex(tx, def) })
	if err == nil {
		t.Fatalf("creating a duplicate index succeeded, wanted an error")
	}
}

func TestCreateIndexBackfillsExistingRecords(t *testing.T) {
	db := openTestDB(t)
	ten := db.Tenant("acme")
	inv := db.Inventory()

	ensure(ten.Tx(true, func(tx *Txn) error {
		return tx.InsertMany(usersSource, []Fields{
			{{"id", int64(1)}, {"name", "John"}},
			{{"id", int64(2)}, {"name", "Anna"}},
		}, ConflictBlind)
	}))
	ensure(ten.Tx(true, func(tx *Txn) error {
		return inv.CreateIndex(tx, IndexDefinition{
			Name: "byName", Source: "users", Fields: []string{"name"},
		})
	}))

	ensure(ten.Read(func(tx *Txn) error {
		if n := countRange(tx, db.codec.indexPrefix("users", "byName")); n != 2 {
			t.Errorf("backfill produced %d index entries, wanted 2", n)
		}
		return nil
	}))
}

func TestDeleteIndexRemovesDefinitionAndEntries(t *testing.T) {
	db := openTestDB(t)
	ten := db.Tenant("acme")
	inv := db.Inventory()

	ensure(ten.Tx(true, func(tx *Txn) error {
		err := inv.CreateIndex(tx, IndexDefinition{
			Name: "byName", Source: "users", Fields: []string{"name"},
		})
		if err != nil {
			return err
		}
		return tx.InsertMany(usersSource, []Fields{
			{{"id", int64(1)}, {"name", "John"}},
		}, ConflictBlind)
	}))
	ensure(ten.Tx(true, func(tx *Txn) error {
		return inv.DeleteIndex(tx, "users", "byName")
	}))

	ensure(ten.Read(func(tx *Txn) error {
		snap, _, err := inv.BeginRead(tx, "users")
		if err != nil {
			return err
		}
		if snap.IndexNamed("byName") != nil {
			t.Errorf("deleted definition still visible")
		}
		if snap.Version != 2 {
			t.Errorf("schema version after delete = %d, wanted 2", snap.Version)
		}
		if n := countRange(tx, db.codec.indexPrefix("users", "byName")); n != 0 {
			t.Errorf("%d index entries survived the delete", n)
		}
		return nil
	}))
}

func TestIndexSnapshotOrdersByPriority(t *testing.T) {
	db := openTestDB(t)
	ten := db.Tenant("acme")
	inv := db.Inventory()

	ensure(ten.Tx(true, func(tx *Txn) error {
		for _, def := range []IndexDefinition{
			{Name: "low", Source: "users", Fields: []string{"a"}, Priority: 1},
			{Name: "high", Source: "users", Fields: []string{"b"}, Priority: 5},
			{Name: "mid", Source: "users", Fields: []string{"c"}, Priority: 3},
		} {
			if err := inv.CreateIndex(tx, def); err != nil {
				return err
			}
		}
		return nil
	}))

	ensure(ten.Read(func(tx *Txn) error {
		snap, _, err := inv.BeginRead(tx, "users")
		if err != nil {
			return err
		}
		var names []string
		for _, def := range snap.Indexes {
			names = append(names, def.Name)
		}
		want := []string{"high", "mid", "low"}
		for i, n := range want {
			if i >= len(names) || names[i] != n {
				t.Fatalf("snapshot order = %v, wanted %v", names, want)
			}
		}
		return nil
	}))
}

func TestCachedSnapshotPassesValidation(t *testing.T) {
	db := openTestDB(t)
	ten := db.Tenant("acme")
	inv := db.Inventory()

	ensure(ten.Tx(true, func(tx *Txn) error {
		return inv.CreateIndex(tx, IndexDefinition{
			Name: "byName", Source: "users", Fields: []string{"name"},
		})
	}))

	// First read populates the cache, second one must be served from it and
	// still validate cleanly.
	ensure(ten.Read(func(tx *Txn) error {
		_, pv, err := inv.BeginRead(tx, "users")
		if err != nil {
			return err
		}
		return pv.Check()
	}))
	if _, ok := inv.Cache().get("acme", "users"); !ok {
		t.Fatalf("cache not populated after first read")
	}
	ensure(ten.Read(func(tx *Txn) error {
		_, pv, err := inv.BeginRead(tx, "users")
		if err != nil {
			return err
		}
		return pv.Check()
	}))
}

func TestCacheEntriesAreScopedPerTenant(t *testing.T) {
	db := openTestDB(t)
	inv := db.Inventory()

	ensure(db.Tenant("acme").Tx(true, func(tx *Txn) error {
		return inv.CreateIndex(tx, IndexDefinition{
			Name: "byName", Source: "users", Fields: []string{"name"},
		})
	}))
	ensure(db.Tenant("acme").Read(func(tx *Txn) error {
		_, pv, err := inv.BeginRead(tx, "users")
		if err != nil {
			return err
		}
		return pv.Check()
	}))

	// A tenant that never ran the migration must not see acme's cached
	// definitions.
	ensure(db.Tenant("globex").Read(func(tx *Txn) error {
		snap, pv, err := inv.BeginRead(tx, "users")
		if err != nil {
			return err
		}
		if snap.IndexNamed("byName") != nil {
			t.Errorf("index set leaked across tenants")
		}
		if snap.Version != 0 {
			t.Errorf("globex snapshot version = %d, wanted 0", snap.Version)
		}
		return pv.Check()
	}))
}

func TestStaleCacheDetectedAfterForeignVersionBump(t *testing.T) {
	db := openTestDB(t)
	ten := db.Tenant("acme")
	inv := db.Inventory()

	ensure(ten.Tx(true, func(tx *Txn) error {
		return inv.CreateIndex(tx, IndexDefinition{
			Name: "byName", Source: "users", Fields: []string{"name"},
		})
	}))
	ensure(ten.Read(func(tx *Txn) error {
		_, pv, err := inv.BeginRead(tx, "users")
		if err != nil {
			return err
		}
		return pv.Check()
	}))

	// Bump the schema version behind the cache's back, the way a migration in
	// another process would. CreateIndex is no good here: it evicts the local
	// cache, which is exactly what a remote process cannot do.
	key := db.codec.metaVersionKey("users")
	ensure(ten.Tx(true, func(tx *Txn) error {
		cur := beUint64(tx.part.Get(key))
		return tx.part.Put(key, appendFixedUint64(nil, cur+1))
	}))

	err := ten.txOnce(false, func(tx *Txn) error {
		_, pv, err := inv.BeginRead(tx, "users")
		if err != nil {
			return err
		}
		return pv.Check()
	})
	if !errors.Is(err, ErrStaleIndexCache) {
		t.Fatalf("validation against a bumped version returned %v, wanted ErrStaleIndexCache", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("stale cache failure must be retryable")
	}

	// The stale entry was evicted, so the next read reloads at the new version.
	ensure(ten.Read(func(tx *Txn) error {
		snap, pv, err := inv.BeginRead(tx, "users")
		if err != nil {
			return err
		}
		if snap.Version != 2 {
			t.Errorf("reloaded snapshot version = %d, wanted 2", snap.Version)
		}
		return pv.Check()
	}))
}

func TestMigrationClaimInvalidatesCachedSnapshots(t *testing.T) {
	db := openTestDB(t)
	ten := db.Tenant("acme")
	inv := db.Inventory()

	ensure(ten.Tx(true, func(tx *Txn) error {
		return inv.CreateIndex(tx, IndexDefinition{
			Name: "byName", Source: "users", Fields: []string{"name"},
		})
	}))
	ensure(ten.Read(func(tx *Txn) error {
		_, pv, err := inv.BeginRead(tx, "users")
		if err != nil {
			return err
		}
		return pv.Check()
	}))

	var owner uuid.UUID
	ensure(ten.Tx(true, func(tx *Txn) error {
		o, err := inv.ClaimMigration(tx, "users")
		owner = o
		return err
	}))

	err := ten.txOnce(false, func(tx *Txn) error {
		_, pv, err := inv.BeginRead(tx, "users")
		if err != nil {
			return err
		}
		return pv.Check()
	})
	if !errors.Is(err, ErrStaleIndexCache) {
		t.Fatalf("validation under a live claim returned %v, wanted ErrStaleIndexCache", err)
	}

	ensure(ten.Tx(true, func(tx *Txn) error {
		return inv.ReleaseMigration(tx, "users", owner)
	}))
	ensure(ten.Read(func(tx *Txn) error {
		_, pv, err := inv.BeginRead(tx, "users")
		if err != nil {
			return err
		}
		return pv.Check()
	}))
}

func TestMigrationClaimOwnership(t *testing.T) {
	db := openTestDB(t)
	ten := db.Tenant("acme")
	inv := db.Inventory()

	var owner uuid.UUID
	ensure(ten.Tx(true, func(tx *Txn) error {
		o, err := inv.ClaimMigration(tx, "users")
		owner = o
		return err
	}))

	err := ten.Tx(true, func(tx *Txn) error {
		_, err := inv.ClaimMigration(tx, "users")
		return err
	})
	if err == nil {
		t.Fatalf("second claim succeeded while the first is held")
	}

	other := uuid.New()
	err = ten.Tx(true, func(tx *Txn) error {
		return inv.ReleaseMigration(tx, "users", other)
	})
	if err == nil {
		t.Fatalf("release with a foreign owner token succeeded")
	}

	ensure(ten.Tx(true, func(tx *Txn) error {
		return inv.ReleaseMigration(tx, "users", owner)
	}))
	ensure(ten.Tx(true, func(tx *Txn) error {
		_, err := inv.ClaimMigration(tx, "users")
		return err
	}))
}

func countRange(tx *Txn, prefix []byte) int {
	lo, hi := PrefixRange(prefix)
	var n int
	cur := tx.part.Cursor()
	for k, _ := cur.Seek(lo); k != nil; k, _ = cur.Next() {
		if hi != nil && bytes.Compare(k, hi) >= 0 {
			break
		}
		n++
	}
	return n
}
