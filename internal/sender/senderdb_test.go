package sender

import (
	"testing"

	"github.com/auroradata-ai/apsi-engine/internal/field"
)

func testDBParams(t *testing.T) *field.PSIParams {
	t.Helper()
	p, err := field.NewPSIParams(1, 16, 2, 3, []uint32{1, 2}, 4096, []int{48, 30, 30}, 65537)
	if err != nil {
		t.Fatalf("NewPSIParams: %v", err)
	}
	return p
}

func hashedFor(b byte) [16]byte {
	var h [16]byte
	h[0] = b
	return h
}

func TestSenderDBInsertAllocatesFreshBundleWhenNoneAccept(t *testing.T) {
	params := testDBParams(t)
	ctx := testContext(t)
	db, err := NewSenderDB(params, ctx, 0, nil)
	if err != nil {
		t.Fatalf("NewSenderDB: %v", err)
	}

	item := EncodedItem{Hashed: hashedFor(1), Keys: []field.Felt{42}}
	if err := db.Insert(item); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if len(db.BundleIndices()) == 0 {
		t.Fatalf("expected at least one bundle allocated")
	}
}

func TestSenderDBInsertExactRepeatDuplicatesFail(t *testing.T) {
	// Spec §8 scenario 3: inserting the same item three times must fail on
	// the second and third attempt, and the item stays stored exactly once:
	// it can be removed once, and a second removal finds nothing.
	params := testDBParams(t)
	ctx := testContext(t)
	db, err := NewSenderDB(params, ctx, 0, nil)
	if err != nil {
		t.Fatalf("NewSenderDB: %v", err)
	}

	item := EncodedItem{Hashed: hashedFor(5), Keys: []field.Felt{5}}
	if err := db.Insert(item); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := db.Insert(item); err == nil {
		t.Fatalf("second insert of the same item should fail")
	}
	if err := db.Insert(item); err == nil {
		t.Fatalf("third insert of the same item should fail")
	}

	if err := db.Remove(item); err != nil {
		t.Fatalf("item should still be removable exactly once: %v", err)
	}
	if err := db.Remove(item); err == nil {
		t.Fatalf("second removal should find nothing")
	}
}

func TestSenderDBRemoveNotFound(t *testing.T) {
	params := testDBParams(t)
	ctx := testContext(t)
	db, err := NewSenderDB(params, ctx, 0, nil)
	if err != nil {
		t.Fatalf("NewSenderDB: %v", err)
	}

	item := EncodedItem{Hashed: hashedFor(9), Keys: []field.Felt{9}}
	if err := db.Remove(item); err == nil {
		t.Fatalf("expected error removing item never inserted")
	}
}

func TestSenderDBRegenerateStaleCaches(t *testing.T) {
	params := testDBParams(t)
	ctx := testContext(t)
	db, err := NewSenderDB(params, ctx, 0, nil)
	if err != nil {
		t.Fatalf("NewSenderDB: %v", err)
	}

	item := EncodedItem{Hashed: hashedFor(3), Keys: []field.Felt{3}}
	if err := db.Insert(item); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.RegenerateStaleCaches(); err != nil {
		t.Fatalf("RegenerateStaleCaches: %v", err)
	}

	for _, idx := range db.BundleIndices() {
		for _, bndl := range db.BundlesAt(idx) {
			if !bndl.CacheValid() {
				t.Fatalf("bundle at %d should have a valid cache after regeneration", idx)
			}
		}
	}
}

func TestSenderDBGeneratesOPRFKeyWhenNil(t *testing.T) {
	params := testDBParams(t)
	ctx := testContext(t)
	db, err := NewSenderDB(params, ctx, 0, nil)
	if err != nil {
		t.Fatalf("NewSenderDB: %v", err)
	}
	if db.OPRFKey() == nil {
		t.Fatalf("expected a generated OPRF key")
	}
}
