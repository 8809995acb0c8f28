package receiver

import "testing"

func TestTableInsertAndLocate(t *testing.T) {
	tbl := NewTable(16, 3)
	var item [16]byte
	item[0] = 7

	if err := tbl.Insert(item, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	found := false
	for _, s := range tbl.Slots() {
		if s.Occupied && s.Hashed == item && s.OriginalIndex == 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("inserted item not found in any slot")
	}
}

func TestTableInsertManyItemsSucceedsWithinCapacity(t *testing.T) {
	tbl := NewTable(64, 3)
	for i := 0; i < 20; i++ {
		var item [16]byte
		item[0] = byte(i)
		item[1] = byte(i * 7)
		if err := tbl.Insert(item, i); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	occupied := 0
	for _, s := range tbl.Slots() {
		if s.Occupied {
			occupied++
		}
	}
	if occupied != 20 {
		t.Fatalf("expected 20 occupied slots, got %d", occupied)
	}
}

func TestTableInsertFailsWhenOverCapacity(t *testing.T) {
	tbl := NewTable(4, 2)
	var failed bool
	for i := 0; i < 30; i++ {
		var item [16]byte
		item[0] = byte(i)
		item[1] = byte(i * 13)
		item[2] = byte(i * 29)
		if err := tbl.Insert(item, i); err != nil {
			failed = true
			break
		}
	}
	if !failed {
		t.Fatalf("expected cuckoo insertion to eventually fail on a near-full tiny table")
	}
}

func TestLocationsMatchesAcrossCalls(t *testing.T) {
	tbl := NewTable(16, 3)
	var item [16]byte
	item[0] = 42

	a := tbl.Locations(item)
	b := tbl.Locations(item)
	if len(a) != len(b) {
		t.Fatalf("locations length mismatch")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("locations not deterministic: %v vs %v", a, b)
		}
	}
}
