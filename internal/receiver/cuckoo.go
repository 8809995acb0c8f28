package receiver

import "fmt"

// ErrCuckooFull is returned when an item cannot be placed within the
// eviction budget (spec §3: "Standard d-choice cuckoo hashing... bounded
// eviction budget; failure is reported to the caller").
var ErrCuckooFull = fmt.Errorf("receiver: cuckoo table full")

// maxEvictions bounds the eviction chain length before an insert is
// reported as failed, preventing an unbounded loop on a poorly parameterized
// table.
const maxEvictions = 500

// slot holds one cuckoo table entry; empty slots carry the zero value.
type slot struct {
	occupied      bool
	hashed        [16]byte
	originalIndex int
}

// Table is the Receiver-only cuckoo hash table item placement is resolved
// against before queries are built (spec §3, §4.9 step 1).
type Table struct {
	slots         []slot
	tableSize     uint32
	hashFuncCount int
}

// NewTable allocates an empty table with tableSize slots.
func NewTable(tableSize uint32, hashFuncCount int) *Table {
	return &Table{
		slots:         make([]slot, tableSize),
		tableSize:     tableSize,
		hashFuncCount: hashFuncCount,
	}
}

// locationHash derives one cuckoo candidate slot from a hashed item and a
// hash-function index. This MUST match internal/sender's locationHash
// exactly — both sides independently compute the same candidate slots for
// the same item without any coordination message.
func locationHash(item [16]byte, idx uint8) uint32 {
	const offset64 = 1469598103934665603
	const prime64 = 1099511628211
	h := uint64(offset64)
	for _, b := range item {
		h ^= uint64(b)
		h *= prime64
	}
	h ^= uint64(idx)
	h *= prime64
	return uint32(h >> 32)
}

func (t *Table) locations(item [16]byte) []uint32 {
	out := make([]uint32, t.hashFuncCount)
	for i := 0; i < t.hashFuncCount; i++ {
		out[i] = locationHash(item, uint8(i)) % t.tableSize
	}
	return out
}

// Insert places hashed into the table via d-choice cuckoo hashing with
// eviction, tracking originalIndex so callers can later translate a cuckoo
// slot back to the caller's item vector.
func (t *Table) Insert(hashed [16]byte, originalIndex int) error {
	current := slot{occupied: true, hashed: hashed, originalIndex: originalIndex}

	for attempt := 0; attempt < maxEvictions; attempt++ {
		locs := t.locations(current.hashed)

		for _, loc := range locs {
			if !t.slots[loc].occupied {
				t.slots[loc] = current
				return nil
			}
		}

		// No empty candidate slot: evict the occupant of the first candidate
		// location and continue trying to place it.
		victimLoc := locs[0]
		victim := t.slots[victimLoc]
		t.slots[victimLoc] = current
		current = victim
	}
	return fmt.Errorf("%w: could not place item after %d evictions", ErrCuckooFull, maxEvictions)
}

// Slots returns the table's slots in index order, for encoding.
func (t *Table) Slots() []Slot {
	out := make([]Slot, len(t.slots))
	for i, s := range t.slots {
		out[i] = Slot{Occupied: s.occupied, Hashed: s.hashed, OriginalIndex: s.originalIndex}
	}
	return out
}

// Slot is the exported view of one table position.
type Slot struct {
	Occupied      bool
	Hashed        [16]byte
	OriginalIndex int
}

// Locations computes the candidate slots for hashed (exported for
// index_translation bookkeeping in extract_result).
func (t *Table) Locations(hashed [16]byte) []uint32 {
	return t.locations(hashed)
}
