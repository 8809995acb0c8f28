package sender

import (
	"fmt"
	"sync"

	"github.com/auroradata-ai/apsi-engine/internal/applog"
	"github.com/auroradata-ai/apsi-engine/internal/crypto"
	"github.com/auroradata-ai/apsi-engine/internal/field"
	"github.com/auroradata-ai/apsi-engine/internal/oprf"
)

// cuckooLocations computes the hash_func_count candidate table slots for a
// hashed item, mirroring the Receiver's own cuckoo hash family so both
// sides agree on placement without coordination (spec §4.7 step 1).
func cuckooLocations(item [16]byte, hashFuncCount int, tableSize uint32) []uint32 {
	out := make([]uint32, hashFuncCount)
	for i := 0; i < hashFuncCount; i++ {
		out[i] = locationHash(item, uint8(i)) % tableSize
	}
	return out
}

// locationHash derives one cuckoo candidate slot from a hashed item and a
// hash-function index via FNV-1a over item||index, the same "distinguish
// hash functions by a salt byte" idiom used throughout the pack for
// multi-hash-family constructions.
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

// SenderDB is an append-only (for the duration of a query) collection of
// BinBundles, indexed by bundle_idx (spec §3/§4.7). It owns the encryption
// parameters, field modulus, table parameters, and optionally an OPRF
// secret key.
type SenderDB struct {
	mu sync.RWMutex

	params    *field.PSIParams
	ctx       *crypto.Context // encoder only; cache regen never encrypts or decrypts, so any context works here
	labelSize int
	oprfKey   *oprf.Key
	bundles   map[int][]*BinBundle // per bundle_idx, list of BinBundles occupying that slot range
}

// NewSenderDB constructs an empty SenderDB. ctx is used only for
// RegenerateStaleCaches's plaintext batching (encode/decode), never for
// encryption — query evaluation builds its own per-query evaluation
// context from the Receiver's submitted key material (see
// sender.Engine.Answer), since the Sender never holds a keypair of its
// own. labelSize is 0 for unlabeled mode. If oprfKey is nil, a fresh one is
// generated.
func NewSenderDB(params *field.PSIParams, ctx *crypto.Context, labelSize int, oprfKey *oprf.Key) (*SenderDB, error) {
	if oprfKey == nil {
		var err error
		oprfKey, err = oprf.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("senderdb: generating OPRF key: %w", err)
		}
	}
	return &SenderDB{
		params:    params,
		ctx:       ctx,
		labelSize: labelSize,
		oprfKey:   oprfKey,
		bundles:   make(map[int][]*BinBundle),
	}, nil
}

// OPRFKey returns the Sender's long-lived OPRF secret key.
func (db *SenderDB) OPRFKey() *oprf.Key { return db.oprfKey }

// Params returns the negotiated PSIParams.
func (db *SenderDB) Params() *field.PSIParams { return db.params }

// BundlesAt returns the BinBundles whose bundle_idx equals the given
// bundle index, for use by the query engine.
func (db *SenderDB) BundlesAt(bundleIdx int) []*BinBundle {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return append([]*BinBundle(nil), db.bundles[bundleIdx]...)
}

// BundleIndices returns every bundle_idx currently holding at least one
// BinBundle, sorted ascending.
func (db *SenderDB) BundleIndices() []int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]int, 0, len(db.bundles))
	for idx := range db.bundles {
		out = append(out, idx)
	}
	sortInts(out)
	return out
}

func sortInts(a []int) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j-1] > a[j]; j-- {
			a[j-1], a[j] = a[j], a[j-1]
		}
	}
}

// EncodedItem is the felts_per_item-wide encoding of one item (and, in
// labeled mode, its label), ready for cuckoo placement.
type EncodedItem struct {
	Hashed [16]byte
	Keys   []field.Felt
	Labels [][]field.Felt // nil unless labeled
}

// Insert places one item into the SenderDB following the placement
// algorithm of spec §4.7: try each cuckoo candidate slot's existing
// bundles, falling back to a freshly allocated BinBundle when none accept
// it. An item whose keys are already stored at any of its candidate slots is
// rejected with ErrDuplicateKey. Insert holds the SenderDB writer lock for
// the whole placement.
func (db *SenderDB) Insert(item EncodedItem) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	locations := cuckooLocations(item.Hashed, db.params.HashFuncCount, db.params.TableSize)

	// Step 1: an exact repeat is a duplicate even if another slot could take it.
	for _, slot := range locations {
		startBin := (int(slot) % db.params.ItemsPerBundle) * db.params.FeltsPerItem
		for _, bndl := range db.bundles[int(slot)/db.params.ItemsPerBundle] {
			bndl.mu.RLock()
			held := true
			for i, key := range item.Keys {
				_, ok := bndl.bins[startBin+i].entries[key]
				held = held && ok
			}
			bndl.mu.RUnlock()
			if held {
				return fmt.Errorf("%w: item already stored at table slot %d", ErrDuplicateKey, slot)
			}
		}
	}

	// Step 2-4: try every existing BinBundle at every candidate slot first.
	for _, slot := range locations {
		bundleIdx := int(slot) / db.params.ItemsPerBundle
		bundleOffset := int(slot) % db.params.ItemsPerBundle
		startBin := bundleOffset * db.params.FeltsPerItem

		for _, bndl := range db.bundles[bundleIdx] {
			if _, err := bndl.MultiInsert(Item{Keys: item.Keys, Labels: item.Labels}, startBin, true); err != nil {
				continue
			}
			if _, err := bndl.MultiInsert(Item{Keys: item.Keys, Labels: item.Labels}, startBin, false); err != nil {
				return fmt.Errorf("senderdb: insert after successful dry run: %w", err)
			}
			return nil
		}
	}

	// Step 5: none of the existing bundles at any candidate slot could take
	// it; allocate a fresh BinBundle at the first candidate slot, which
	// trivially accepts it since it starts empty.
	slot := locations[0]
	bundleIdx := int(slot) / db.params.ItemsPerBundle
	bundleOffset := int(slot) % db.params.ItemsPerBundle
	startBin := bundleOffset * db.params.FeltsPerItem

	bndl := NewBinBundle(db.params.Field, db.params.ItemsPerBundle*db.params.FeltsPerItem, db.params.MaxItemsPerBin, db.labelSize)
	if _, err := bndl.MultiInsert(Item{Keys: item.Keys, Labels: item.Labels}, startBin, false); err != nil {
		return fmt.Errorf("senderdb: fresh bundle rejected item unexpectedly: %w", err)
	}
	db.bundles[bundleIdx] = append(db.bundles[bundleIdx], bndl)
	return nil
}

// Remove deletes item from every bundle holding it, invalidating affected
// caches. Returns an error if the item was not found at any cuckoo
// candidate location.
func (db *SenderDB) Remove(item EncodedItem) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	locations := cuckooLocations(item.Hashed, db.params.HashFuncCount, db.params.TableSize)
	removed := false
	for _, slot := range locations {
		bundleIdx := int(slot) / db.params.ItemsPerBundle
		bundleOffset := int(slot) % db.params.ItemsPerBundle
		startBin := bundleOffset * db.params.FeltsPerItem

		for _, bndl := range db.bundles[bundleIdx] {
			if bndl.TryMultiRemove(item.Keys, startBin) {
				removed = true
			}
		}
	}
	if !removed {
		return fmt.Errorf("senderdb: item not found at any cuckoo location")
	}
	return nil
}

// RegenerateStaleCaches rebuilds the cache of every BinBundle whose cache
// is currently invalid. It takes the SenderDB writer lock itself (callers
// invoke this after a batch of Insert/Remove calls, before queries run).
func (db *SenderDB) RegenerateStaleCaches() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	sw := applog.NewStopwatch()
	rebuilt := 0
	for _, bundles := range db.bundles {
		for _, bndl := range bundles {
			if !bndl.CacheValid() {
				if err := bndl.RegenCache(db.ctx); err != nil {
					return err
				}
				rebuilt++
			}
		}
	}
	sw.Mark(fmt.Sprintf("regenerated %d bundle caches", rebuilt))
	sw.LogPhases("senderdb: cache rebuild")
	return nil
}
