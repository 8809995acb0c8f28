// Package sender implements the Sender side of the protocol: the BinBundle
// storage unit, the cuckoo-placement SenderDB, and the query-evaluation
// pipeline (spec §4.6–§4.8). Grounded on the original APSI
// common/apsi/sender/bin_bundle.cpp/sender_db.cpp design, re-expressed with
// explicit Go error returns instead of C++ exceptions per spec §9, and using
// the lattigo-backed internal/crypto.Context instead of SEAL.
package sender

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/auroradata-ai/apsi-engine/internal/crypto"
	"github.com/auroradata-ai/apsi-engine/internal/field"
	"github.com/auroradata-ai/apsi-engine/internal/interpolate"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
)

// ErrBinOverflow is returned by multi-insert when a bin would exceed its
// configured maximum size.
var ErrBinOverflow = errors.New("sender: bin overflow")

// ErrDuplicateKey is returned by multi-insert when a bin already holds the
// given key.
var ErrDuplicateKey = errors.New("sender: duplicate key")

// Item is one felts_per_item-wide encoded entry: a key felt per bin offset
// and, in labeled mode, label_size label-part felts per offset.
type Item struct {
	Keys   []field.Felt   // length felts_per_item
	Labels [][]field.Felt // nil in unlabeled mode; else length felts_per_item, each of length label_size
}

// bin is one ordered associative container keyed by felt.
type bin struct {
	entries map[field.Felt][]field.Felt // value is nil in unlabeled mode
	order   []field.Felt                // insertion order, for deterministic root ordering and iteration
}

func newBin() *bin {
	return &bin{entries: make(map[field.Felt][]field.Felt)}
}

// BinBundle is the unit of Sender storage and of ciphertext evaluation: a
// fixed-size array of bins, all processed together via batching (spec §3).
type BinBundle struct {
	mu sync.RWMutex

	fld           *field.Field
	binsPerBundle int
	maxBinSize    int
	labelSize     int // 0 in unlabeled mode
	bins          []*bin
	cacheValid    bool
	matchingPolyn [][]field.Felt   // per bin, degree-ascending, length maxBinSize+1
	interpPolyn   [][][]field.Felt // per bin, per label part
	batchedMatch  []*rlwe.Plaintext
	batchedInterp [][]*rlwe.Plaintext // per label part, per degree
}

// NewBinBundle allocates an empty bundle with binsPerBundle bins.
func NewBinBundle(fld *field.Field, binsPerBundle, maxBinSize, labelSize int) *BinBundle {
	bins := make([]*bin, binsPerBundle)
	for i := range bins {
		bins[i] = newBin()
	}
	return &BinBundle{
		fld:           fld,
		binsPerBundle: binsPerBundle,
		maxBinSize:    maxBinSize,
		labelSize:     labelSize,
		bins:          bins,
	}
}

// MaxBinSizeInRange returns the largest bin occupancy across
// [startBinIdx, startBinIdx+feltsPerItem).
func (b *BinBundle) MaxBinSizeInRange(startBinIdx, feltsPerItem int) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maxBinSizeInRangeLocked(startBinIdx, feltsPerItem)
}

func (b *BinBundle) maxBinSizeInRangeLocked(startBinIdx, feltsPerItem int) int {
	max := 0
	for i := 0; i < feltsPerItem; i++ {
		n := len(b.bins[startBinIdx+i].entries)
		if n > max {
			max = n
		}
	}
	return max
}

// MultiInsert attempts to insert item's felts into bins
// [startBinIdx, startBinIdx+len(item.Keys)). On collision (any of the
// affected bins already holds the same key at that offset) or overflow it
// returns -1 and ErrDuplicateKey/ErrBinOverflow without mutating state. On
// success it returns the post-insert maximum bin size across the affected
// range. dryRun true performs validation only.
func (b *BinBundle) MultiInsert(item Item, startBinIdx int, dryRun bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, key := range item.Keys {
		bn := b.bins[startBinIdx+i]
		if _, exists := bn.entries[key]; exists {
			return -1, fmt.Errorf("%w: bin %d key %d", ErrDuplicateKey, startBinIdx+i, key)
		}
		if len(bn.entries) >= b.maxBinSize {
			return -1, fmt.Errorf("%w: bin %d at capacity %d", ErrBinOverflow, startBinIdx+i, b.maxBinSize)
		}
	}

	if dryRun {
		return b.maxBinSizeInRangeLocked(startBinIdx, len(item.Keys)) + 1, nil
	}

	for i, key := range item.Keys {
		bn := b.bins[startBinIdx+i]
		var label []field.Felt
		if item.Labels != nil {
			label = item.Labels[i]
		}
		bn.entries[key] = label
		bn.order = append(bn.order, key)
	}
	b.cacheValid = false

	return b.maxBinSizeInRangeLocked(startBinIdx, len(item.Keys)), nil
}

// TryMultiRemove removes keys at bins [startBinIdx, startBinIdx+len(keys))
// if every bin contains its corresponding key; otherwise it leaves state
// unchanged and returns false.
func (b *BinBundle) TryMultiRemove(keys []field.Felt, startBinIdx int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, key := range keys {
		if _, exists := b.bins[startBinIdx+i].entries[key]; !exists {
			return false
		}
	}
	for i, key := range keys {
		bn := b.bins[startBinIdx+i]
		delete(bn.entries, key)
		for j, k := range bn.order {
			if k == key {
				bn.order = append(bn.order[:j], bn.order[j+1:]...)
				break
			}
		}
	}
	b.cacheValid = false
	return true
}

// CacheValid reports whether the cached polynomials/plaintexts reflect the
// current bin contents.
func (b *BinBundle) CacheValid() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cacheValid
}

// RegenCache rebuilds the matching/interpolation polynomials and their
// batched NTT-form plaintexts (spec §4.6). Must be called under the owning
// SenderDB's writer lock.
func (b *BinBundle) RegenCache(ctx *crypto.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	matching := make([][]field.Felt, b.binsPerBundle)
	var interp [][][]field.Felt
	if b.labelSize > 0 {
		interp = make([][][]field.Felt, b.binsPerBundle)
	}

	for i, bn := range b.bins {
		roots, err := paddedRoots(bn, b.fld, b.maxBinSize)
		if err != nil {
			return fmt.Errorf("sender: bin %d: %w", i, err)
		}
		matching[i] = interpolate.PolynWithRoots(roots, b.fld)

		if b.labelSize > 0 {
			parts := make([][]field.Felt, b.labelSize)
			points := roots
			for part := 0; part < b.labelSize; part++ {
				values := make([]field.Felt, len(points))
				for j, key := range points {
					if lbl, ok := bn.entries[key]; ok {
						values[j] = lbl[part]
					} else {
						values[j] = 0 // filler roots carry garbage label value, discarded by the Receiver on non-match
					}
				}
				poly, err := interpolate.NewtonInterpolate(points, values, b.fld)
				if err != nil {
					return fmt.Errorf("sender: bin %d label part %d: %w", i, part, err)
				}
				parts[part] = poly
			}
			interp[i] = parts
		}
	}

	degree := b.maxBinSize + 1
	batchedMatch := make([]*rlwe.Plaintext, degree)
	for d := 0; d < degree; d++ {
		slots := make([]field.Felt, b.binsPerBundle)
		for i := 0; i < b.binsPerBundle; i++ {
			if d < len(matching[i]) {
				slots[i] = matching[i][d]
			}
		}
		pt, err := ctx.EncodeFelts(slots)
		if err != nil {
			return fmt.Errorf("sender: encode matching degree %d: %w", d, err)
		}
		batchedMatch[d] = pt
	}

	var batchedInterp [][]*rlwe.Plaintext
	if b.labelSize > 0 {
		batchedInterp = make([][]*rlwe.Plaintext, b.labelSize)
		for part := 0; part < b.labelSize; part++ {
			batchedInterp[part] = make([]*rlwe.Plaintext, degree)
			for d := 0; d < degree; d++ {
				slots := make([]field.Felt, b.binsPerBundle)
				for i := 0; i < b.binsPerBundle; i++ {
					if interp[i] != nil && d < len(interp[i][part]) {
						slots[i] = interp[i][part][d]
					}
				}
				pt, err := ctx.EncodeFelts(slots)
				if err != nil {
					return fmt.Errorf("sender: encode interp part %d degree %d: %w", part, d, err)
				}
				batchedInterp[part][d] = pt
			}
		}
	}

	b.matchingPolyn = matching
	b.interpPolyn = interp
	b.batchedMatch = batchedMatch
	b.batchedInterp = batchedInterp
	b.cacheValid = true
	return nil
}

// paddedRoots returns a bin's keys padded with rejection-sampled filler
// values, up to maxBinSize entries, so every bin in a bundle yields a
// matching polynomial of the same degree for batching. A filler is redrawn
// if it collides with a real key already in the bin or with a filler already
// chosen for this same call, so the padded root set is always maxBinSize
// distinct field elements (spec §3: "Empty bins behave as if they contain a
// 'null' felt ... guaranteed never to equal any legitimate felt" — see
// DESIGN.md for why this is satisfied by per-call rejection sampling rather
// than a fixed reserved sentinel).
func paddedRoots(bn *bin, fld *field.Field, maxBinSize int) ([]field.Felt, error) {
	roots := make([]field.Felt, 0, maxBinSize)
	roots = append(roots, bn.order...)

	fillers := make(map[field.Felt]struct{})
	for len(roots) < maxBinSize {
		filler, err := randomFelt(fld)
		if err != nil {
			return nil, err
		}
		if _, exists := bn.entries[filler]; exists {
			continue
		}
		if _, exists := fillers[filler]; exists {
			continue
		}
		fillers[filler] = struct{}{}
		roots = append(roots, filler)
	}
	return roots, nil
}

func randomFelt(fld *field.Field) (field.Felt, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).SetUint64(fld.Modulus()))
	if err != nil {
		return 0, fmt.Errorf("sender: filler sampling: %w", err)
	}
	return field.Felt(n.Uint64()), nil
}

// BinEntry is one (key, label) pair within a single bin, in insertion
// order, for SenderDB persistence (spec §6).
type BinEntry struct {
	Key   field.Felt
	Label []field.Felt // nil in unlabeled mode
}

// ExportBins snapshots every bin's entries in insertion order. The cache
// itself is never exported — RestoreBinBundle always starts with an
// invalid cache, and the loader regenerates it, matching spec §6's "lazily
// regenerates caches only if their serialized form is absent".
func (b *BinBundle) ExportBins() [][]BinEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([][]BinEntry, len(b.bins))
	for i, bn := range b.bins {
		entries := make([]BinEntry, len(bn.order))
		for j, key := range bn.order {
			entries[j] = BinEntry{Key: key, Label: bn.entries[key]}
		}
		out[i] = entries
	}
	return out
}

// RestoreBinBundle rebuilds a BinBundle directly from a prior ExportBins
// snapshot, bypassing MultiInsert's overflow/duplicate checks since the
// snapshot was already a valid bundle when dumped. Callers must RegenCache
// before the first query.
func RestoreBinBundle(fld *field.Field, maxBinSize, labelSize int, bins [][]BinEntry) *BinBundle {
	b := &BinBundle{
		fld:           fld,
		binsPerBundle: len(bins),
		maxBinSize:    maxBinSize,
		labelSize:     labelSize,
		bins:          make([]*bin, len(bins)),
	}
	for i, entries := range bins {
		bn := newBin()
		for _, e := range entries {
			bn.entries[e.Key] = e.Label
			bn.order = append(bn.order, e.Key)
		}
		b.bins[i] = bn
	}
	return b
}

// Evaluate computes Σ coeff_d * powers[d] (powers[0] implicit as the unit
// ciphertext) against the batched matching polynomial, producing the PSI
// result ciphertext, and, in labeled mode, one ciphertext per label part
// (spec §4.6 "Evaluation").
func (b *BinBundle) Evaluate(ctx *crypto.Context, powers map[uint32]*rlwe.Ciphertext) (psiResult *rlwe.Ciphertext, labelResults []*rlwe.Ciphertext, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.cacheValid {
		return nil, nil, fmt.Errorf("sender: cache invalid, call RegenCache first")
	}

	psiResult, err = b.evaluateBatchedLocked(ctx, b.batchedMatch, powers)
	if err != nil {
		return nil, nil, fmt.Errorf("sender: matching evaluation: %w", err)
	}
	psiResult, err = ctx.ModSwitchToSmallest(psiResult)
	if err != nil {
		return nil, nil, fmt.Errorf("sender: matching result mod-switch: %w", err)
	}

	if b.labelSize > 0 {
		labelResults = make([]*rlwe.Ciphertext, b.labelSize)
		for part := 0; part < b.labelSize; part++ {
			lr, err := b.evaluateBatchedLocked(ctx, b.batchedInterp[part], powers)
			if err != nil {
				return nil, nil, fmt.Errorf("sender: label part %d evaluation: %w", part, err)
			}
			lr, err = ctx.ModSwitchToSmallest(lr)
			if err != nil {
				return nil, nil, fmt.Errorf("sender: label part %d mod-switch: %w", part, err)
			}
			labelResults[part] = lr
		}
	}
	return psiResult, labelResults, nil
}

func (b *BinBundle) evaluateBatchedLocked(ctx *crypto.Context, batched []*rlwe.Plaintext, powers map[uint32]*rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	acc := ctx.NewZeroCiphertext(ctx.MaxLevel()) // degree-0 accumulator, starts at zero
	if err := ctx.AddPlain(acc, batched[0]); err != nil {
		return nil, err
	}

	for d := 1; d < len(batched); d++ {
		power, ok := powers[uint32(d)]
		if !ok {
			return nil, fmt.Errorf("sender: missing power %d in expanded basis", d)
		}
		if err := ctx.MultiplyPlainAdd(acc, batched[d], power); err != nil {
			return nil, err
		}
	}
	return acc, nil
}
