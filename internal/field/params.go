package field

import (
	"fmt"
	"math/big"
	"sort"
)

// PSIParams is the frozen, validated configuration negotiated up front
// between Sender and Receiver (spec §3). It is immutable after
// construction and is safe to share by reference across goroutines.
type PSIParams struct {
	FeltsPerItem   int
	TableSize      uint32
	MaxItemsPerBin int
	HashFuncCount  int
	PowersSet      []uint32 // sorted, deduplicated

	PolyModulusDegree int
	CoeffModuliBits   []int
	PlainModulus      uint64

	// Derived quantities.
	ItemsPerBundle int
	BundleCount    int

	Field *Field
}

// NewPSIParams validates the inputs and constructs a frozen PSIParams,
// computing the derived quantities per spec §3.
func NewPSIParams(feltsPerItem int, tableSize uint32, maxItemsPerBin, hashFuncCount int,
	powersSet []uint32, polyModulusDegree int, coeffModuliBits []int, plainModulus uint64) (*PSIParams, error) {

	if feltsPerItem <= 0 {
		return nil, fmt.Errorf("psiparams: felts_per_item must be positive")
	}
	if tableSize == 0 || tableSize&(tableSize-1) != 0 {
		return nil, fmt.Errorf("psiparams: table_size must be a power of two, got %d", tableSize)
	}
	if hashFuncCount < 1 || hashFuncCount > 8 {
		return nil, fmt.Errorf("psiparams: hash_func_count must be in [1,8], got %d", hashFuncCount)
	}
	if maxItemsPerBin <= 0 {
		return nil, fmt.Errorf("psiparams: max_items_per_bin must be positive")
	}
	if !isPrime(plainModulus) {
		return nil, fmt.Errorf("psiparams: plain modulus %d is not prime", plainModulus)
	}
	if polyModulusDegree <= 0 || feltsPerItem <= 0 || polyModulusDegree%feltsPerItem != 0 {
		return nil, fmt.Errorf("psiparams: items_per_bundle must divide evenly (N=%d, felts_per_item=%d)",
			polyModulusDegree, feltsPerItem)
	}

	ps := dedupSortedU32(powersSet)
	if len(ps) == 0 || ps[0] != 1 {
		return nil, fmt.Errorf("psiparams: powers_set must contain 1")
	}
	if err := verifyPowersReachable(ps, maxItemsPerBin); err != nil {
		return nil, err
	}

	f, err := New(plainModulus)
	if err != nil {
		return nil, err
	}

	itemsPerBundle := polyModulusDegree / feltsPerItem
	bundleCount := int((uint64(tableSize) + uint64(itemsPerBundle) - 1) / uint64(itemsPerBundle))

	return &PSIParams{
		FeltsPerItem:      feltsPerItem,
		TableSize:         tableSize,
		MaxItemsPerBin:    maxItemsPerBin,
		HashFuncCount:     hashFuncCount,
		PowersSet:         ps,
		PolyModulusDegree: polyModulusDegree,
		CoeffModuliBits:   append([]int(nil), coeffModuliBits...),
		PlainModulus:      plainModulus,
		ItemsPerBundle:    itemsPerBundle,
		BundleCount:       bundleCount,
		Field:             f,
	}, nil
}

// verifyPowersReachable checks that, starting from the source powers,
// pairwise sums can reach every integer in [1, maxPower] — the precondition
// PowersDag.configure relies on (spec §3's PSIParams invariant).
func verifyPowersReachable(sources []uint32, maxPower int) error {
	known := make(map[uint32]bool, maxPower+1)
	for _, s := range sources {
		known[s] = true
	}
	for target := uint32(1); target <= uint32(maxPower); target++ {
		if known[target] {
			continue
		}
		reachable := false
		for a := range known {
			if !known[a] {
				continue
			}
			if target > a {
				b := target - a
				if known[b] {
					reachable = true
					break
				}
			}
		}
		if !reachable {
			return fmt.Errorf("psiparams: powers_set cannot reach power %d from sources %v", target, sources)
		}
		known[target] = true
	}
	return nil
}

func dedupSortedU32(in []uint32) []uint32 {
	seen := make(map[uint32]bool, len(in))
	out := make([]uint32, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// isPrime is a Miller-Rabin primality test sufficient for the small (<2^20)
// plaintext moduli this system uses.
func isPrime(n uint64) bool {
	if n < 2 {
		return false
	}
	for _, p := range []uint64{2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31} {
		if n == p {
			return true
		}
		if n%p == 0 {
			return false
		}
	}
	return big.NewInt(0).SetUint64(n).ProbablyPrime(20)
}
