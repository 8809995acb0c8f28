package sender

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	apsicrypto "github.com/auroradata-ai/apsi-engine/internal/crypto"
	"github.com/auroradata-ai/apsi-engine/internal/powers"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
)

// ErrMalformedQuery is returned when a query's submitted powers do not
// exactly match PSIParams.PowersSet (spec §4.8 step 1).
var ErrMalformedQuery = errors.New("sender: malformed query")

// Query is one Receiver request: for each submitted power k, one ciphertext
// per bundle_idx carrying that power of every slot's item-felt (spec §4.9
// step 3), plus the public key and relinearization key the Receiver
// encrypted it under. The Sender builds a fresh evaluation-only crypto
// context from these for every query — it never retains a keypair of its
// own (spec §1's asymmetry; see internal/crypto.NewEvaluationContext).
type Query struct {
	PublicKey []byte
	RelinKey  []byte
	Powers    map[uint32]map[int]*rlwe.Ciphertext // power -> bundle_idx -> ciphertext
}

// ResultPackage is one BinBundle's contribution to a query answer (spec §3,
// §6 RESULT_PACKAGE).
type ResultPackage struct {
	BundleIdx      int
	LabelByteCount int
	NonceByteCount int
	PSIResult      *rlwe.Ciphertext
	LabelResult    []*rlwe.Ciphertext
}

// Engine evaluates queries against a SenderDB using a shared PowersDag
// built once from PSIParams.PowersSet (spec §4.5, shared identically by
// Receiver and Sender). It holds no HE keys: every Answer call builds a
// fresh evaluation-only context from that query's own public/relin key.
type Engine struct {
	db           *SenderDB
	dag          *powers.Dag
	workers      int
	labelByteCnt int
	nonceByteCnt int
}

// NewEngine builds the query engine's PowersDag from db's negotiated
// parameters.
func NewEngine(db *SenderDB, workers, labelByteCount, nonceByteCount int) (*Engine, error) {
	targets := make([]uint32, db.Params().MaxItemsPerBin)
	for i := range targets {
		targets[i] = uint32(i + 1)
	}
	dag, err := powers.Configure(db.Params().PowersSet, targets)
	if err != nil {
		return nil, fmt.Errorf("sender: building query engine PowersDag: %w", err)
	}
	if workers <= 0 {
		workers = 1
	}
	return &Engine{db: db, dag: dag, workers: workers, labelByteCnt: labelByteCount, nonceByteCnt: nonceByteCount}, nil
}

// Answer validates and evaluates q, returning one ResultPackage per
// (bundle_idx, BinBundle) pair (spec §4.8).
func (e *Engine) Answer(ctx context.Context, q Query) ([]ResultPackage, error) {
	if err := e.validatePowers(q); err != nil {
		return nil, err
	}

	evalCtx, err := apsicrypto.NewEvaluationContext(e.db.Params(), q.PublicKey, q.RelinKey)
	if err != nil {
		return nil, fmt.Errorf("sender: building evaluation context: %w", err)
	}

	bundleIndices := e.db.BundleIndices()
	results := make([][]ResultPackage, len(bundleIndices))

	for i, bundleIdx := range bundleIndices {
		pkgs, err := e.answerBundle(ctx, evalCtx, bundleIdx, q)
		if err != nil {
			return nil, fmt.Errorf("sender: bundle %d: %w", bundleIdx, err)
		}
		results[i] = pkgs
	}

	var out []ResultPackage
	for _, pkgs := range results {
		out = append(out, pkgs...)
	}
	return out, nil
}

func (e *Engine) validatePowers(q Query) error {
	got := make([]uint32, 0, len(q.Powers))
	for k := range q.Powers {
		got = append(got, k)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })

	want := e.db.Params().PowersSet
	if len(got) != len(want) {
		return fmt.Errorf("%w: got %d powers, want %d", ErrMalformedQuery, len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("%w: power set mismatch at index %d: got %d, want %d", ErrMalformedQuery, i, got[i], want[i])
		}
	}
	return nil
}

// answerBundle expands the local power basis for one bundle_idx via
// PowersDag.ParallelApply, then evaluates every BinBundle at that index.
func (e *Engine) answerBundle(ctx context.Context, evalCtx *apsicrypto.Context, bundleIdx int, q Query) ([]ResultPackage, error) {
	expanded := make(map[uint32]*rlwe.Ciphertext)
	for _, power := range e.dag.TargetPowers() {
		if node, _ := e.dag.Node(power); node.IsSource() {
			ct, ok := q.Powers[power][bundleIdx]
			if !ok {
				return nil, fmt.Errorf("%w: missing ciphertext for power %d at bundle %d", ErrMalformedQuery, power, bundleIdx)
			}
			expanded[power] = ct
		}
	}

	var mu sync.Mutex // ParallelApply runs this callback on several workers
	err := e.dag.ParallelApply(ctx, e.workers, func(node powers.Node) {
		if node.IsSource() {
			return
		}
		mu.Lock()
		a, aOk := expanded[node.Parent1]
		b, bOk := expanded[node.Parent2]
		mu.Unlock()
		if !aOk || !bOk {
			return
		}
		product, mulErr := evalCtx.MultiplyRelin(a, b)
		if mulErr != nil {
			return
		}
		mu.Lock()
		expanded[node.Power] = product
		mu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("expanding power basis: %w", err)
	}

	var packages []ResultPackage
	for _, bndl := range e.db.BundlesAt(bundleIdx) {
		psiResult, labelResults, err := bndl.Evaluate(evalCtx, expanded)
		if err != nil {
			return nil, err
		}
		packages = append(packages, ResultPackage{
			BundleIdx:      bundleIdx,
			LabelByteCount: e.labelByteCnt,
			NonceByteCount: e.nonceByteCnt,
			PSIResult:      psiResult,
			LabelResult:    labelResults,
		})
	}
	return packages, nil
}
