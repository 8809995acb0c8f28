// Package powers implements PowersDag: a deterministic, depth-minimizing
// plan for computing every power in a target set from a smaller set of
// source powers via pairwise sums, shared identically by Receiver and
// Sender (spec §4.5). Ported from the atomic node-state machine in the
// original APSI common/apsi/powers.h.
package powers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrUnreachable is returned by Configure when some target power cannot be
// reached as a sum of two already-known powers.
var ErrUnreachable = errors.New("powers: target unreachable from sources")

// Node represents one power in the DAG: its depth, and (for non-source
// nodes) the two parent powers whose sum equals it.
type Node struct {
	Power   uint32
	Depth   uint32
	Parent1 uint32 // 0 for source nodes
	Parent2 uint32
}

// IsSource reports whether this node is a source (both parents zero).
func (n Node) IsSource() bool { return n.Parent1 == 0 && n.Parent2 == 0 }

// Dag is a configured PowersDag: sources plus every node needed to reach
// every target power with minimal depth.
type Dag struct {
	nodes        map[uint32]Node
	targetPowers []uint32 // sorted
	depth        uint32
	sourceCount  int
}

// Configure builds a Dag computing every power in targets from the powers in
// sources, minimizing depth and breaking ties lexicographically on the
// parent pair, per spec §4.5.
func Configure(sources, targets []uint32) (*Dag, error) {
	known := make(map[uint32]Node)
	for _, s := range sources {
		known[s] = Node{Power: s, Depth: 0}
	}

	targetSet := dedupSorted(targets)
	remaining := make(map[uint32]bool)
	for _, t := range targetSet {
		if _, ok := known[t]; !ok {
			remaining[t] = true
		}
	}

	// Repeatedly find and resolve any reachable remaining target, in a
	// deterministic order (ascending power) so the DAG build itself is
	// deterministic even before the tie-break rule kicks in.
	for len(remaining) > 0 {
		progressed := false

		pending := sortedKeys(remaining)
		for _, t := range pending {
			a, b, ok := bestParentPair(known, t)
			if !ok {
				continue
			}
			depth := 1 + maxU32(known[a].Depth, known[b].Depth)
			known[t] = Node{Power: t, Depth: depth, Parent1: a, Parent2: b}
			delete(remaining, t)
			progressed = true
		}

		if !progressed {
			return nil, fmt.Errorf("%w: targets %v", ErrUnreachable, sortedKeys(remaining))
		}
	}

	var maxDepth uint32
	for _, t := range targetSet {
		if d := known[t].Depth; d > maxDepth {
			maxDepth = d
		}
	}

	return &Dag{
		nodes:        known,
		targetPowers: targetSet,
		depth:        maxDepth,
		sourceCount:  len(sources),
	}, nil
}

// bestParentPair finds a, b in known with a+b == target, minimizing
// max(depth[a], depth[b]), breaking ties lexicographically on (a, b).
func bestParentPair(known map[uint32]Node, target uint32) (a, b uint32, ok bool) {
	candidates := sortedKeysOfNodes(known)
	bestDepth := ^uint32(0)
	found := false

	for _, x := range candidates {
		if x >= target {
			continue
		}
		y := target - x
		yn, yok := known[y]
		if !yok {
			continue
		}
		xn := known[x]
		d := maxU32(xn.Depth, yn.Depth)
		// candidates is sorted ascending, so the first x that achieves the
		// best depth also yields the lexicographically smallest (a, b).
		if !found || d < bestDepth {
			a, b, bestDepth, found = x, y, d, true
		}
	}
	return a, b, found
}

// Depth returns the DAG's depth: the longest path from any source to any
// target.
func (d *Dag) Depth() uint32 { return d.depth }

// SourceCount returns the number of source nodes.
func (d *Dag) SourceCount() int { return d.sourceCount }

// TargetPowers returns the sorted target powers.
func (d *Dag) TargetPowers() []uint32 {
	return append([]uint32(nil), d.targetPowers...)
}

// Node returns the node for the given power.
func (d *Dag) Node(power uint32) (Node, bool) {
	n, ok := d.nodes[power]
	return n, ok
}

// Apply calls fn(node) once per target power, in topological (source-first)
// order.
func (d *Dag) Apply(fn func(Node)) {
	for _, p := range d.targetPowers {
		fn(d.nodes[p])
	}
}

// ParallelApply schedules fn across a worker pool, respecting the DAG's
// parent dependencies: a non-source node only runs once both its parents
// have completed. Sources run immediately. Ported from the atomic
// Uncomputed/Computing/Computed scan loop in the original APSI powers.h,
// using goroutines and atomics instead of std::atomic<NodeState> arrays.
func (d *Dag) ParallelApply(ctx context.Context, workers int, fn func(Node)) error {
	if workers <= 0 {
		workers = 1
	}

	type state int32
	const (
		uncomputed state = iota
		computing
		done
	)

	n := len(d.targetPowers)
	states := make([]int32, n)
	index := make(map[uint32]int, n)
	for i, p := range d.targetPowers {
		index[p] = i
	}

	isDone := func(power uint32) bool {
		return atomic.LoadInt32(&states[index[power]]) == int32(done)
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			idx := 0
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}

				allDone := true
				for i := range states {
					if atomic.LoadInt32(&states[i]) != int32(done) {
						allDone = false
						break
					}
				}
				if allDone {
					return nil
				}

				power := d.targetPowers[idx]
				node := d.nodes[power]

				if !atomic.CompareAndSwapInt32(&states[idx], int32(uncomputed), int32(computing)) {
					idx = (idx + 1) % n
					continue
				}

				if node.IsSource() {
					fn(node)
					atomic.StoreInt32(&states[idx], int32(done))
					idx = (idx + 1) % n
					continue
				}

				if !isDone(node.Parent1) || !isDone(node.Parent2) {
					atomic.CompareAndSwapInt32(&states[idx], int32(computing), int32(uncomputed))
					idx = (idx + 1) % n
					continue
				}

				fn(node)
				atomic.StoreInt32(&states[idx], int32(done))
				idx = (idx + 1) % n
			}
		})
	}
	return g.Wait()
}

// DOT renders the Dag in GraphViz DOT format, for debugging. Ported from
// the original APSI PowersDag::to_dot().
func (d *Dag) DOT() string {
	out := "digraph powers {\n"
	for _, p := range d.targetPowers {
		n := d.nodes[p]
		if n.IsSource() {
			out += fmt.Sprintf("  %d [shape=box];\n", p)
			continue
		}
		out += fmt.Sprintf("  %d -> %d;\n  %d -> %d;\n", n.Parent1, p, n.Parent2, p)
	}
	out += "}\n"
	return out
}

func dedupSorted(in []uint32) []uint32 {
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

func sortedKeys(m map[uint32]bool) []uint32 {
	out := make([]uint32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedKeysOfNodes(m map[uint32]Node) []uint32 {
	out := make([]uint32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
