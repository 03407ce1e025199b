// Copyright 2019 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package reservation implements the topology-aware reservation planner:
// given an available node set, a desired node count and an optional
// per-node-or-aggregate core count array, select a node set (and
// optionally exact cores) under switch-tree constraints.
package reservation

import (
	"math"
	"sort"

	logger "github.com/hpc-cr/engine/pkg/log"

	"github.com/hpc-cr/engine/pkg/bitmap"
	"github.com/hpc-cr/engine/pkg/coremap"
	"github.com/hpc-cr/engine/pkg/crerr"
	"github.com/hpc-cr/engine/pkg/metrics/enginecollector"
)

var log = logger.NewLogger("reservation")

// Strategy selects which of the three placement strategies the planner
// should use.
type Strategy int

const (
	// Auto picks FirstCores, Topology, or Sequential based on which
	// inputs are populated.
	Auto Strategy = iota
	FirstCores
	Topology
	Sequential
)

// Request is the reservation planner's input, the resv_test entry point's
// parameters.
type Request struct {
	Avail      *bitmap.Bitmap // allowed nodes, length N
	NodeCnt    int
	CoreCnt    []int // per-node core counts, or a single aggregate total at index 0
	Strategy   Strategy
	SwitchTree *SwitchNode // optional; enables the topology strategy
	Exclude    *bitmap.Bitmap // cores already excluded, length C; never mutated
}

// Result is the planner's output: the selected nodes and, if core_cnt
// was specified, the exact cores selected on them.
type Result struct {
	Nodes *bitmap.Bitmap
	Cores *bitmap.Bitmap // nil if no per-core selection was requested
}

// isAggregate reports whether CoreCnt names a single cluster-wide total
// rather than one entry per node.
func (r *Request) isAggregate() bool {
	return len(r.CoreCnt) == 1 && r.NodeCnt > 1
}

func freeCoresOnNode(cmi *coremap.Index, node int, exclude *bitmap.Bitmap) []int {
	lo := cmi.Offset(node)
	hi := lo + cmi.Cores(node)
	var free []int
	for b := lo; b < hi; b++ {
		if exclude == nil || !exclude.Test(b) {
			free = append(free, b-lo)
		}
	}
	return free
}

func freeCoreCount(cmi *coremap.Index, node int, exclude *bitmap.Bitmap) int {
	if exclude == nil {
		return cmi.Cores(node)
	}
	lo := cmi.Offset(node)
	hi := lo + cmi.Cores(node)
	n := 0
	for b := lo; b < hi; b++ {
		if !exclude.Test(b) {
			n++
		}
	}
	return n
}

func availNodes(avail *bitmap.Bitmap) []int {
	return avail.Bits()
}

// Plan runs the reservation planner. On failure it returns a nil Result
// and a NO_FIT error, returning an empty selection rather than ever
// partially committing, and never mutates req.Avail or req.Exclude.
func Plan(cmi *coremap.Index, req *Request) (*Result, error) {
	strategy := req.Strategy
	if strategy == Auto {
		switch {
		case len(req.CoreCnt) > 0 && !req.isAggregate() && req.SwitchTree == nil:
			strategy = FirstCores
		case req.SwitchTree != nil && req.NodeCnt > 0:
			strategy = Topology
		default:
			strategy = Sequential
		}
	}

	var (
		nodes *bitmap.Bitmap
		err   error
	)
	switch strategy {
	case FirstCores:
		nodes, err = planFirstCores(cmi, req)
	case Topology:
		nodes, err = planTopology(cmi, req)
	default:
		nodes, err = planSequential(cmi, req)
	}
	if err != nil {
		enginecollector.PlannerFailures.Inc()
		return nil, err
	}

	if nodes == nil || nodes.PopCount() < req.NodeCnt {
		enginecollector.PlannerFailures.Inc()
		return nil, crerr.New("Plan", crerr.NoFit, "could not find %d nodes satisfying the request", req.NodeCnt)
	}

	var cores *bitmap.Bitmap
	if len(req.CoreCnt) > 0 {
		cores, err = selectCores(cmi, nodes, req)
		if err != nil {
			enginecollector.PlannerFailures.Inc()
			return nil, err
		}
	}

	return &Result{Nodes: nodes, Cores: cores}, nil
}

// planFirstCores implements the FIRST_CORES strategy: for
// each node low-index first, take exactly core_cnt[i] lowest free cores,
// skipping nodes with too few.
func planFirstCores(cmi *coremap.Index, req *Request) (*bitmap.Bitmap, error) {
	selected := bitmap.New(cmi.NumNodes())
	filled := 0
	for _, n := range availNodes(req.Avail) {
		if filled >= len(req.CoreCnt) {
			break
		}
		want := req.CoreCnt[filled]
		if freeCoreCount(cmi, n, req.Exclude) < want {
			continue
		}
		selected.Set(n)
		filled++
		if req.NodeCnt > 0 && selected.PopCount() >= req.NodeCnt {
			break
		}
	}
	if filled < len(req.CoreCnt) {
		return nil, crerr.New("planFirstCores", crerr.NoFit, "only %d/%d nodes had enough free cores", filled, len(req.CoreCnt))
	}
	return selected, nil
}

// filterAvail returns the subset of nodes present in avail.
func filterAvail(nodes []int, avail *bitmap.Bitmap) []int {
	var out []int
	for _, n := range nodes {
		if avail.Test(n) {
			out = append(out, n)
		}
	}
	return out
}

// switchCovers reports whether enough of the available nodes under s, each
// with enough free cores for the next core_cnt entry in order, exist to
// satisfy req.
func switchCovers(cmi *coremap.Index, s *SwitchNode, req *Request) bool {
	nodes := filterAvail(s.Nodes(), req.Avail)
	if len(nodes) < req.NodeCnt {
		return false
	}
	if len(req.CoreCnt) == 0 || req.isAggregate() {
		return true
	}
	sort.Ints(nodes)
	fit := 0
	for _, n := range nodes {
		if fit >= len(req.CoreCnt) {
			break
		}
		if freeCoreCount(cmi, n, req.Exclude) >= req.CoreCnt[fit] {
			fit++
		}
	}
	return fit >= len(req.CoreCnt)
}

// findCoveringSwitch walks the tree post-order and returns the lowest-level
// switch whose nodes and cores both meet req's demand, preferring the
// deepest (smallest) subtree that still covers it over an ancestor.
func findCoveringSwitch(cmi *coremap.Index, s *SwitchNode, req *Request) *SwitchNode {
	for _, c := range s.Children {
		if found := findCoveringSwitch(cmi, c, req); found != nil {
			return found
		}
	}
	if switchCovers(cmi, s, req) {
		return s
	}
	return nil
}

// planTopology implements the TOPOLOGY-aware best-fit strategy: restrict
// to leaves under the lowest-level switch that can meet demand, then
// repeatedly consume the tightest sufficient leaf.
func planTopology(cmi *coremap.Index, req *Request) (*bitmap.Bitmap, error) {
	covering := findCoveringSwitch(cmi, req.SwitchTree, req)
	if covering == nil {
		return nil, crerr.New("planTopology", crerr.NoFit, "no switch covers the requested %d nodes", req.NodeCnt)
	}
	leaves := covering.Leaves()
	type cand struct {
		leaf  *SwitchNode
		nodes []int // free nodes under this leaf, ascending, intersected with avail
	}
	var cands []cand
	for _, leaf := range leaves {
		var free []int
		for _, n := range leaf.Nodes() {
			if !req.Avail.Test(n) {
				continue
			}
			if len(req.CoreCnt) > 0 && !req.isAggregate() {
				idx := len(free)
				if idx < len(req.CoreCnt) && freeCoreCount(cmi, n, req.Exclude) < req.CoreCnt[idx] {
					continue
				}
			}
			free = append(free, n)
		}
		sort.Ints(free)
		if len(free) > 0 {
			cands = append(cands, cand{leaf: leaf, nodes: free})
		}
	}

	selected := bitmap.New(cmi.NumNodes())
	remaining := req.NodeCnt

	for remaining > 0 && len(cands) > 0 {
		// Tightest sufficient leaf: smallest free-node count that still
		// covers remaining demand; fall back to the largest available
		// leaf if none suffices alone. Ties broken by leaf order
		// (lowest switch index first).
		bestIdx := -1
		for i, c := range cands {
			if bestIdx == -1 {
				bestIdx = i
				continue
			}
			cur, best := cands[bestIdx], c
			curSuff, bestSuff := len(cur.nodes) >= remaining, len(best.nodes) >= remaining
			switch {
			case bestSuff && curSuff:
				if len(best.nodes) < len(cur.nodes) {
					bestIdx = i
				}
			case bestSuff && !curSuff:
				bestIdx = i
			case !bestSuff && !curSuff:
				if len(best.nodes) > len(cur.nodes) {
					bestIdx = i
				}
			}
		}
		chosen := cands[bestIdx]
		take := remaining
		if take > len(chosen.nodes) {
			take = len(chosen.nodes)
		}
		for _, n := range chosen.nodes[:take] {
			selected.Set(n)
		}
		remaining -= take
		cands = append(cands[:bestIdx], cands[bestIdx+1:]...)
	}

	if remaining > 0 {
		return nil, crerr.New("planTopology", crerr.NoFit, "switch tree could not supply %d more of the requested nodes", remaining)
	}
	log.Debug("topology planner selected nodes %s", selected)
	return selected, nil
}

// planSequential implements the SEQUENTIAL fallback: walk
// candidate nodes ascending, taking whichever ones satisfy the request.
func planSequential(cmi *coremap.Index, req *Request) (*bitmap.Bitmap, error) {
	selected := bitmap.New(cmi.NumNodes())
	if req.isAggregate() {
		return planAggregate(cmi, req)
	}
	if len(req.CoreCnt) > 0 {
		filled := 0
		for _, n := range availNodes(req.Avail) {
			if filled >= len(req.CoreCnt) {
				break
			}
			if freeCoreCount(cmi, n, req.Exclude) < req.CoreCnt[filled] {
				continue
			}
			selected.Set(n)
			filled++
		}
		if filled < len(req.CoreCnt) {
			return nil, crerr.New("planSequential", crerr.NoFit, "only %d/%d partial-node reservations satisfied", filled, len(req.CoreCnt))
		}
		return selected, nil
	}
	for _, n := range availNodes(req.Avail) {
		if selected.PopCount() >= req.NodeCnt {
			break
		}
		selected.Set(n)
	}
	if selected.PopCount() < req.NodeCnt {
		return nil, crerr.New("planSequential", crerr.NoFit, "only %d/%d whole nodes available", selected.PopCount(), req.NodeCnt)
	}
	return selected, nil
}

// planAggregate implements aggregate-mode node selection: it takes the
// first node_cnt available nodes. Spreading the core_cnt[0] target over
// them is done afterwards by selectCores.
func planAggregate(cmi *coremap.Index, req *Request) (*bitmap.Bitmap, error) {
	nodeCnt := req.NodeCnt
	if nodeCnt < 1 {
		nodeCnt = 1
	}

	candidates := availNodes(req.Avail)
	if len(candidates) > nodeCnt {
		candidates = candidates[:nodeCnt]
	}
	selected := bitmap.New(cmi.NumNodes())
	for _, n := range candidates {
		selected.Set(n)
	}
	if selected.PopCount() < req.NodeCnt {
		return nil, crerr.New("planAggregate", crerr.NoFit, "only %d/%d candidate nodes available", selected.PopCount(), req.NodeCnt)
	}
	return selected, nil
}

// selectCores picks exact cores on the selected nodes once the node set
// is fixed. For non-aggregate requests this is another first-cores pass;
// for aggregate requests it spreads core_cnt[0] across the nodes, first
// taking up to ceil(target/len(nodes)) cores per node, then, if that
// leaves a residual, a second sweep with no per-node cap.
func selectCores(cmi *coremap.Index, nodes *bitmap.Bitmap, req *Request) (*bitmap.Bitmap, error) {
	cores := bitmap.New(cmi.TotalCores())
	nodeList := nodes.Bits()

	if req.isAggregate() {
		target := req.CoreCnt[0]
		perNodeMin := int(math.Ceil(float64(target) / float64(len(nodeList))))
		taken := map[int]int{}
		total := 0

		sweep := func(min int) {
			for _, n := range nodeList {
				if total >= target {
					return
				}
				free := freeCoresOnNode(cmi, n, req.Exclude)
				want := min - taken[n]
				if want <= 0 {
					continue
				}
				if want > len(free)-taken[n] {
					want = len(free) - taken[n]
				}
				for i := 0; i < want && total < target; i++ {
					local := free[taken[n]]
					cores.Set(cmi.Offset(n) + local)
					taken[n]++
					total++
				}
			}
		}
		sweep(perNodeMin)
		if total < target {
			enginecollector.ResidualSweeps.Inc()
			sweep(math.MaxInt32) // second sweep: no per-node cap, just fill to target
		}
		if total < target {
			return nil, crerr.New("selectCores", crerr.NoFit, "could only reserve %d/%d aggregate cores across %d nodes", total, target, len(nodeList))
		}
		return cores, nil
	}

	for i, n := range nodeList {
		if i >= len(req.CoreCnt) {
			break
		}
		free := freeCoresOnNode(cmi, n, req.Exclude)
		if len(free) < req.CoreCnt[i] {
			return nil, crerr.New("selectCores", crerr.NoFit, "node %d has only %d free cores, need %d", n, len(free), req.CoreCnt[i])
		}
		for _, local := range free[:req.CoreCnt[i]] {
			cores.Set(cmi.Offset(n) + local)
		}
	}
	return cores, nil
}
