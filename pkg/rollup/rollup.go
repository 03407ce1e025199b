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

// Package rollup implements the Node-Info Rollup: derived
// per-node allocated-core/cpu/memory snapshots for external queries
// (typed-device/TRES counts are not included),
// cached until the generation counter the engine bumps on every mutation
// advances again — the same generation-counter idiom a resource cache
// uses to avoid redundant introspection work.
package rollup

import (
	"github.com/hpc-cr/engine/pkg/bitmap"
	"github.com/hpc-cr/engine/pkg/coremap"
	"github.com/hpc-cr/engine/pkg/nodeusage"
	"github.com/hpc-cr/engine/pkg/partition"
)

// NodeInfo is one node's rolled-up snapshot.
type NodeInfo struct {
	Node        int
	AllocCores  *bitmap.Bitmap // OR of every partition row_bitmap, sliced to this node
	AllocCpus   int            // AllocCores popcount, scaled for SMT if configured
	AllocMemory uint64
	TotalCores  int
}

// Status reports whether NodeInfoSetAll recomputed or found the cache
// still fresh.
type Status int

const (
	// Changed means the rollup recomputed and callers should re-read it.
	Changed Status = iota
	// NoChange means the cached rollup from the last generation is
	// still valid.
	NoChange
)

// Rollup caches NodeInfo snapshots, invalidated by generation.
type Rollup struct {
	ThreadsPerCore int // > 1 when cpus reported are hardware threads, not cores

	lastGeneration uint64
	cached         []*NodeInfo
}

// SetAll recomputes every node's snapshot if generation has advanced
// since the last call, otherwise returns NoChange and leaves the cache
// untouched.
func (r *Rollup) SetAll(cmi *coremap.Index, nut *nodeusage.Table, partitions []*partition.Partition, generation uint64) Status {
	if r.cached != nil && generation == r.lastGeneration {
		return NoChange
	}

	out := make([]*NodeInfo, cmi.NumNodes())
	for n := 0; n < cmi.NumNodes(); n++ {
		lo, hi := cmi.Offset(n), cmi.Offset(n)+cmi.Cores(n)
		alloc := bitmap.New(cmi.Cores(n))
		for _, p := range partitions {
			for _, row := range p.Rows {
				if row.RowBitmap == nil {
					continue
				}
				for b := lo; b < hi; b++ {
					if row.RowBitmap.Test(b) {
						alloc.Set(b - lo)
					}
				}
			}
		}
		cpus := alloc.PopCount()
		if r.ThreadsPerCore > 1 {
			cpus *= r.ThreadsPerCore
		}
		if cpus > cmi.Cores(n)*maxInt(r.ThreadsPerCore, 1) {
			cpus = cmi.Cores(n) * maxInt(r.ThreadsPerCore, 1)
		}
		out[n] = &NodeInfo{
			Node:        n,
			AllocCores:  alloc,
			AllocCpus:   cpus,
			AllocMemory: nut.Get(n).AllocMemory,
			TotalCores:  cmi.Cores(n),
		}
	}

	r.cached = out
	r.lastGeneration = generation
	return Changed
}

// Get returns the cached NodeInfo for node n, or nil if SetAll has never
// run.
func (r *Rollup) Get(n int) *NodeInfo {
	if r.cached == nil || n < 0 || n >= len(r.cached) {
		return nil
	}
	return r.cached[n]
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
