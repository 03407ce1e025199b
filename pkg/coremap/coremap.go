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

// Package coremap implements the Core-Map Index (CMI): a flat numbering
// of every core in the cluster with a per-node offset table, so any
// (node, local_core) pair maps to a single global bit position usable
// with pkg/bitmap.
package coremap

import (
	"fmt"

	logger "github.com/hpc-cr/engine/pkg/log"
)

var log = logger.NewLogger("coremap")

// Index is the Core-Map Index. It is rebuilt wholesale whenever the node
// table changes; there is no incremental update path. Every bitmap
// derived against a prior Index (row bitmaps, reservation masks) is
// invalid the moment Rebuild runs and must be reconstructed by the
// caller before use.
type Index struct {
	cores  []int // cores[n]: physical core count of node n
	offset []int // offset[n]: first global bit position of node n
	total  int   // total number of cores across all nodes

	threadsPerCore int // hardware threads reported per core bit; 0 means 1
}

// Build constructs an Index from a per-node core-count slice. offset[0]
// is always 0 and offsets are monotone non-decreasing.
func Build(coresPerNode []int) (*Index, error) {
	idx := &Index{}
	if err := idx.rebuild(coresPerNode); err != nil {
		return nil, err
	}
	return idx, nil
}

// Rebuild replaces the Index contents in place, invalidating every
// bitmap that was sized against the previous layout. Callers must
// reconstruct row bitmaps and reservation masks after calling this.
func (idx *Index) Rebuild(coresPerNode []int) error {
	return idx.rebuild(coresPerNode)
}

func (idx *Index) rebuild(coresPerNode []int) error {
	n := len(coresPerNode)
	cores := make([]int, n)
	offset := make([]int, n)
	total := 0
	for i, c := range coresPerNode {
		if c < 0 {
			return fmt.Errorf("coremap: node %d has negative core count %d", i, c)
		}
		cores[i] = c
		offset[i] = total
		total += c
	}
	idx.cores = cores
	idx.offset = offset
	idx.total = total
	log.Debug("rebuilt core-map index: %d nodes, %d total cores", n, total)
	return nil
}

// NumNodes returns the number of nodes in the index.
func (idx *Index) NumNodes() int {
	return len(idx.cores)
}

// Offset returns the global bit position of local core 0 on node n.
func (idx *Index) Offset(n int) int {
	return idx.offset[n]
}

// Cores returns the number of physical cores on node n.
func (idx *Index) Cores(n int) int {
	return idx.cores[n]
}

// TotalCores returns the total number of cores across every node, i.e.
// the length every row_bitmap and reservation mask must have.
func (idx *Index) TotalCores() int {
	return idx.total
}

// GlobalBit maps a (node, local core) pair onto its global bit position.
func (idx *Index) GlobalBit(node, localCore int) int {
	return idx.offset[node] + localCore
}

// SetThreadsPerCore sets how many hardware threads each core bit
// represents for cpu-count comparisons. Values below 1 are clamped to 1.
// It survives a later Rebuild, so callers only need to set it once after
// the cluster's SMT geometry is known.
func (idx *Index) SetThreadsPerCore(n int) {
	if n < 1 {
		n = 1
	}
	idx.threadsPerCore = n
}

// ThreadsPerCore returns the configured hardware-threads-per-core factor,
// defaulting to 1 when never set.
func (idx *Index) ThreadsPerCore() int {
	if idx.threadsPerCore < 1 {
		return 1
	}
	return idx.threadsPerCore
}
