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

// Package nodeusage implements the Node Usage Table (NUT): per-node
// allocated-memory counters, typed-device allocation state, and node
// sharing state. NUT entries persist for the node's lifetime; only
// their contents mutate.
package nodeusage

import (
	"fmt"

	"github.com/hpc-cr/engine/pkg/device"
	logger "github.com/hpc-cr/engine/pkg/log"
)

var log = logger.NewLogger("nodeusage")

// State is a node's sharing state.
type State int

const (
	// Available means the node carries no exclusive allocation.
	Available State = iota
	// OneJobNoShare means exactly one job holds the node exclusively.
	OneJobNoShare
	// Shared means the node is split across multiple sharing jobs.
	Shared
)

func (s State) String() string {
	switch s {
	case Available:
		return "AVAILABLE"
	case OneJobNoShare:
		return "ONE_JOB_NO_SHARE"
	case Shared:
		return "SHARED"
	default:
		return "UNKNOWN"
	}
}

// Entry is one node's usage record.
type Entry struct {
	RealMemory    uint64 // total usable memory, bytes
	MemSpecLimit  uint64 // memory reserved for the node's own OS/daemons
	AllocMemory   uint64 // memory currently allocated to jobs
	State         State
	ShareCount    int // number of jobs sharing the node, when Shared
	TypedDevice   device.State
}

// MemAvailable returns RealMemory - MemSpecLimit - AllocMemory, the bound
// every allocation must respect (alloc_memory <= real_memory - mem_spec_limit).
func (e *Entry) MemAvailable() uint64 {
	cap := e.RealMemory
	if e.MemSpecLimit < cap {
		cap -= e.MemSpecLimit
	} else {
		cap = 0
	}
	if e.AllocMemory >= cap {
		return 0
	}
	return cap - e.AllocMemory
}

// Table is the Node Usage Table, indexed by node index.
type Table struct {
	entries []*Entry
}

// NewTable allocates a Table with one Entry per node, each with the
// given real memory and mem_spec_limit.
func NewTable(realMemory, memSpecLimit []uint64) (*Table, error) {
	if len(realMemory) != len(memSpecLimit) {
		return nil, fmt.Errorf("nodeusage: realMemory/memSpecLimit length mismatch (%d != %d)", len(realMemory), len(memSpecLimit))
	}
	entries := make([]*Entry, len(realMemory))
	for i := range entries {
		entries[i] = &Entry{RealMemory: realMemory[i], MemSpecLimit: memSpecLimit[i]}
	}
	return &Table{entries: entries}, nil
}

// Get returns the Entry for node n.
func (t *Table) Get(n int) *Entry {
	return t.entries[n]
}

// NumNodes returns the number of tracked nodes.
func (t *Table) NumNodes() int {
	return len(t.entries)
}

// AddMemory adds bytes of allocated memory to node n.
func (t *Table) AddMemory(n int, bytes uint64) {
	e := t.entries[n]
	e.AllocMemory += bytes
}

// SubMemory subtracts bytes of allocated memory from node n, clamping to
// zero and logging an UNDERFLOW inconsistency if bytes exceeds the
// current allocation (underflow is repaired in place, not
// treated as a fatal error).
func (t *Table) SubMemory(n int, bytes uint64) {
	e := t.entries[n]
	if bytes > e.AllocMemory {
		log.Warn("node %d: memory underflow releasing %d with only %d allocated, clamping to 0", n, bytes, e.AllocMemory)
		e.AllocMemory = 0
		return
	}
	e.AllocMemory -= bytes
}

// IncShare raises node n's sharing state to accommodate one more job
// with the given node_req. Exclusive requests move straight to
// OneJobNoShare; shared requests bump ShareCount and move to Shared.
func (t *Table) IncShare(n int, exclusive bool) {
	e := t.entries[n]
	if exclusive {
		e.State = OneJobNoShare
		return
	}
	e.ShareCount++
	e.State = Shared
}

// DecShare lowers node n's sharing state by one job's contribution,
// clamping to Available on underflow and logging the inconsistency rather
// than treating it as fatal.
func (t *Table) DecShare(n int, exclusive bool) {
	e := t.entries[n]
	if exclusive {
		if e.State != OneJobNoShare {
			log.Warn("node %d: node_state underflow releasing exclusive hold while in state %s, clamping to AVAILABLE", n, e.State)
		}
		e.State = Available
		e.ShareCount = 0
		return
	}
	if e.ShareCount == 0 {
		log.Warn("node %d: share count underflow releasing shared hold, clamping to AVAILABLE", n)
		e.State = Available
		return
	}
	e.ShareCount--
	if e.ShareCount == 0 {
		e.State = Available
	}
}

// TotalAllocMemory sums AllocMemory across every node; used by the
// memory-conservation property test.
func (t *Table) TotalAllocMemory() uint64 {
	var total uint64
	for _, e := range t.entries {
		total += e.AllocMemory
	}
	return total
}
