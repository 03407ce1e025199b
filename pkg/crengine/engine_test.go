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

package crengine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpc-cr/engine/pkg/bitmap"
	"github.com/hpc-cr/engine/pkg/coremap"
	"github.com/hpc-cr/engine/pkg/jobres"
	"github.com/hpc-cr/engine/pkg/rollup"
)

// buildJob constructs a JRR occupying one cpu (at local core index
// localCore) and memPerNode bytes of memory on each of the given
// (ascending) node indices.
func buildJob(id string, cmi *coremap.Index, nodes []int, localCore int, memPerNode uint64) *jobres.JobResources {
	nb := bitmap.New(cmi.NumNodes())
	total := 0
	for _, n := range nodes {
		nb.Set(n)
		total += cmi.Cores(n)
	}
	cb := bitmap.New(total)
	off := 0
	for _, n := range nodes {
		cb.Set(off + localCore)
		off += cmi.Cores(n)
	}
	cpus := make([]int32, len(nodes))
	mem := make([]uint64, len(nodes))
	for i := range nodes {
		cpus[i] = 1
		mem[i] = memPerNode
	}
	return &jobres.JobResources{
		JobID:           id,
		Nodes:           nodes,
		NodeBitmap:      nb,
		Cpus:            cpus,
		MemoryAllocated: mem,
		CoreBitmap:      cb,
		NCpus:           int32(len(nodes)),
	}
}

func newTestEngine(t *testing.T, coresPerNode []int, numRows int) *Engine {
	t.Helper()
	e := New(nil)
	realMem := make([]uint64, len(coresPerNode))
	specLimit := make([]uint64, len(coresPerNode))
	for i := range realMem {
		realMem[i] = 1 << 30
	}
	require.NoError(t, e.NodeInit(coresPerNode, realMem, specLimit))
	require.NoError(t, e.AddPartition("default", numRows))
	return e
}

// TestAddRemoveRoundTripConservesMemory checks memory conservation:
// adding then removing a job restores every node's allocated memory and
// sharing state to what it was before.
func TestAddRemoveRoundTripConservesMemory(t *testing.T) {
	e := newTestEngine(t, []int{4, 4}, 2)
	cmi := e.CoreMap()

	before := e.NodeUsage().TotalAllocMemory()

	j := buildJob("j1", cmi, []int{0, 1}, 0, 1<<20)
	require.NoError(t, e.AddJobToRes("default", j))
	require.Equal(t, before+2*(1<<20), e.NodeUsage().TotalAllocMemory())

	require.NoError(t, e.RmJobFromRes("j1", Terminate, true))
	require.Equal(t, before, e.NodeUsage().TotalAllocMemory())
	require.Equal(t, "AVAILABLE", e.NodeUsage().Get(0).State.String())
	require.Equal(t, "AVAILABLE", e.NodeUsage().Get(1).State.String())
}

// TestJobExpandMergesResources: two jobs sharing node 0, each also
// holding one exclusive node, are merged;
// the result must occupy the union of their nodes, sum their cpu and
// memory totals, and leave the donor job empty.
func TestJobExpandMergesResources(t *testing.T) {
	e := newTestEngine(t, []int{4, 4, 4}, 4)
	cmi := e.CoreMap()

	to := buildJob("to", cmi, []int{0, 1}, 0, 1<<20)
	from := buildJob("from", cmi, []int{0, 2}, 1, 1<<19)

	require.NoError(t, e.AddJobToRes("default", to))
	require.NoError(t, e.AddJobToRes("default", from))

	wantMem := to.TotalMemory() + from.TotalMemory()
	wantCpus := to.NCpus + from.NCpus

	require.NoError(t, e.JobExpand("from", "to"))

	merged, ok := e.Get("to")
	require.True(t, ok)
	require.ElementsMatch(t, []int{0, 1, 2}, merged.Nodes)
	require.Equal(t, wantCpus, merged.NCpus)
	require.Equal(t, wantMem, merged.TotalMemory())

	donor, ok := e.Get("from")
	require.True(t, ok)
	require.Empty(t, donor.Nodes)

	// The merged job's projection keeps both jobs' cores on shared node 0
	// (to's core 0 and from's core 1) plus each job's core on the node it
	// held alone.
	proj := merged.ProjectToGlobal(cmi)
	require.True(t, proj.Test(cmi.Offset(0) + 0)) // to's bit
	require.True(t, proj.Test(cmi.Offset(0) + 1)) // from's bit
	require.True(t, proj.Test(cmi.Offset(1) + 0))
	require.True(t, proj.Test(cmi.Offset(2) + 1))
}

// TestJobSuspendResumeRoundTrip: suspending a job frees its row space
// while keeping memory allocated; resuming it restores row membership
// without altering memory accounting.
func TestJobSuspendResumeRoundTrip(t *testing.T) {
	e := newTestEngine(t, []int{4, 4}, 2)
	cmi := e.CoreMap()

	j1 := buildJob("j1", cmi, []int{0}, 0, 1<<20)
	require.NoError(t, e.AddJobToRes("default", j1))
	memBefore := e.NodeUsage().TotalAllocMemory()

	require.NoError(t, e.JobSuspend("j1", true))
	require.Equal(t, 0, e.Partition("default").NumUsedRows())
	require.Equal(t, memBefore, e.NodeUsage().TotalAllocMemory())

	require.NoError(t, e.JobResume("j1", true))
	require.Equal(t, 1, e.Partition("default").NumUsedRows())
	require.Equal(t, memBefore, e.NodeUsage().TotalAllocMemory())
}

// TestJobSuspendResumeNoOpWithoutIndf covers the gang-scheduling no-op
// branch of job_suspend/job_resume: indf=false must leave row membership
// and memory untouched.
func TestJobSuspendResumeNoOpWithoutIndf(t *testing.T) {
	e := newTestEngine(t, []int{4}, 1)
	cmi := e.CoreMap()
	j1 := buildJob("j1", cmi, []int{0}, 0, 1<<20)
	require.NoError(t, e.AddJobToRes("default", j1))

	require.NoError(t, e.JobSuspend("j1", false))
	require.Equal(t, 1, e.Partition("default").NumUsedRows())
	require.NoError(t, e.JobResume("j1", false))
	require.Equal(t, 1, e.Partition("default").NumUsedRows())
}

// TestNodeInfoSetAllCachesUntilGenerationAdvances: nodeinfo_set_all only
// recomputes after a mutating call bumps the engine's generation
// counter.
func TestNodeInfoSetAllCachesUntilGenerationAdvances(t *testing.T) {
	e := newTestEngine(t, []int{4, 4}, 2)
	require.Equal(t, rollup.Changed, e.NodeInfoSetAll())
	require.Equal(t, rollup.NoChange, e.NodeInfoSetAll())

	cmi := e.CoreMap()
	j1 := buildJob("j1", cmi, []int{0}, 0, 1<<20)
	require.NoError(t, e.AddJobToRes("default", j1))

	require.Equal(t, rollup.Changed, e.NodeInfoSetAll())
	info := e.NodeInfo(0)
	require.NotNil(t, info)
	require.Equal(t, 1, info.AllocCpus)
	require.Equal(t, uint64(1<<20), info.AllocMemory)
}

// TestRmJobFromOneNodeShrinksJobAndRepacks exercises rm_job_from_one_node:
// the job keeps running on its remaining nodes with one fewer rank.
func TestRmJobFromOneNodeShrinksJobAndRepacks(t *testing.T) {
	e := newTestEngine(t, []int{4, 4}, 2)
	cmi := e.CoreMap()
	j1 := buildJob("j1", cmi, []int{0, 1}, 0, 1<<20)
	require.NoError(t, e.AddJobToRes("default", j1))

	require.NoError(t, e.RmJobFromOneNode("j1", 0))

	remaining, ok := e.Get("j1")
	require.True(t, ok)
	require.Equal(t, []int{1}, remaining.Nodes)
	require.Equal(t, uint64(0), e.NodeUsage().Get(0).AllocMemory)
	require.Equal(t, uint64(1<<20), e.NodeUsage().Get(1).AllocMemory)
}
