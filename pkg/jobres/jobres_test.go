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

package jobres

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpc-cr/engine/pkg/bitmap"
	"github.com/hpc-cr/engine/pkg/coremap"
)

func twoNodeJob(t *testing.T, cmi *coremap.Index) *JobResources {
	t.Helper()
	nb := bitmap.New(cmi.NumNodes())
	nb.Set(0)
	nb.Set(1)
	cb := bitmap.New(cmi.Cores(0) + cmi.Cores(1))
	cb.Set(0)
	cb.Set(1)
	cb.Set(cmi.Cores(0))
	cb.Set(cmi.Cores(0) + 1)
	return &JobResources{
		JobID:           "job1",
		Nodes:           []int{0, 1},
		NodeBitmap:      nb,
		Cpus:            []int32{2, 2},
		MemoryAllocated: []uint64{1024, 1024},
		CoreBitmap:      cb,
		NCpus:           4,
	}
}

// Remove-one-node scenario: a job spanning several nodes loses one
// while keeping its remaining per-node state packed and consistent.
func TestExtractNodeRemovesOneNode(t *testing.T) {
	cmi, err := coremap.Build([]int{2, 2, 2, 2})
	require.NoError(t, err)
	j := twoNodeJob(t, cmi)

	require.NoError(t, j.ExtractNode(cmi, 0))

	require.Equal(t, 1, j.NHosts())
	require.Equal(t, []int{1}, j.Nodes)
	require.Len(t, j.Cpus, 1)
	require.Len(t, j.MemoryAllocated, 1)
	require.False(t, j.NodeBitmap.Test(0))
	require.True(t, j.NodeBitmap.Test(1))
	require.Equal(t, 2, j.CoreBitmap.Len())
	require.Equal(t, 2, j.CoreBitmap.PopCount())
}

func TestProjectToGlobal(t *testing.T) {
	cmi, err := coremap.Build([]int{2, 2, 2, 2})
	require.NoError(t, err)
	j := twoNodeJob(t, cmi)

	g := j.ProjectToGlobal(cmi)
	require.Equal(t, cmi.TotalCores(), g.Len())
	// node0 occupies global bits [0,2), node1 [2,4).
	require.Equal(t, []int{0, 1, 2, 3}, g.Bits())
}

func TestValidateCatchesMismatches(t *testing.T) {
	cmi, err := coremap.Build([]int{2, 2})
	require.NoError(t, err)
	j := &JobResources{
		JobID:      "bad",
		Nodes:      []int{0},
		NodeBitmap: bitmap.New(2),
		CoreBitmap: bitmap.New(1),
		NCpus:      4,
	}
	err = j.Validate(cmi)
	require.Error(t, err)
}

// With SMT reporting enabled, a single core bit stands for several
// reported cpus: a job whose NCpus exceeds its CoreBitmap popcount must
// still validate as long as the scaled popcount covers it, and must stop
// validating once ThreadsPerCore reverts to 1.
func TestValidateScalesPopcountByThreadsPerCore(t *testing.T) {
	cmi, err := coremap.Build([]int{2})
	require.NoError(t, err)
	nb := bitmap.New(1)
	nb.Set(0)
	cb := bitmap.New(2)
	cb.Set(0)
	j := &JobResources{
		JobID:           "smt",
		Nodes:           []int{0},
		NodeBitmap:      nb,
		Cpus:            []int32{2},
		MemoryAllocated: []uint64{0},
		CoreBitmap:      cb,
		NCpus:           2,
	}

	require.Error(t, j.Validate(cmi), "1 core bit can't cover NCpus=2 without thread scaling")

	cmi.SetThreadsPerCore(2)
	require.NoError(t, j.Validate(cmi), "1 core bit scaled by ThreadsPerCore=2 covers NCpus=2")
}
