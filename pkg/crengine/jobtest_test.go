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
	"github.com/hpc-cr/engine/pkg/jobres"
	"github.com/hpc-cr/engine/pkg/reservation"
)

func TestJobTestSelectsFreeNodesAndCores(t *testing.T) {
	e := newTestEngine(t, []int{4, 4}, 2)
	cmi := e.CoreMap()

	avail := bitmap.New(cmi.NumNodes())
	avail.Set(0)
	avail.Set(1)
	req := &reservation.Request{
		Avail:   avail,
		NodeCnt: 1,
		CoreCnt: []int{2},
	}

	job, err := e.JobTest("default", "test-job", req, RunNow, jobres.NodeCRAvailable, false, 1<<20)
	require.NoError(t, err)
	require.Len(t, job.Nodes, 1)
	require.EqualValues(t, 2, job.Cpus[0])
	require.Equal(t, 2, job.CoreBitmap.PopCount())
}

func TestJobTestRunNowExcludesAlreadyOccupiedCores(t *testing.T) {
	e := newTestEngine(t, []int{4}, 1)
	cmi := e.CoreMap()

	resident := buildJob("resident", cmi, []int{0}, 0, 1<<20)
	require.NoError(t, e.AddJobToRes("default", resident))

	avail := bitmap.New(cmi.NumNodes())
	avail.Set(0)
	req := &reservation.Request{
		Avail:   avail,
		NodeCnt: 1,
		CoreCnt: []int{1},
	}

	job, err := e.JobTest("default", "test-job", req, RunNow, jobres.NodeCRAvailable, false, 1<<20)
	require.NoError(t, err)
	require.False(t, job.CoreBitmap.Test(0), "core 0 is already held by the resident job")
	require.Equal(t, 1, job.CoreBitmap.PopCount())
}

func TestJobTestOnlyIgnoresOccupancy(t *testing.T) {
	e := newTestEngine(t, []int{1}, 1)
	cmi := e.CoreMap()

	resident := buildJob("resident", cmi, []int{0}, 0, 1<<20)
	require.NoError(t, e.AddJobToRes("default", resident))

	avail := bitmap.New(cmi.NumNodes())
	avail.Set(0)
	req := &reservation.Request{
		Avail:   avail,
		NodeCnt: 1,
		CoreCnt: []int{1},
	}

	_, err := e.JobTest("default", "test-job", req, TestOnly, jobres.NodeCRAvailable, false, 1<<20)
	require.NoError(t, err, "TEST_ONLY must succeed even though the node's single core is already in use")

	_, err = e.JobTest("default", "test-job", req, RunNow, jobres.NodeCRAvailable, false, 1<<20)
	require.Error(t, err, "RUN_NOW must fail: the node's only core is already held")
}
