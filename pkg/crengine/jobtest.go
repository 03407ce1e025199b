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
	"github.com/pkg/errors"

	"github.com/hpc-cr/engine/pkg/bitmap"
	"github.com/hpc-cr/engine/pkg/coremap"
	"github.com/hpc-cr/engine/pkg/crerr"
	"github.com/hpc-cr/engine/pkg/jobres"
	"github.com/hpc-cr/engine/pkg/reservation"
)

// TestMode is job_test's RUN_NOW / TEST_ONLY / WILL_RUN mode.
type TestMode int

const (
	// RunNow selects against current row occupancy: only cores no
	// resident job in the partition already holds are candidates.
	RunNow TestMode = iota
	// TestOnly ignores current occupancy and tests against the
	// partition's configured capacity, as if it were completely empty.
	TestOnly
	// WillRun behaves like RunNow. Simulating preemption of a supplied
	// preemptee set to estimate an earliest start time is not
	// implemented: callers that need an ETA should drain preemptees
	// through rm_job_from_res themselves and call JobTest again.
	WillRun
)

// JobTest implements job_test's placement contract: given a partition,
// a reservation.Request describing the candidate nodes and per-node (or
// aggregate) core counts, and the job's sharing mode, select a node set
// and exact cores and build the resulting JRR. It does not add the job
// to the partition — call AddJobToRes separately once a RunNow test
// succeeds and the caller decides to commit.
func (e *Engine) JobTest(partitionName, jobID string, req *reservation.Request, mode TestMode, nodeReq jobres.NodeReq, wholeNode bool, memPerNode uint64) (*jobres.JobResources, error) {
	p := e.partitions[partitionName]
	if p == nil {
		return nil, crerr.New("JobTest", crerr.NotFound, "no such partition %s", partitionName)
	}
	if req.CoreCnt == nil {
		return nil, crerr.New("JobTest", crerr.InvalidInput, "job_test requires req.CoreCnt to select exact cores")
	}

	effective := *req
	if mode != TestOnly {
		occupied := bitmap.New(e.cmi.TotalCores())
		for _, row := range p.Rows {
			if row.RowBitmap != nil {
				occupied.Or(row.RowBitmap)
			}
		}
		if req.Exclude != nil {
			occupied.Or(req.Exclude)
		}
		effective.Exclude = occupied
	}

	result, err := reservation.Plan(e.cmi, &effective)
	if err != nil {
		return nil, errors.Wrap(err, "job_test")
	}

	job, err := jobFromPlan(e.cmi, jobID, result, nodeReq, wholeNode, memPerNode)
	if err != nil {
		return nil, errors.Wrap(err, "job_test")
	}
	return job, nil
}

// jobFromPlan builds a JRR from a reservation.Result: Nodes/NodeBitmap
// from result.Nodes, CoreBitmap packed from result.Cores sliced to each
// selected node's range, Cpus[i] the popcount of that slice.
func jobFromPlan(cmi *coremap.Index, jobID string, result *reservation.Result, nodeReq jobres.NodeReq, wholeNode bool, memPerNode uint64) (*jobres.JobResources, error) {
	if result.Cores == nil {
		return nil, errors.New("job_test: planner did not return exact cores")
	}
	nodes := result.Nodes.Bits()

	totalCores := 0
	for _, n := range nodes {
		totalCores += cmi.Cores(n)
	}

	job := &jobres.JobResources{
		JobID:           jobID,
		Nodes:           nodes,
		NodeBitmap:      result.Nodes.Clone(),
		Cpus:            make([]int32, len(nodes)),
		MemoryAllocated: make([]uint64, len(nodes)),
		CoreBitmap:      bitmap.New(totalCores),
		NodeReq:         nodeReq,
		WholeNode:       wholeNode,
	}

	runningOff := 0
	for rank, n := range nodes {
		width := cmi.Cores(n)
		off := cmi.Offset(n)
		count := 0
		for local := 0; local < width; local++ {
			if result.Cores.Test(off + local) {
				job.CoreBitmap.Set(runningOff + local)
				count++
			}
		}
		job.Cpus[rank] = int32(count)
		job.MemoryAllocated[rank] = memPerNode
		runningOff += width
	}

	job.NCpus = job.TotalCpus(cmi)
	if err := job.Validate(cmi); err != nil {
		return nil, errors.Wrap(err, "job_test: planner produced an invalid JRR")
	}
	return job, nil
}
