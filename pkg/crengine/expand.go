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
	"github.com/hpc-cr/engine/pkg/device"
	"github.com/hpc-cr/engine/pkg/jobres"
)

// at32 and atU64 index an optional per-rank slice, returning the zero
// value when the slice is nil or too short: CpusUsed/MemoryUsed are only
// populated by callers that track actual usage separately from the
// allocation, so a donor or target job may carry neither.
func at32(s []int32, i int) int32 {
	if i < 0 || i >= len(s) {
		return 0
	}
	return s[i]
}

func atU64(s []uint64, i int) uint64 {
	if i < 0 || i >= len(s) {
		return 0
	}
	return s[i]
}

// mergeJobResources implements job_expand's resource-merge steps:
// target_nodes is the union of both jobs' node sets intersected with the
// union of their controller node sets; every per-rank array is rebuilt
// over that intersection, copying the lone entry where only one job held
// a node; where both did, memory is summed and cpus are summed then
// rescaled by merged core count over the two jobs' summed core counts;
// core_bitmap is rebuilt packed, OR'ing the two jobs' bits on any node
// they share.
func mergeJobResources(cmi *coremap.Index, from, to *jobres.JobResources) (*jobres.JobResources, error) {
	if from.NodeBitmap == nil || to.NodeBitmap == nil {
		return nil, errors.New("job_expand: both jobs must have a NodeBitmap")
	}
	nodeUnion := bitmap.Or2(from.NodeBitmap, to.NodeBitmap)

	var controllerUnion *bitmap.Bitmap
	switch {
	case from.ControllerNodeBitmap != nil && to.ControllerNodeBitmap != nil:
		controllerUnion = bitmap.Or2(from.ControllerNodeBitmap, to.ControllerNodeBitmap)
	case from.ControllerNodeBitmap != nil:
		controllerUnion = from.ControllerNodeBitmap.Clone()
	case to.ControllerNodeBitmap != nil:
		controllerUnion = to.ControllerNodeBitmap.Clone()
	}

	union := nodeUnion
	if controllerUnion != nil {
		union = nodeUnion.Clone()
		union.And(controllerUnion)
	}
	nodes := union.Bits()

	merged := &jobres.JobResources{
		JobID:      to.JobID,
		Nodes:      nodes,
		NodeBitmap: union,
		WholeNode:  to.WholeNode,
		NodeReq:    to.NodeReq,
	}
	merged.ControllerNodeBitmap = controllerUnion

	totalCores := 0
	for _, n := range nodes {
		totalCores += cmi.Cores(n)
	}
	merged.CoreBitmap = bitmap.New(totalCores)

	merged.Cpus = make([]int32, len(nodes))
	merged.CpusUsed = make([]int32, len(nodes))
	merged.MemoryAllocated = make([]uint64, len(nodes))
	merged.MemoryUsed = make([]uint64, len(nodes))

	runningOff := 0
	for rank, node := range nodes {
		width := cmi.Cores(node)
		fr, tr := from.RankOf(node), to.RankOf(node)

		var fromCoreCnt, toCoreCnt int
		if fr >= 0 {
			foff := from.RankOffset(cmi, fr)
			for local := 0; local < width; local++ {
				if from.CoreBitmap.Test(foff + local) {
					merged.CoreBitmap.Set(runningOff + local)
					fromCoreCnt++
				}
			}
			merged.MemoryAllocated[rank] += from.MemoryAllocated[fr]
			merged.MemoryUsed[rank] += atU64(from.MemoryUsed, fr)
		}
		if tr >= 0 {
			toff := to.RankOffset(cmi, tr)
			for local := 0; local < width; local++ {
				if to.CoreBitmap.Test(toff + local) {
					merged.CoreBitmap.Set(runningOff + local)
					toCoreCnt++
				}
			}
			merged.MemoryAllocated[rank] += to.MemoryAllocated[tr]
			merged.MemoryUsed[rank] += atU64(to.MemoryUsed, tr)
		}

		switch {
		case fr >= 0 && tr >= 0:
			// Both jobs claimed this node: their core bitmaps may overlap
			// in a shared row, so summing cpus outright would double-count
			// shared cores. Rescale the combined cpu counts by the ratio
			// of the merged (deduplicated) core count to the sum of the
			// two jobs' individual core counts.
			newCoreCnt := 0
			for local := 0; local < width; local++ {
				if merged.CoreBitmap.Test(runningOff + local) {
					newCoreCnt++
				}
			}
			denom := fromCoreCnt + toCoreCnt
			sumCpus := from.Cpus[fr] + to.Cpus[tr]
			sumCpusUsed := at32(from.CpusUsed, fr) + at32(to.CpusUsed, tr)
			if denom > 0 {
				merged.Cpus[rank] = sumCpus * int32(newCoreCnt) / int32(denom)
				merged.CpusUsed[rank] = sumCpusUsed * int32(newCoreCnt) / int32(denom)
			}
		case fr >= 0:
			merged.Cpus[rank] = from.Cpus[fr]
			merged.CpusUsed[rank] = at32(from.CpusUsed, fr)
		case tr >= 0:
			merged.Cpus[rank] = to.Cpus[tr]
			merged.CpusUsed[rank] = at32(to.CpusUsed, tr)
		}

		runningOff += width
	}

	merged.NCpus = merged.TotalCpus(cmi)

	if err := merged.Validate(cmi); err != nil {
		return nil, errors.Wrap(err, "job_expand: merged job failed validation")
	}
	return merged, nil
}

// mergeDeviceState implements job_expand's typed-device merge step:
// gathers each job's current per-node device state from the
// Node Usage Table, asks the Subsystem to combine them, and returns the
// result; JobExpand writes it back onto the donor's nodes followed by the
// target's nodes. Simple's Subsystem concatenates
// fromStates then toStates; callers needing a real GRES/TRES merge
// semantics provide their own Subsystem with whatever alignment their
// accounting requires.
func (e *Engine) mergeDeviceState(from, to *jobres.JobResources) ([]device.State, error) {
	fromStates := make([]device.State, len(from.Nodes))
	for i, n := range from.Nodes {
		fromStates[i] = e.nut.Get(n).TypedDevice
	}
	toStates := make([]device.State, len(to.Nodes))
	for i, n := range to.Nodes {
		toStates[i] = e.nut.Get(n).TypedDevice
	}
	merged, err := e.dev.Merge(fromStates, toStates)
	if err != nil {
		return nil, errors.Wrap(err, "job_expand: device merge failed")
	}
	return merged, nil
}
