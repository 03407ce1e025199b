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

// Package jobres implements the Job Resources Record (JRR): a job's
// selected nodes, per-node cpu/memory accounting, and its packed core
// bitmap. A JRR is created by placement and destroyed when the job is
// fully removed; the controller owns it, and partition rows refer to it
// only through its job id (see pkg/partition's Registry).
package jobres

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/hpc-cr/engine/pkg/bitmap"
	"github.com/hpc-cr/engine/pkg/coremap"
)

// NodeReq is the sharing mode a job imposes on each of its nodes.
type NodeReq int

const (
	// NodeCRAvailable lets other jobs share the node's remaining cores.
	NodeCRAvailable NodeReq = iota
	// NodeCROneRow confines the job's co-residents to the same row.
	NodeCROneRow
	// NodeCRReserved reserves the node exclusively for this job.
	NodeCRReserved
)

// JobResources is the JRR: per-job selected nodes and the resources
// allocated to it on each of them.
type JobResources struct {
	JobID string

	// Nodes holds the ascending global node indices the job occupies;
	// rank i refers to Nodes[i]. NodeBitmap is the same information as
	// a bitmap over the full node range, kept in sync for callers that
	// want to test membership without a linear scan.
	Nodes      []int
	NodeBitmap *bitmap.Bitmap

	// ControllerNodeBitmap is the set of nodes the controller still
	// considers eligible for this job (e.g. its original node_bitmap
	// before any accounting-only shrink); job_expand unions against it.
	ControllerNodeBitmap *bitmap.Bitmap

	Cpus            []int32  // per-rank cpu count
	CpusUsed        []int32  // per-rank cpus actually in use
	MemoryAllocated []uint64 // per-rank allocated memory, bytes
	MemoryUsed      []uint64 // per-rank used memory, bytes

	// CoreBitmap is packed: its length is Σ cores[n] for n in Nodes, with
	// no gaps for unselected nodes. Rank i's slice is
	// [RankOffset(cmi,i), RankOffset(cmi,i)+cmi.Cores(Nodes[i])).
	CoreBitmap *bitmap.Bitmap

	NodeReq   NodeReq
	NCpus     int32
	WholeNode bool

	Suspended bool
}

// NHosts returns the number of nodes the job occupies.
func (j *JobResources) NHosts() int {
	return len(j.Nodes)
}

// RankOf returns the rank of node within j.Nodes, or -1 if absent.
func (j *JobResources) RankOf(node int) int {
	for i, n := range j.Nodes {
		if n == node {
			return i
		}
	}
	return -1
}

// RankOffset returns the starting bit position of rank's slice within
// j.CoreBitmap.
func (j *JobResources) RankOffset(cmi *coremap.Index, rank int) int {
	off := 0
	for i := 0; i < rank; i++ {
		off += cmi.Cores(j.Nodes[i])
	}
	return off
}

// ProjectToGlobal returns a new bitmap of length cmi.TotalCores() with
// every bit the job holds on each of its nodes set at its global
// position. This is the projection the Fit Tester and Row Packer apply
// before comparing a job's cores against a row_bitmap.
func (j *JobResources) ProjectToGlobal(cmi *coremap.Index) *bitmap.Bitmap {
	out := bitmap.New(cmi.TotalCores())
	for rank, node := range j.Nodes {
		loOff := j.RankOffset(cmi, rank)
		nCores := cmi.Cores(node)
		base := cmi.Offset(node)
		for local := 0; local < nCores; local++ {
			if j.CoreBitmap.Test(loOff + local) {
				out.Set(base + local)
			}
		}
	}
	return out
}

// Validate checks the structural invariants a JRR must hold, aggregating
// every violation it finds via go-multierror rather than stopping at the
// first one, so a caller debugging a STATE_INVARIANT report sees the
// whole picture in one error.
func (j *JobResources) Validate(cmi *coremap.Index) error {
	var errs *multierror.Error

	n := len(j.Nodes)
	if j.NodeBitmap == nil {
		errs = multierror.Append(errs, errors.New("jobres: nil NodeBitmap"))
	} else if j.NodeBitmap.PopCount() != n {
		errs = multierror.Append(errs, errors.Errorf("jobres: NodeBitmap popcount %d != len(Nodes) %d", j.NodeBitmap.PopCount(), n))
	}
	if len(j.Cpus) != n {
		errs = multierror.Append(errs, errors.Errorf("jobres: len(Cpus) %d != NHosts %d", len(j.Cpus), n))
	}
	if len(j.MemoryAllocated) != n {
		errs = multierror.Append(errs, errors.Errorf("jobres: len(MemoryAllocated) %d != NHosts %d", len(j.MemoryAllocated), n))
	}
	if j.CoreBitmap == nil {
		errs = multierror.Append(errs, errors.New("jobres: nil CoreBitmap"))
	} else {
		wantLen := 0
		for _, node := range j.Nodes {
			wantLen += cmi.Cores(node)
		}
		if j.CoreBitmap.Len() != wantLen {
			errs = multierror.Append(errs, errors.Errorf("jobres: CoreBitmap length %d != expected %d", j.CoreBitmap.Len(), wantLen))
		} else {
			scale := cmi.ThreadsPerCore()
			if got := j.CoreBitmap.PopCount(); got*scale < int(j.NCpus) {
				errs = multierror.Append(errs, errors.Errorf("jobres: core_bitmap popcount %d (scaled %d) < ncpus %d", got, got*scale, j.NCpus))
			}
		}
	}
	return errs.ErrorOrNil()
}

// ExtractNode rewrites j in place to drop rank, implementing
// extract_job_resources_node: per-node arrays lose rank's entry,
// CoreBitmap loses rank's slice (with every higher rank's slice shifted
// down), NodeBitmap loses the node's bit, and NHosts decrements.
func (j *JobResources) ExtractNode(cmi *coremap.Index, rank int) error {
	if rank < 0 || rank >= len(j.Nodes) {
		return errors.Errorf("jobres: rank %d out of range [0,%d)", rank, len(j.Nodes))
	}
	node := j.Nodes[rank]
	loOff := j.RankOffset(cmi, rank)
	width := cmi.Cores(node)

	j.CoreBitmap = j.CoreBitmap.RemoveRange(loOff, width)
	j.NodeBitmap.Clear(node)

	j.Nodes = append(append([]int{}, j.Nodes[:rank]...), j.Nodes[rank+1:]...)
	j.Cpus = removeInt32(j.Cpus, rank)
	j.CpusUsed = removeInt32(j.CpusUsed, rank)
	j.MemoryAllocated = removeUint64(j.MemoryAllocated, rank)
	j.MemoryUsed = removeUint64(j.MemoryUsed, rank)

	return nil
}

func removeInt32(s []int32, i int) []int32 {
	if i < 0 || i >= len(s) {
		return s
	}
	out := make([]int32, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

func removeUint64(s []uint64, i int) []uint64 {
	if i < 0 || i >= len(s) {
		return s
	}
	out := make([]uint64, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

// TotalCpus sums per-rank cpu counts, or counts full node cores for
// whole-node jobs, as job_expand needs when recomputing a merged job's
// ncpus.
func (j *JobResources) TotalCpus(cmi *coremap.Index) int32 {
	if j.WholeNode {
		var total int32
		for _, n := range j.Nodes {
			total += int32(cmi.Cores(n))
		}
		return total
	}
	var total int32
	for _, c := range j.Cpus {
		total += c
	}
	return total
}

// TotalMemory sums per-rank allocated memory.
func (j *JobResources) TotalMemory() uint64 {
	var total uint64
	for _, m := range j.MemoryAllocated {
		total += m
	}
	return total
}
