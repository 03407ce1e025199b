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

// Package partition implements the Partition Row Table (PRT): a
// partition's ordered array of oversubscription "rows", the job-fit
// test against a row, and the row packer that compacts a partition back
// to its minimal row count after a removal.
//
// Rows hold weak references to jobs: a job id plus a Registry lookup,
// never a pointer — rows never own a job's resources, only the
// controller's job table does.
package partition

import (
	"sort"

	logger "github.com/hpc-cr/engine/pkg/log"

	"github.com/hpc-cr/engine/pkg/bitmap"
	"github.com/hpc-cr/engine/pkg/coremap"
	"github.com/hpc-cr/engine/pkg/crerr"
	"github.com/hpc-cr/engine/pkg/jobres"
	"github.com/hpc-cr/engine/pkg/metrics/enginecollector"
)

var log = logger.NewLogger("partition")

// Registry resolves a job id to its JobResources. The controller owns
// the backing job table; a row never stores a *JobResources itself,
// only ids, keeping rows as weak references into that table.
type Registry interface {
	Get(jobID string) (*jobres.JobResources, bool)
}

// Row is one oversubscription lane: an ordered job-id list and the OR of
// every resident job's projected core bitmap.
type Row struct {
	Jobs      []string
	RowBitmap *bitmap.Bitmap
}

// NumJobs returns the number of jobs resident in the row.
func (r *Row) NumJobs() int {
	return len(r.Jobs)
}

// Partition is a partition's Partition Row Table: NumRows fixed
// oversubscription lanes, used in order, denser rows first after a pack.
type Partition struct {
	Name     string
	NumRows  int
	Rows     []*Row
	totalCores int
}

// New allocates a Partition with numRows empty rows sized against cmi.
func New(name string, numRows int, cmi *coremap.Index) *Partition {
	p := &Partition{Name: name, NumRows: numRows, totalCores: cmi.TotalCores()}
	p.Rows = make([]*Row, numRows)
	for i := range p.Rows {
		p.Rows[i] = &Row{RowBitmap: bitmap.New(cmi.TotalCores())}
	}
	return p
}

// NumUsedRows returns how many rows hold at least one job.
func (p *Partition) NumUsedRows() int {
	n := 0
	for _, r := range p.Rows {
		if r.NumJobs() > 0 {
			n++
		}
	}
	return n
}

// Fits implements the Job-Fit Test: true if job's cores
// don't overlap row's row_bitmap, and (for whole-node jobs) every one of
// the job's nodes is otherwise unclaimed in row_bitmap.
func Fits(cmi *coremap.Index, job *jobres.JobResources, row *Row) bool {
	if row.NumJobs() == 0 || row.RowBitmap == nil || row.RowBitmap.IsEmpty() {
		return true
	}
	proj := job.ProjectToGlobal(cmi)
	if proj.Intersects(row.RowBitmap) {
		return false
	}
	if job.WholeNode {
		for _, n := range job.Nodes {
			lo := cmi.Offset(n)
			hi := lo + cmi.Cores(n)
			if row.RowBitmap.AnyInRange(lo, hi) {
				return false
			}
		}
	}
	return true
}

// AddJob implements add_job_to_res's row-placement half:
// insert job into the lowest-indexed row it fits, updating that row's
// row_bitmap by OR. Returns a STATE_INVARIANT error if no row fits —
// the caller should never have selected this job if none would.
func (p *Partition) AddJob(cmi *coremap.Index, job *jobres.JobResources) error {
	for i, row := range p.Rows {
		if Fits(cmi, job, row) {
			row.Jobs = append(row.Jobs, job.JobID)
			row.RowBitmap.Or(job.ProjectToGlobal(cmi))
			log.Debug("partition %s: added job %s to row %d", p.Name, job.JobID, i)
			return nil
		}
	}
	return crerr.New("AddJob", crerr.StateInvariant, "no row in partition %s fits job %s (num_rows=%d exhausted)", p.Name, job.JobID, p.NumRows)
}

// RemoveJob removes jobID from whatever row holds it. Returns NOT_FOUND
// if the job isn't resident in any row. The row's bitmap is left stale;
// call Repack afterwards to reconstruct it.
func (p *Partition) RemoveJob(jobID string) error {
	for _, row := range p.Rows {
		for i, id := range row.Jobs {
			if id == jobID {
				row.Jobs = append(row.Jobs[:i], row.Jobs[i+1:]...)
				return nil
			}
		}
	}
	return crerr.New("RemoveJob", crerr.NotFound, "job %s not resident in partition %s", jobID, p.Name)
}

// RebuildInPlace recomputes every row's row_bitmap from its current job
// list without reordering or moving any job between rows — the
// "reconstruct without repack" half of rm_job_from_res's `reconstruct`
// flag.
func (p *Partition) RebuildInPlace(cmi *coremap.Index, reg Registry) {
	for _, row := range p.Rows {
		rebuildRowBitmap(cmi, reg, row)
	}
}

// rebuildRowBitmap recomputes row.RowBitmap from scratch as the OR of
// every resident job's projected core bitmap.
func rebuildRowBitmap(cmi *coremap.Index, reg Registry, row *Row) {
	row.RowBitmap.ClearAll()
	for _, id := range row.Jobs {
		job, ok := reg.Get(id)
		if !ok {
			continue
		}
		row.RowBitmap.Or(job.ProjectToGlobal(cmi))
	}
}

type snapshotRow struct {
	jobs []string
}

// Repack implements the Row Packer: it compacts a
// partition's resident jobs into the fewest rows, lower rows densest,
// restoring the pre-pack layout if any job ends up unable to be placed
// (a "dangling" job) rather than ever leaving the partition worse off.
func (p *Partition) Repack(cmi *coremap.Index, reg Registry) {
	if len(p.Rows) == 1 {
		rebuildRowBitmap(cmi, reg, p.Rows[0])
		return
	}

	orig := make([]snapshotRow, len(p.Rows))
	for i, row := range p.Rows {
		orig[i] = snapshotRow{jobs: append([]string{}, row.Jobs...)}
	}

	type sortedJob struct {
		id       string
		job      *jobres.JobResources
		firstBit int
		ncpus    int32
	}
	var all []sortedJob
	for _, row := range p.Rows {
		for _, id := range row.Jobs {
			job, ok := reg.Get(id)
			if !ok {
				continue
			}
			first := cmi.TotalCores()
			if proj := job.ProjectToGlobal(cmi); proj != nil {
				if b, ok := proj.FirstSet(); ok {
					first = b
				}
			}
			all = append(all, sortedJob{id: id, job: job, firstBit: first, ncpus: job.NCpus})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].firstBit != all[j].firstBit {
			return all[i].firstBit < all[j].firstBit
		}
		return all[i].ncpus > all[j].ncpus // tie-break: descending ncpus
	})

	for _, row := range p.Rows {
		row.Jobs = nil
		row.RowBitmap.ClearAll()
	}

	dangling := false
	for _, sj := range all {
		placed := false
		for _, row := range p.Rows {
			if Fits(cmi, sj.job, row) {
				row.Jobs = append(row.Jobs, sj.id)
				row.RowBitmap.Or(sj.job.ProjectToGlobal(cmi))
				placed = true
				break
			}
		}
		if !placed {
			dangling = true
			break
		}
		sort.SliceStable(p.Rows, func(i, j int) bool {
			return p.Rows[i].RowBitmap.PopCount() > p.Rows[j].RowBitmap.PopCount()
		})
	}

	if dangling {
		enginecollector.PackerDanglingRecoveries.Inc()
		log.Warn("partition %s: repack produced a dangling job, restoring pre-pack layout", p.Name)
		for i, row := range p.Rows {
			row.Jobs = orig[i].jobs
			rebuildRowBitmap(cmi, reg, row)
		}
		return
	}

	log.Debug("partition %s: repacked into %d/%d rows", p.Name, p.NumUsedRows(), p.NumRows)
}
