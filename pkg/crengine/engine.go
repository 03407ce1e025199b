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

// Package crengine wires the Core-Map Index, Node Usage Table, Partition
// Row Tables, and job registry into a single Engine and exposes the
// entry points a controller drives job placement through: node_init,
// job_test, add_job_to_res, rm_job_from_res, rm_job_from_one_node,
// job_expand, job_suspend, job_resume, resv_test, nodeinfo_set_all,
// update_node_config, update_node_state, and reconfigure.
//
// An Engine is constructed per call site rather than kept as process-wide
// global state: the process-wide instance, if any, belongs to the thin
// controller that owns it, not to this package.
package crengine

import (
	"sort"
	"strconv"

	"github.com/pkg/errors"

	logger "github.com/hpc-cr/engine/pkg/log"

	"github.com/hpc-cr/engine/pkg/coremap"
	"github.com/hpc-cr/engine/pkg/crconfig"
	"github.com/hpc-cr/engine/pkg/crerr"
	"github.com/hpc-cr/engine/pkg/device"
	"github.com/hpc-cr/engine/pkg/jobres"
	"github.com/hpc-cr/engine/pkg/metrics/enginecollector"
	"github.com/hpc-cr/engine/pkg/nodeusage"
	"github.com/hpc-cr/engine/pkg/partition"
	"github.com/hpc-cr/engine/pkg/reservation"
	"github.com/hpc-cr/engine/pkg/rollup"
)

var log = logger.NewLogger("crengine")

// RemovalMode distinguishes a transient suspend (typed-device state kept)
// from a real termination (typed-device state released), rm_job_from_res's
// `mode` parameter.
type RemovalMode int

const (
	// Terminate releases the job's typed-device state.
	Terminate RemovalMode = iota
	// Suspend keeps typed-device state allocated for eventual resume.
	Suspend
)

// Engine is a throwaway, single-threaded CR placement engine: construct
// one per controller instance (or per test), call NodeInit, then drive
// it exclusively from the owning controller's write-locked loop; no
// concurrent access is supported or needed.
type Engine struct {
	cmi *coremap.Index
	nut *nodeusage.Table
	dev device.Subsystem

	partitions map[string]*partition.Partition
	jobs       map[string]*jobres.JobResources
	jobPart    map[string]string // job id -> partition name

	rollup     *rollup.Rollup
	generation uint64

	coresPerNode   []int
	threadsPerCore int
}

// New constructs an empty Engine. Call NodeInit before using it.
func New(dev device.Subsystem) *Engine {
	if dev == nil {
		dev = device.NewSimple(nil)
	}
	return &Engine{
		dev:        dev,
		partitions: map[string]*partition.Partition{},
		jobs:       map[string]*jobres.JobResources{},
		jobPart:    map[string]string{},
		rollup:     &rollup.Rollup{},
	}
}

// Get implements partition.Registry, resolving a job id to its JRR for
// the rows that hold only a weak reference to it.
func (e *Engine) Get(jobID string) (*jobres.JobResources, bool) {
	j, ok := e.jobs[jobID]
	return j, ok
}

// NodeInit (re)builds the Core-Map Index and allocates a fresh Node
// Usage Table. Existing partitions are invalidated: their row bitmaps no
// longer correspond to the new core numbering, so NodeInit also clears
// every partition's rows. Callers replaying running jobs must re-add them
// after calling this.
func (e *Engine) NodeInit(coresPerNode []int, realMemory, memSpecLimit []uint64) error {
	cmi, err := coremap.Build(coresPerNode)
	if err != nil {
		return errors.Wrap(err, "node_init")
	}
	nut, err := nodeusage.NewTable(realMemory, memSpecLimit)
	if err != nil {
		return errors.Wrap(err, "node_init")
	}
	cmi.SetThreadsPerCore(e.threadsPerCore)
	e.cmi = cmi
	e.nut = nut
	e.coresPerNode = append([]int{}, coresPerNode...)
	e.rollup.ThreadsPerCore = e.cmi.ThreadsPerCore()

	for name, p := range e.partitions {
		e.partitions[name] = partition.New(name, p.NumRows, cmi)
	}
	e.bumpGeneration()
	log.Info("node_init: %d nodes, %d total cores", cmi.NumNodes(), cmi.TotalCores())
	return nil
}

// AddPartition registers a partition with numRows oversubscription rows.
func (e *Engine) AddPartition(name string, numRows int) error {
	if e.cmi == nil {
		return crerr.New("AddPartition", crerr.StateInvariant, "node_init must run before AddPartition")
	}
	if numRows < 1 {
		numRows = 1
	}
	e.partitions[name] = partition.New(name, numRows, e.cmi)
	return nil
}

func (e *Engine) bumpGeneration() {
	e.generation++
}

func (e *Engine) partitionOf(jobID string) (*partition.Partition, error) {
	name, ok := e.jobPart[jobID]
	if !ok {
		return nil, crerr.New("partitionOf", crerr.NotFound, "job %s has no partition assignment", jobID)
	}
	p, ok := e.partitions[name]
	if !ok {
		return nil, crerr.New("partitionOf", crerr.StateInvariant, "job %s references unknown partition %s", jobID, name)
	}
	return p, nil
}

// AddJobToRes implements add_job_to_res: accounts the job's
// memory and sharing state against every node it occupies, then places
// it into the first row of partitionName it fits.
func (e *Engine) AddJobToRes(partitionName string, job *jobres.JobResources) error {
	if err := job.Validate(e.cmi); err != nil {
		return errors.Wrap(err, "add_job_to_res")
	}
	p, ok := e.partitions[partitionName]
	if !ok {
		return crerr.New("AddJobToRes", crerr.InvalidInput, "unknown partition %s", partitionName)
	}

	exclusive := job.NodeReq == jobres.NodeCRReserved || job.WholeNode
	for rank, node := range job.Nodes {
		e.nut.AddMemory(node, job.MemoryAllocated[rank])
		e.nut.IncShare(node, exclusive)
	}

	if err := p.AddJob(e.cmi, job); err != nil {
		// Roll back the accounting we just applied; add_job_to_res must
		// not partially commit an invariant-violating placement.
		for rank, node := range job.Nodes {
			e.nut.SubMemory(node, job.MemoryAllocated[rank])
			e.nut.DecShare(node, exclusive)
		}
		return err
	}

	e.jobs[job.JobID] = job
	e.jobPart[job.JobID] = partitionName
	e.bumpGeneration()
	return nil
}

// RmJobFromRes implements rm_job_from_res: reverses the
// memory/sharing accounting, removes the job from its row, then either
// fully repacks the partition or just rebuilds row bitmaps in place,
// depending on reconstruct. mode selects whether typed-device state is
// also released (Terminate) or kept for a later resume (Suspend).
func (e *Engine) RmJobFromRes(jobID string, mode RemovalMode, reconstruct bool) error {
	job, ok := e.jobs[jobID]
	if !ok {
		return crerr.New("RmJobFromRes", crerr.NotFound, "job %s not registered", jobID)
	}
	p, err := e.partitionOf(jobID)
	if err != nil {
		return err
	}

	exclusive := job.NodeReq == jobres.NodeCRReserved || job.WholeNode
	for rank, node := range job.Nodes {
		e.nut.SubMemory(node, job.MemoryAllocated[rank])
		e.nut.DecShare(node, exclusive)
		if mode == Terminate {
			if err := e.dev.Dealloc(job.JobID, node, rank); err != nil {
				log.Warn("rm_job_from_res: device dealloc failed for job %s node %d: %v", jobID, node, err)
			}
		}
	}

	if err := p.RemoveJob(jobID); err != nil {
		return err
	}
	if reconstruct {
		p.Repack(e.cmi, e)
	} else {
		p.RebuildInPlace(e.cmi, e)
	}

	delete(e.jobs, jobID)
	delete(e.jobPart, jobID)
	e.bumpGeneration()
	return nil
}

// RmJobFromOneNode implements rm_job_from_one_node: drops a
// single node from a still-running job without terminating it, used when
// a node is lost or explicitly released mid-job.
func (e *Engine) RmJobFromOneNode(jobID string, node int) error {
	job, ok := e.jobs[jobID]
	if !ok {
		return crerr.New("RmJobFromOneNode", crerr.NotFound, "job %s not registered", jobID)
	}
	rank := job.RankOf(node)
	if rank < 0 {
		return crerr.New("RmJobFromOneNode", crerr.InvalidInput, "job %s does not occupy node %d", jobID, node)
	}

	e.nut.SubMemory(node, job.MemoryAllocated[rank])
	if err := e.dev.Dealloc(job.JobID, node, rank); err != nil {
		log.Warn("rm_job_from_one_node: device dealloc failed for job %s node %d: %v", jobID, node, err)
	}

	exclusive := job.NodeReq == jobres.NodeCRReserved || job.WholeNode

	if err := job.ExtractNode(e.cmi, rank); err != nil {
		return errors.Wrap(err, "rm_job_from_one_node")
	}

	if !job.Suspended {
		if p, err := e.partitionOf(jobID); err == nil {
			p.Repack(e.cmi, e)
		}
	}

	e.nut.DecShare(node, exclusive)
	e.bumpGeneration()
	return nil
}

// JobSuspend implements job_suspend: removes the job from
// its row, freeing cores while keeping its memory allocation intact.
// indf=false (gang-scheduling transient suspend) is a no-op.
func (e *Engine) JobSuspend(jobID string, indf bool) error {
	if !indf {
		return nil
	}
	job, ok := e.jobs[jobID]
	if !ok {
		return crerr.New("JobSuspend", crerr.NotFound, "job %s not registered", jobID)
	}
	p, err := e.partitionOf(jobID)
	if err != nil {
		return err
	}
	if err := p.RemoveJob(jobID); err != nil {
		return err
	}
	job.Suspended = true
	p.Repack(e.cmi, e)
	e.bumpGeneration()
	return nil
}

// JobResume implements job_resume: re-adds a suspended job to the
// lowest-indexed row it fits. The row it held before suspend is not
// remembered, so it gets no preference. indf=false is a no-op.
func (e *Engine) JobResume(jobID string, indf bool) error {
	if !indf {
		return nil
	}
	job, ok := e.jobs[jobID]
	if !ok {
		return crerr.New("JobResume", crerr.NotFound, "job %s not registered", jobID)
	}
	p, err := e.partitionOf(jobID)
	if err != nil {
		return err
	}
	if err := p.AddJob(e.cmi, job); err != nil {
		return err
	}
	job.Suspended = false
	e.bumpGeneration()
	return nil
}

// JobExpand implements job_expand: merges from's resources
// into to, leaving from empty. Both jobs must already be resident.
func (e *Engine) JobExpand(fromID, toID string) error {
	from, ok := e.jobs[fromID]
	if !ok {
		return crerr.New("JobExpand", crerr.NotFound, "job %s not registered", fromID)
	}
	to, ok := e.jobs[toID]
	if !ok {
		return crerr.New("JobExpand", crerr.NotFound, "job %s not registered", toID)
	}

	fromPart, err := e.partitionOf(fromID)
	if err != nil {
		return err
	}
	toPart, err := e.partitionOf(toID)
	if err != nil {
		return err
	}
	if fromPart != toPart {
		return crerr.New("JobExpand", crerr.InvalidInput, "job_expand requires both jobs in the same partition")
	}

	// Step 1: remove both from res (memory + row), preserving accounting
	// reversal but not yet deleting either job from the registry.
	if err := e.removeForExpand(from); err != nil {
		return err
	}
	if err := e.removeForExpand(to); err != nil {
		return err
	}

	merged, err := mergeJobResources(e.cmi, from, to)
	if err != nil {
		return err
	}

	deviceStates, err := e.mergeDeviceState(from, to)
	if err != nil {
		return err
	}
	allNodes := append(append([]int{}, from.Nodes...), to.Nodes...)
	for i, n := range allNodes {
		if i < len(deviceStates) {
			e.nut.Get(n).TypedDevice = deviceStates[i]
		}
	}

	*to = *merged
	*from = jobres.JobResources{JobID: from.JobID} // donor job now holds no resources

	if err := e.AddJobToRes(fromPart.Name, to); err != nil {
		return err
	}
	e.bumpGeneration()
	return nil
}

// removeForExpand reverses a job's NUT accounting and drops it from its
// row without touching the job registry, the first half of job_expand's
// "remove both jobs from res" step.
func (e *Engine) removeForExpand(job *jobres.JobResources) error {
	exclusive := job.NodeReq == jobres.NodeCRReserved || job.WholeNode
	for rank, node := range job.Nodes {
		e.nut.SubMemory(node, job.MemoryAllocated[rank])
		e.nut.DecShare(node, exclusive)
	}
	p, err := e.partitionOf(job.JobID)
	if err != nil {
		return err
	}
	if err := p.RemoveJob(job.JobID); err != nil {
		return err
	}
	p.RebuildInPlace(e.cmi, e)
	return nil
}

// ResvTest implements resv_test: runs the reservation planner over the
// given request.
func (e *Engine) ResvTest(req *reservation.Request) (*reservation.Result, error) {
	return reservation.Plan(e.cmi, req)
}

// NodeInfoSetAll implements nodeinfo_set_all: recomputes the node rollup
// if the engine's generation has advanced since the last call, and
// refreshes the exported gauges alongside it.
func (e *Engine) NodeInfoSetAll() rollup.Status {
	names := sortedPartitionNames(e.partitions)
	parts := make([]*partition.Partition, 0, len(names))
	for _, name := range names {
		parts = append(parts, e.partitions[name])
	}
	status := e.rollup.SetAll(e.cmi, e.nut, parts, e.generation)
	if status == rollup.Changed {
		for _, name := range names {
			enginecollector.RowsInUse.WithLabelValues(name).Set(float64(e.partitions[name].NumUsedRows()))
		}
		for n := 0; n < e.cmi.NumNodes(); n++ {
			info := e.rollup.Get(n)
			if info == nil {
				continue
			}
			label := strconv.Itoa(n)
			enginecollector.AllocatedCores.WithLabelValues(label).Set(float64(info.AllocCores.PopCount()))
			enginecollector.AllocatedMemory.WithLabelValues(label).Set(float64(info.AllocMemory))
		}
	}
	return status
}

// NodeInfo returns the cached rollup for node n (nil if NodeInfoSetAll
// has never run).
func (e *Engine) NodeInfo(n int) *rollup.NodeInfo {
	return e.rollup.Get(n)
}

func sortedPartitionNames(m map[string]*partition.Partition) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reconfigure implements reconfigure: rebuilds the Core-Map
// Index from the last known per-node core counts and rebuilds every
// partition's row bitmaps in place against it (no jobs move between
// rows).
func (e *Engine) Reconfigure() error {
	if err := e.cmi.Rebuild(e.coresPerNode); err != nil {
		return errors.Wrap(err, "reconfigure")
	}
	for _, p := range e.partitions {
		p.RebuildInPlace(e.cmi, e)
	}
	e.bumpGeneration()
	return nil
}

// UpdateNodeConfig implements update_node_config: adjusts a
// single node's core count, preserving every other node's offset only
// when total core count is unaffected; otherwise the caller must follow
// up with a full NodeInit ("may require partial invalidation").
func (e *Engine) UpdateNodeConfig(nodeIndex int, newCores int) error {
	if nodeIndex < 0 || nodeIndex >= len(e.coresPerNode) {
		return crerr.New("UpdateNodeConfig", crerr.InvalidInput, "node index %d out of range", nodeIndex)
	}
	e.coresPerNode[nodeIndex] = newCores
	return e.Reconfigure()
}

// UpdateNodeState implements update_node_state: refreshes a
// node's NUT entry (e.g. after a memory reconfig) without touching CMI.
func (e *Engine) UpdateNodeState(node int, realMemory, memSpecLimit uint64) error {
	entry := e.nut.Get(node)
	entry.RealMemory = realMemory
	entry.MemSpecLimit = memSpecLimit
	e.bumpGeneration()
	return nil
}

// CoreMap exposes the engine's Core-Map Index for callers (e.g. the
// demo CLI) that need to build JRRs against it.
func (e *Engine) CoreMap() *coremap.Index {
	return e.cmi
}

// NodeUsage exposes the engine's Node Usage Table.
func (e *Engine) NodeUsage() *nodeusage.Table {
	return e.nut
}

// Partition returns the named partition, or nil if it doesn't exist.
func (e *Engine) Partition(name string) *partition.Partition {
	return e.partitions[name]
}

// ApplyClusterConfig pushes a loaded crconfig.Cluster into the engine:
// node_init against the configured topology followed by a fresh
// AddPartition per configured partition. Like NodeInit, this invalidates
// any resident jobs' row placement; it is meant for startup and for
// reacting to a topology change a controller has already drained jobs
// for, not for applying config hot under live load.
func (e *Engine) ApplyClusterConfig(c *crconfig.Cluster) error {
	coresPerNode := make([]int, len(c.Nodes))
	realMemory := make([]uint64, len(c.Nodes))
	memSpecLimit := make([]uint64, len(c.Nodes))
	for i, n := range c.Nodes {
		coresPerNode[i] = n.Cores
		realMemory[i] = n.RealMemory
		memSpecLimit[i] = n.MemSpecLimit
	}
	e.threadsPerCore = c.Policy.ThreadsPerCore
	if err := e.NodeInit(coresPerNode, realMemory, memSpecLimit); err != nil {
		return errors.Wrap(err, "apply_cluster_config")
	}
	e.partitions = make(map[string]*partition.Partition, len(c.Partitions))
	for _, p := range c.Partitions {
		if err := e.AddPartition(p.Name, p.NumRows); err != nil {
			return errors.Wrap(err, "apply_cluster_config")
		}
	}
	return nil
}
