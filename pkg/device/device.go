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

// Package device specifies the typed-device subsystem the engine treats
// as an external collaborator: GRES/TRES accounting math and the
// actual device plugin live outside the core's scope, but job_expand and
// node removal both need to call through a narrow capability interface
// to keep a node's typed-device state (GPUs, NICs, …) consistent.
package device

// State is an opaque per-node typed-device allocation handle. The engine
// never inspects its contents; it only threads it through Dealloc/Merge.
type State interface{}

// Subsystem is the capability interface the engine's job lifecycle calls
// into for anything touching typed devices. A real deployment backs this
// with GRES/TRES accounting; tests and the demo binary use Simple.
type Subsystem interface {
	// Dealloc releases whatever typed-device state rank held on node,
	// called from rm_job_from_one_node and rm_job_from_res.
	Dealloc(jobID string, node int, rank int) error
	// Merge combines fromState (held by the "from" job's nodes) into
	// toState (held by the "to" job's nodes) as part of job_expand,
	// returning the merged per-node state for the target job.
	Merge(fromState, toState []State) ([]State, error)
	// SetNodeTresCnt asks the subsystem to fill in current typed-device
	// counts for the given nodes. The Node-Info Rollup does not call it.
	SetNodeTresCnt(nodes []int) (map[int]map[string]uint64, error)
	// TresWeighted combines raw TRES counts with configured weights into
	// a single comparable score, for billing/priority layers outside
	// the engine; nothing inside the engine calls it.
	TresWeighted(counts map[string]uint64, weights map[string]float64) float64
}
