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

// Package enginecollector registers the CR engine's prometheus metrics
// with pkg/metrics, using the same self-registering init() idiom every
// per-subsystem collector package in this module follows: import this
// package for its side effect, call its exported vars from engine code
// to record values.
package enginecollector

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hpc-cr/engine/pkg/metrics"
)

var (
	// RowsInUse reports how many oversubscription rows a partition
	// currently holds at least one job in.
	RowsInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cr_engine",
		Name:      "partition_rows_in_use",
		Help:      "Number of oversubscription rows currently holding at least one job.",
	}, []string{"partition"})

	// AllocatedCores reports each node's currently allocated core count.
	AllocatedCores = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cr_engine",
		Name:      "node_allocated_cores",
		Help:      "Cores currently allocated on a node, from the last node-info rollup.",
	}, []string{"node"})

	// AllocatedMemory reports each node's currently allocated memory.
	AllocatedMemory = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cr_engine",
		Name:      "node_allocated_memory_bytes",
		Help:      "Memory currently allocated on a node, from the Node Usage Table.",
	}, []string{"node"})

	// PlannerFailures counts reservation planner calls that returned
	// NO_FIT.
	PlannerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cr_engine",
		Name:      "reservation_planner_failures_total",
		Help:      "Reservation planner calls that failed to find a fit.",
	})

	// PackerDanglingRecoveries counts Row Packer runs that produced a
	// dangling job and had to restore the pre-pack row layout.
	PackerDanglingRecoveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cr_engine",
		Name:      "row_packer_dangling_recoveries_total",
		Help:      "Row Packer repacks that rolled back to the pre-pack layout after producing a dangling job.",
	})

	// ResidualSweeps counts aggregate-mode core selections whose first,
	// evenly-spread sweep left a residual the planner had to fill with an
	// uncapped second sweep.
	ResidualSweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cr_engine",
		Name:      "reservation_planner_residual_sweeps_total",
		Help:      "Aggregate-mode core selections that needed a second, uncapped sweep to reach their target.",
	})
)

func init() {
	metrics.RegisterCollector("cr_engine_rows_in_use", func() (prometheus.Collector, error) { return RowsInUse, nil })
	metrics.RegisterCollector("cr_engine_allocated_cores", func() (prometheus.Collector, error) { return AllocatedCores, nil })
	metrics.RegisterCollector("cr_engine_allocated_memory", func() (prometheus.Collector, error) { return AllocatedMemory, nil })
	metrics.RegisterCollector("cr_engine_planner_failures", func() (prometheus.Collector, error) { return PlannerFailures, nil })
	metrics.RegisterCollector("cr_engine_packer_dangling_recoveries", func() (prometheus.Collector, error) { return PackerDanglingRecoveries, nil })
	metrics.RegisterCollector("cr_engine_planner_residual_sweeps", func() (prometheus.Collector, error) { return ResidualSweeps, nil })
}
