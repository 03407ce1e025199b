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

// Command cr-engine-demo loads a cluster configuration, drives a small
// fixed sequence of job placement operations against it so the engine's
// behavior can be observed end to end, and serves the resulting
// prometheus metrics until interrupted.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hpc-cr/engine/pkg/bitmap"
	"github.com/hpc-cr/engine/pkg/coremap"
	"github.com/hpc-cr/engine/pkg/crconfig"
	"github.com/hpc-cr/engine/pkg/crengine"
	"github.com/hpc-cr/engine/pkg/jobres"
	logger "github.com/hpc-cr/engine/pkg/log"
	"github.com/hpc-cr/engine/pkg/metrics"
	_ "github.com/hpc-cr/engine/pkg/metrics/register"
)

var log = logger.NewLogger("cr-engine-demo")

func main() {
	configPath := flag.String("config", "", "path to a cluster configuration YAML file (required)")
	listen := flag.String("listen", ":9090", "address to serve /metrics on")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: cr-engine-demo -config <cluster.yaml> [-listen addr]")
		os.Exit(1)
	}

	eng := crengine.New(nil)

	loader := crconfig.NewLoader(*configPath)
	loader.OnChange(func(c *crconfig.Cluster) error {
		return eng.ApplyClusterConfig(c)
	})
	if err := loader.Load(); err != nil {
		log.Error("failed to load %s: %v", *configPath, err)
		os.Exit(1)
	}

	runDemoSequence(eng)

	gatherer, err := metrics.NewMetricGatherer()
	if err != nil {
		log.Error("failed to set up metrics: %v", err)
		os.Exit(1)
	}
	http.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	log.Info("serving metrics on %s/metrics", *listen)
	srv := &http.Server{Addr: *listen}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server exited: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
}

// runDemoSequence exercises add_job_to_res, nodeinfo_set_all,
// job_suspend/job_resume, and rm_job_from_res against whatever nodes the
// loaded configuration made available, so a reader can watch the
// exported gauges move.
func runDemoSequence(eng *crengine.Engine) {
	cmi := eng.CoreMap()
	if cmi == nil || cmi.NumNodes() == 0 {
		log.Warn("no nodes configured, skipping demo sequence")
		return
	}

	partitionName := ""
	for _, name := range []string{"default"} {
		if eng.Partition(name) != nil {
			partitionName = name
			break
		}
	}
	if partitionName == "" {
		log.Warn("no partition named default configured, skipping demo sequence")
		return
	}

	job := singleNodeJob("demo-job-1", cmi, 0)
	if err := eng.AddJobToRes(partitionName, job); err != nil {
		log.Error("add_job_to_res failed: %v", err)
		return
	}
	eng.NodeInfoSetAll()
	if info := eng.NodeInfo(0); info != nil {
		log.Info("node 0 after add: alloc_cpus=%d alloc_memory=%d", info.AllocCpus, info.AllocMemory)
	}

	if err := eng.JobSuspend(job.JobID, true); err != nil {
		log.Error("job_suspend failed: %v", err)
	}
	if err := eng.JobResume(job.JobID, true); err != nil {
		log.Error("job_resume failed: %v", err)
	}
	eng.NodeInfoSetAll()

	if err := eng.RmJobFromRes(job.JobID, crengine.Terminate, true); err != nil {
		log.Error("rm_job_from_res failed: %v", err)
	}
	eng.NodeInfoSetAll()
}

// singleNodeJob builds a JRR occupying the lowest free-looking core on
// one node; it doesn't consult the Core-Map Index for actual
// availability, since the demo always runs against a freshly
// initialized (fully free) engine.
func singleNodeJob(id string, cmi *coremap.Index, node int) *jobres.JobResources {
	nb := bitmap.New(cmi.NumNodes())
	nb.Set(node)
	cb := bitmap.New(cmi.Cores(node))
	cb.Set(0)
	return &jobres.JobResources{
		JobID:           id,
		Nodes:           []int{node},
		NodeBitmap:      nb,
		Cpus:            []int32{1},
		MemoryAllocated: []uint64{1 << 20},
		CoreBitmap:      cb,
		NCpus:           1,
	}
}
