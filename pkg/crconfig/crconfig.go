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

// Package crconfig is the ambient configuration layer: a YAML-backed
// description of cluster topology, partition row counts, and the default
// allocation policy, reloadable at runtime with every fragment
// validating and resetting itself on every load.
//
// A Fragment is a self-contained piece of configuration that knows how
// to reset itself to defaults and validate what was loaded into it.
// Cluster assembles fragments into one struct covering the handful of
// sections this engine actually needs, rather than a generic
// arbitrarily-nested tree.
package crconfig

import (
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	logger "github.com/hpc-cr/engine/pkg/log"
)

var log = logger.NewLogger("crconfig")

// Fragment is one self-validating, self-defaulting section of the
// configuration tree.
type Fragment interface {
	Reset()
	Validate() error
}

// NodeConfig describes one compute node's resource envelope.
type NodeConfig struct {
	Name         string `json:"name"`
	Cores        int    `json:"cores"`
	RealMemory   uint64 `json:"realMemory"`
	MemSpecLimit uint64 `json:"memSpecLimit,omitempty"`
}

// Reset restores defaults for a node entry; nodes have no optional
// fields whose zero value is wrong, so Reset is a no-op.
func (n *NodeConfig) Reset() {}

// Validate checks a node entry is well formed.
func (n *NodeConfig) Validate() error {
	if n.Name == "" {
		return errors.New("node entry missing name")
	}
	if n.Cores <= 0 {
		return errors.Errorf("node %s: cores must be positive, got %d", n.Name, n.Cores)
	}
	if n.MemSpecLimit > n.RealMemory {
		return errors.Errorf("node %s: memSpecLimit %d exceeds realMemory %d", n.Name, n.MemSpecLimit, n.RealMemory)
	}
	return nil
}

// PartitionConfig describes one partition's oversubscription depth.
type PartitionConfig struct {
	Name    string `json:"name"`
	NumRows int    `json:"numRows"`
}

// Reset defaults an unset row count to 1 (no oversubscription).
func (p *PartitionConfig) Reset() {
	if p.NumRows == 0 {
		p.NumRows = 1
	}
}

// Validate checks a partition entry is well formed.
func (p *PartitionConfig) Validate() error {
	if p.Name == "" {
		return errors.New("partition entry missing name")
	}
	if p.NumRows < 1 {
		return errors.Errorf("partition %s: numRows must be >= 1, got %d", p.Name, p.NumRows)
	}
	return nil
}

// PolicyConfig is the default allocation policy a controller falls back
// to for jobs that don't specify their own placement strategy.
type PolicyConfig struct {
	DefaultNodeReq     string `json:"defaultNodeReq,omitempty"`
	DefaultRowStrategy string `json:"defaultRowStrategy,omitempty"`
	ThreadsPerCore     int    `json:"threadsPerCore,omitempty"`
}

// Reset fills in the engine's defaults: available sharing, first-cores
// packing, no SMT oversubscription.
func (p *PolicyConfig) Reset() {
	if p.DefaultNodeReq == "" {
		p.DefaultNodeReq = "available"
	}
	if p.DefaultRowStrategy == "" {
		p.DefaultRowStrategy = "first_cores"
	}
	if p.ThreadsPerCore == 0 {
		p.ThreadsPerCore = 1
	}
}

// Validate checks the policy names one of the modes the engine knows
// about.
func (p *PolicyConfig) Validate() error {
	switch p.DefaultNodeReq {
	case "available", "one_row", "reserved":
	default:
		return errors.Errorf("policy: unknown defaultNodeReq %q", p.DefaultNodeReq)
	}
	switch p.DefaultRowStrategy {
	case "first_cores", "topology", "sequential":
	default:
		return errors.Errorf("policy: unknown defaultRowStrategy %q", p.DefaultRowStrategy)
	}
	if p.ThreadsPerCore < 1 {
		return errors.Errorf("policy: threadsPerCore must be >= 1, got %d", p.ThreadsPerCore)
	}
	return nil
}

// Cluster is the whole of the reloadable configuration: the node
// topology, the partitions carved out of it, and the default policy.
type Cluster struct {
	Nodes      []NodeConfig      `json:"nodes"`
	Partitions []PartitionConfig `json:"partitions"`
	Policy     PolicyConfig      `json:"policy"`
}

// Reset restores every fragment to its defaults.
func (c *Cluster) Reset() {
	for i := range c.Nodes {
		c.Nodes[i].Reset()
	}
	for i := range c.Partitions {
		c.Partitions[i].Reset()
	}
	c.Policy.Reset()
}

// Validate runs every fragment's Validate, accumulating every failure
// instead of stopping at the first one, so a bad config file is
// reported completely in a single pass.
func (c *Cluster) Validate() error {
	var errs *multierror.Error
	if len(c.Nodes) == 0 {
		errs = multierror.Append(errs, errors.New("cluster: no nodes configured"))
	}
	seen := make(map[string]bool, len(c.Nodes))
	for i := range c.Nodes {
		if err := c.Nodes[i].Validate(); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if seen[c.Nodes[i].Name] {
			errs = multierror.Append(errs, errors.Errorf("node %s listed more than once", c.Nodes[i].Name))
		}
		seen[c.Nodes[i].Name] = true
	}
	partSeen := make(map[string]bool, len(c.Partitions))
	for i := range c.Partitions {
		if err := c.Partitions[i].Validate(); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if partSeen[c.Partitions[i].Name] {
			errs = multierror.Append(errs, errors.Errorf("partition %s listed more than once", c.Partitions[i].Name))
		}
		partSeen[c.Partitions[i].Name] = true
	}
	if err := c.Policy.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// NotifyFn is called after a configuration reload succeeds, so a
// controller can push the new topology into its engine.
type NotifyFn func(*Cluster) error

// Loader owns the on-disk path a Cluster is read from and the
// subscribers notified on every successful reload.
type Loader struct {
	path    string
	current *Cluster
	notify  []NotifyFn
}

// NewLoader creates a Loader for the given file. The file isn't read
// until the first Load call.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// OnChange registers fn to run after every successful Load.
func (l *Loader) OnChange(fn NotifyFn) {
	l.notify = append(l.notify, fn)
}

// Current returns the most recently loaded configuration, or nil if
// Load has never succeeded.
func (l *Loader) Current() *Cluster {
	return l.current
}

// Load reads and validates the configuration file, defaults any unset
// fragment, and on success runs every registered NotifyFn in order. A
// Load that fails to read, parse or validate the file leaves Current()
// at whatever previously loaded successfully — a bad edit to the file
// never tears down a running engine. Once the file validates, Current()
// is updated before the NotifyFns run; a failing NotifyFn makes Load
// return its error but does not restore the previous Current().
func (l *Loader) Load() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return errors.Wrapf(err, "failed to read cluster configuration %q", l.path)
	}
	c := &Cluster{}
	if err := yaml.UnmarshalStrict(raw, c); err != nil {
		return errors.Wrapf(err, "failed to parse cluster configuration %q", l.path)
	}
	c.Reset()
	if err := c.Validate(); err != nil {
		return errors.Wrapf(err, "invalid cluster configuration %q", l.path)
	}

	l.current = c
	for _, fn := range l.notify {
		if err := fn(c); err != nil {
			log.Error("configuration notify callback failed: %v", err)
			return err
		}
	}
	log.Info("loaded cluster configuration from %s: %d node(s), %d partition(s)", l.path, len(c.Nodes), len(c.Partitions))
	return nil
}
