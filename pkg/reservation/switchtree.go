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

package reservation

// SwitchNode is one node of the cluster's network switch tree: an
// internal switch aggregates its children's member nodes, a leaf lists
// them directly. The topology-aware best-fit strategy walks this tree
// the same way a NUMA-aware placement policy walks a socket/package pool
// hierarchy, generalized from a hardware pool hierarchy to a network
// switch hierarchy.
type SwitchNode struct {
	Name     string
	Level    int // 0 at the leaves, increasing toward the root
	Children []*SwitchNode
	Members  []int // cluster node indices directly under a leaf switch
}

// IsLeaf reports whether s has no children (its Members are definitive).
func (s *SwitchNode) IsLeaf() bool {
	return len(s.Children) == 0
}

// Nodes returns every cluster node index reachable under s.
func (s *SwitchNode) Nodes() []int {
	if s.IsLeaf() {
		out := make([]int, len(s.Members))
		copy(out, s.Members)
		return out
	}
	var out []int
	for _, c := range s.Children {
		out = append(out, c.Nodes()...)
	}
	return out
}

// Leaves returns every leaf switch under s, in subtree order.
func (s *SwitchNode) Leaves() []*SwitchNode {
	if s.IsLeaf() {
		return []*SwitchNode{s}
	}
	var out []*SwitchNode
	for _, c := range s.Children {
		out = append(out, c.Leaves()...)
	}
	return out
}
