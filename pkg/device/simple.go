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

package device

// Simple is a minimal in-memory Subsystem: typed-device counts per node,
// with Merge concatenating states and Dealloc a no-op (there is nothing held
// per-rank to release). It exists so the lifecycle package and its tests
// can exercise job_expand's device-merge step without a real device
// plugin wired in.
type Simple struct {
	Counts map[int]map[string]uint64
}

// NewSimple returns a Simple subsystem seeded with per-node TRES counts.
func NewSimple(counts map[int]map[string]uint64) *Simple {
	if counts == nil {
		counts = map[int]map[string]uint64{}
	}
	return &Simple{Counts: counts}
}

// Dealloc is a no-op: Simple holds only per-node counts, nothing
// per-job-rank to release.
func (s *Simple) Dealloc(jobID string, node int, rank int) error {
	return nil
}

// Merge concatenates the two per-node state slices; callers are
// expected to have already aligned them one entry per merged node.
func (s *Simple) Merge(fromState, toState []State) ([]State, error) {
	merged := make([]State, 0, len(fromState)+len(toState))
	merged = append(merged, fromState...)
	merged = append(merged, toState...)
	return merged, nil
}

// SetNodeTresCnt returns a copy of the counts recorded for nodes.
func (s *Simple) SetNodeTresCnt(nodes []int) (map[int]map[string]uint64, error) {
	out := make(map[int]map[string]uint64, len(nodes))
	for _, n := range nodes {
		if c, ok := s.Counts[n]; ok {
			cp := make(map[string]uint64, len(c))
			for k, v := range c {
				cp[k] = v
			}
			out[n] = cp
		} else {
			out[n] = map[string]uint64{}
		}
	}
	return out, nil
}

// TresWeighted returns Σ counts[name] * weights[name].
func (s *Simple) TresWeighted(counts map[string]uint64, weights map[string]float64) float64 {
	total := 0.0
	for name, cnt := range counts {
		total += float64(cnt) * weights[name]
	}
	return total
}
