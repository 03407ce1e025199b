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

package log

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type captureBackend struct {
	lines []string
}

func (c *captureBackend) Enabled(Level) bool { return true }
func (c *captureBackend) Info(m string)      { c.lines = append(c.lines, "I:"+m) }
func (c *captureBackend) Warn(m string)      { c.lines = append(c.lines, "W:"+m) }
func (c *captureBackend) Error(m string)     { c.lines = append(c.lines, "E:"+m) }
func (c *captureBackend) Debug(m string)     { c.lines = append(c.lines, "D:"+m) }

func TestLoggerPrefixAndLevels(t *testing.T) {
	cap := &captureBackend{}
	SetBackend(cap)
	defer SetBackend(&stderrBackend{level: LevelInfo})

	l := NewLogger("partition")
	l.Info("row %d packed", 3)
	l.Warn("underflow on node %d", 1)

	require.Len(t, cap.lines, 2)
	require.Contains(t, cap.lines[0], "[partition] row 3 packed")
	require.Contains(t, cap.lines[1], "[partition] underflow on node 1")
}

func TestDebugBlock(t *testing.T) {
	cap := &captureBackend{}
	SetBackend(cap)
	defer SetBackend(&stderrBackend{level: LevelInfo})

	l := NewLogger("packer")
	l.DebugBlock("> ", "line one\nline two")
	require.Len(t, cap.lines, 2)
	require.Contains(t, cap.lines[0], "> line one")
	require.Contains(t, cap.lines[1], "> line two")
}
