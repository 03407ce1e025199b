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

package coremap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThreadsPerCoreDefaultsToOne(t *testing.T) {
	idx, err := Build([]int{4, 4})
	require.NoError(t, err)
	require.Equal(t, 1, idx.ThreadsPerCore())
}

func TestThreadsPerCoreClampsBelowOne(t *testing.T) {
	idx, err := Build([]int{4, 4})
	require.NoError(t, err)
	idx.SetThreadsPerCore(0)
	require.Equal(t, 1, idx.ThreadsPerCore())
	idx.SetThreadsPerCore(-3)
	require.Equal(t, 1, idx.ThreadsPerCore())
}

func TestThreadsPerCoreSurvivesRebuild(t *testing.T) {
	idx, err := Build([]int{4, 4})
	require.NoError(t, err)
	idx.SetThreadsPerCore(2)
	require.NoError(t, idx.Rebuild([]int{8}))
	require.Equal(t, 2, idx.ThreadsPerCore())
}
