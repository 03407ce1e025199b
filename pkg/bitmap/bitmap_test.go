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

package bitmap

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestSetClearTest(t *testing.T) {
	b := New(130)
	require.True(t, b.IsEmpty())
	b.Set(0)
	b.Set(63)
	b.Set(64)
	b.Set(129)
	require.True(t, b.Test(0))
	require.True(t, b.Test(63))
	require.True(t, b.Test(64))
	require.True(t, b.Test(129))
	require.False(t, b.Test(1))
	require.Equal(t, 4, b.PopCount())

	b.Clear(64)
	require.False(t, b.Test(64))
	require.Equal(t, 3, b.PopCount())
}

func TestFirstLastSet(t *testing.T) {
	b := New(200)
	_, ok := b.FirstSet()
	require.False(t, ok)
	_, ok = b.LastSet()
	require.False(t, ok)

	b.Set(5)
	b.Set(199)
	b.Set(70)

	first, ok := b.FirstSet()
	require.True(t, ok)
	require.Equal(t, 5, first)

	last, ok := b.LastSet()
	require.True(t, ok)
	require.Equal(t, 199, last)
}

func TestRangeOps(t *testing.T) {
	b := New(10)
	b.SetRange(2, 7)
	require.Equal(t, 5, b.PopCount())
	for i := 2; i < 7; i++ {
		require.True(t, b.Test(i))
	}
	b.ClearRange(3, 5)
	require.Equal(t, 3, b.PopCount())
	require.True(t, b.Test(2))
	require.False(t, b.Test(3))
	require.False(t, b.Test(4))
	require.True(t, b.Test(5))
	require.True(t, b.Test(6))
}

func TestBooleanOps(t *testing.T) {
	a := FromBits(8, 0, 1, 2)
	b := FromBits(8, 2, 3, 4)

	or := a.Clone()
	or.Or(b)
	require.Equal(t, []int{0, 1, 2, 3, 4}, or.Bits())

	and := a.Clone()
	and.And(b)
	require.Equal(t, []int{2}, and.Bits())

	andNot := a.Clone()
	andNot.AndNot(b)
	require.Equal(t, []int{0, 1}, andNot.Bits())

	require.True(t, a.Intersects(b))
	require.False(t, andNot.Intersects(b))
}

func TestOr2ProducesIndependentUnion(t *testing.T) {
	a := FromBits(8, 0, 1, 2)
	b := FromBits(8, 2, 3, 4)

	union := Or2(a, b)
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4}, union.Bits()); diff != "" {
		t.Errorf("Or2 union mismatch (-want +got):\n%s", diff)
	}

	// Or2 must not alias either input: mutating the union leaves a and b intact.
	union.Set(5)
	if diff := cmp.Diff([]int{0, 1, 2}, a.Bits()); diff != "" {
		t.Errorf("Or2 aliased input a (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 3, 4}, b.Bits()); diff != "" {
		t.Errorf("Or2 aliased input b (-want +got):\n%s", diff)
	}
}

func TestRemoveRange(t *testing.T) {
	// bits: 0 1 [2 3] 4 5 -> after removing [2,4): 0 1 2(was 4) 3(was 5)
	b := FromBits(6, 0, 1, 4, 5)
	out := b.RemoveRange(2, 2)
	require.Equal(t, 4, out.Len())
	require.Equal(t, []int{0, 1, 2, 3}, out.Bits())
}

func TestStringRangeList(t *testing.T) {
	b := FromBits(16, 0, 1, 2, 3, 7, 9, 10, 11)
	require.Equal(t, "0-3,7,9-11", b.String())
	require.Equal(t, "", New(4).String())
}

func TestPopCountRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(500)
		b := New(n)
		want := 0
		for i := 0; i < n; i++ {
			if rng.Intn(2) == 0 {
				b.Set(i)
				want++
			}
		}
		require.Equal(t, want, b.PopCount())
	}
}
