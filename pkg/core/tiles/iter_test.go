// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiles

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextIndex(t *testing.T) {
	begin, end := []int{1, 2}, []int{3, 4}
	index := slices.Clone(begin)
	var got [][]int
	for {
		got = append(got, slices.Clone(index))
		if !NextIndex(index, begin, end) {
			break
		}
	}
	assert.Equal(t, [][]int{{1, 2}, {2, 2}, {1, 3}, {2, 3}}, got)
	// After the last index, it is reset to begin.
	assert.Equal(t, begin, index)

	// Rank 0 has only one index.
	assert.False(t, NextIndex(nil, nil, nil))
}

func TestIterRange(t *testing.T) {
	testCases := []struct {
		name       string
		begin, end []int
		want       [][]int
	}{
		{"1D", []int{2}, []int{5}, [][]int{{2}, {3}, {4}}},
		{"2D", []int{0, 1}, []int{2, 3}, [][]int{{0, 1}, {1, 1}, {0, 2}, {1, 2}}},
		{"Empty", []int{0, 3}, []int{2, 3}, nil},
		{"Inverted", []int{4}, []int{1}, nil},
		{"Scalar", []int{}, []int{}, [][]int{{}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var got [][]int
			for counter, index := range IterRange(tc.begin, tc.end) {
				require.Equal(t, len(got), counter)
				got = append(got, slices.Clone(index))
			}
			assert.Equal(t, tc.want, got)
			assert.Equal(t, len(tc.want), RangeSize(tc.begin, tc.end))
		})
	}

	// Early break.
	count := 0
	for range IterRange([]int{0, 0}, []int{10, 10}) {
		count++
		if count == 5 {
			break
		}
	}
	assert.Equal(t, 5, count)

	require.Panics(t, func() { IterRange([]int{0}, []int{1, 2}) })
}

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, 0, CeilDiv(0, 3))
	assert.Equal(t, 1, CeilDiv(1, 3))
	assert.Equal(t, 1, CeilDiv(3, 3))
	assert.Equal(t, 2, CeilDiv(4, 3))
	assert.Equal(t, int64(4), CeilDiv(int64(7), int64(2)))
}
