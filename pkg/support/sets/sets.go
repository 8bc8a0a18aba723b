// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets implements a generic Set as a map[T]struct{}.
//
// It is used to track small groups of ranks and axes, e.g. the nodes holding a cached copy of a tile.
package sets

import (
	"cmp"
	"maps"
	"slices"
)

// Set of keys of type T. The zero value is nil and read-only: use Make or MakeWith.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set. The optional size reserves space for that many keys.
func Make[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// MakeWith returns a Set with the given keys.
func MakeWith[T comparable](keys ...T) Set[T] {
	s := Make[T](len(keys))
	s.Insert(keys...)
	return s
}

// Has returns whether key is in the set. It works on a nil set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys in the set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Remove keys from the set. Keys not in the set are ignored.
func (s Set[T]) Remove(keys ...T) {
	for _, key := range keys {
		delete(s, key)
	}
}

// Sorted returns the keys of s in increasing order. It returns an empty (non-nil) slice for an empty set.
func Sorted[T cmp.Ordered](s Set[T]) []T {
	keys := slices.Sorted(maps.Keys(s))
	if keys == nil {
		keys = []T{}
	}
	return keys
}
