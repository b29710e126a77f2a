// Copyright 2025 CUE Authors
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

package anyhash_test

import (
	"hash/maphash"
	"slices"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/rogpeppe/ctrie/anyhash"
)

func hashOf[T any](h anyhash.Hasher[T], seed maphash.Seed, v T) uint64 {
	var mh maphash.Hash
	mh.SetSeed(seed)
	h.Hash(&mh, v)
	return mh.Sum64()
}

func TestComparableHasher(t *testing.T) {
	h := anyhash.ComparableHasher[string]{}
	seed := maphash.MakeSeed()

	qt.Assert(t, qt.IsTrue(h.Equal("a", "a")))
	qt.Assert(t, qt.IsFalse(h.Equal("a", "b")))

	// Equal values hash equal.
	qt.Assert(t, qt.Equals(hashOf[string](h, seed, "a"), hashOf[string](h, seed, "a")))
}

func TestBytesHasher(t *testing.T) {
	h := anyhash.BytesHasher{}
	seed := maphash.MakeSeed()

	qt.Assert(t, qt.IsTrue(h.Equal([]byte("abc"), []byte{'a', 'b', 'c'})))
	qt.Assert(t, qt.IsFalse(h.Equal([]byte("abc"), []byte("abd"))))
	qt.Assert(t, qt.IsTrue(h.Equal(nil, []byte{})))

	qt.Assert(t, qt.Equals(
		hashOf[[]byte](h, seed, []byte("abc")),
		hashOf[[]byte](h, seed, []byte{'a', 'b', 'c'}),
	))
}

func TestFuncs(t *testing.T) {
	// A Hasher over a non-comparable type built from plain functions.
	h := anyhash.Funcs[[]int]{
		HashFunc: func(mh *maphash.Hash, s []int) {
			for _, v := range s {
				maphash.WriteComparable(mh, v)
			}
		},
		EqualFunc: slices.Equal[[]int],
	}
	seed := maphash.MakeSeed()

	qt.Assert(t, qt.IsTrue(h.Equal([]int{1, 2}, []int{1, 2})))
	qt.Assert(t, qt.IsFalse(h.Equal([]int{1, 2}, []int{2, 1})))
	qt.Assert(t, qt.Equals(
		hashOf[[]int](h, seed, []int{1, 2, 3}),
		hashOf[[]int](h, seed, []int{1, 2, 3}),
	))
}
