// Package anyhash defines the hashing and equivalence capability used by
// maps whose keys are arbitrary hashable values that aren't necessarily
// comparable.
package anyhash

import (
	"bytes"
	"hash/maphash"
)

// See https://go-review.googlesource.com/c/go/+/657296/11/src/hash/maphash/hasher.go#7

// A Hasher defines a hash function and an equivalence relation over
// values of type T.
//
// Hash must be consistent with Equal: values that are Equal must write the
// same bytes to the maphash. Both must be stable for the lifetime of a key
// in a map.
//
// See https://go-review.googlesource.com/c/go/+/657296/11/src/hash/maphash/hasher.go
type Hasher[T any] interface {
	Hash(*maphash.Hash, T)
	Equal(x, y T) bool
}

// ComparableHasher is an implementation of [Hasher] for comparable types.
// Its Equal(x, y) method is consistent with x == y.
type ComparableHasher[T comparable] struct {
	_ [0]func(T) // disallow comparison, and conversion between ComparableHasher[X] and ComparableHasher[Y]
}

func (ComparableHasher[T]) Hash(h *maphash.Hash, v T) { maphash.WriteComparable(h, v) }
func (ComparableHasher[T]) Equal(x, y T) bool         { return x == y }

// BytesHasher is an implementation of [Hasher] for byte slices.
// Its Equal method is consistent with bytes.Equal.
type BytesHasher struct{}

func (BytesHasher) Hash(h *maphash.Hash, v []byte) { h.Write(v) }
func (BytesHasher) Equal(x, y []byte) bool         { return bytes.Equal(x, y) }

// Funcs adapts a pair of functions to a [Hasher].
// Both functions must be non-nil.
type Funcs[T any] struct {
	HashFunc  func(*maphash.Hash, T)
	EqualFunc func(x, y T) bool
}

func (f Funcs[T]) Hash(h *maphash.Hash, v T) { f.HashFunc(h, v) }
func (f Funcs[T]) Equal(x, y T) bool         { return f.EqualFunc(x, y) }
