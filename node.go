/*
Copyright 2015 Workiva, LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

 http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ctrie

import (
	"math/bits"
	"sync/atomic"
)

const (
	// w controls the number of branches at a node (2^w branches).
	w = 5

	// exp2 is 2^w, which is the hashcode space.
	exp2 = 32
)

// generation demarcates Map clones. We use a heap-allocated reference
// instead of an integer to avoid integer overflows. Struct must have a field
// on it since two distinct zero-size variables may have the same address in
// memory.
type generation struct{ _ bool }

// branch is either *iNode or *sNode.
type branch any

// mapEntry contains a Map key-value pair.
type mapEntry[Key, Value any] struct {
	key   Key
	value Value
	hash  uint32
}

// sNode is a singleton node which contains a single key and value.
type sNode[Key, Value any] struct {
	entry *mapEntry[Key, Value]
}

// iNode is an indirection node. I-nodes remain present in the Map even as
// nodes above and below change. Thread-safety is achieved in part by
// performing CAS operations on the I-node instead of the internal node slice.
type iNode[Key, Value any] struct {
	main atomic.Pointer[mainNode[Key, Value]]
	gen  *generation

	// rdcss is set during an RDCSS operation. The I-node is actually a wrapper
	// around the descriptor in this case so that a single type is used during
	// CAS operations on the root.
	rdcss *rdcssDescriptor[Key, Value]
}

func newINode[Key, Value any](main *mainNode[Key, Value], gen *generation) *iNode[Key, Value] {
	in := &iNode[Key, Value]{gen: gen}
	in.main.Store(main)
	return in
}

// copyToGen returns a copy of this I-node copied to the given generation.
func (i *iNode[Key, Value]) copyToGen(gen *generation, ctrie *Map[Key, Value]) *iNode[Key, Value] {
	return newINode(gcasRead(i, ctrie), gen)
}

// mainNode is either a cNode, tNode, lNode, or failed node which makes up an
// I-node.
type mainNode[Key, Value any] struct {
	cNode  *cNode[Key, Value]
	tNode  *tNode[Key, Value]
	lNode  *lNode[Key, Value]
	failed *mainNode[Key, Value]

	// prev is set as a failed main node when we attempt to CAS and the
	// I-node's generation does not match the root generation. This signals
	// that the GCAS failed and the I-node's main node must be set back to the
	// previous value.
	prev atomic.Pointer[mainNode[Key, Value]]
}

// cNode is an internal main node containing a bitmap and the slice with
// references to branch nodes. A branch node is either another I-node or a
// singleton S-node.
type cNode[Key, Value any] struct {
	bmp   uint32
	slice []branch
	gen   *generation
}

// newMainNode is a recursive constructor which creates a new mainNode. This
// mainNode will consist of cNodes as long as the hashcode chunks of the two
// keys are equal at the given level. If the level exceeds 2^w, an lNode is
// created.
func newMainNode[Key, Value any](x *sNode[Key, Value], xhc uint32, y *sNode[Key, Value], yhc uint32, lev uint, gen *generation) *mainNode[Key, Value] {
	if lev >= exp2 {
		return &mainNode[Key, Value]{
			lNode: &lNode[Key, Value]{
				head: y,
				tail: &lNode[Key, Value]{
					head: x,
				},
			},
		}
	}
	xidx := (xhc >> lev) & 0x1f
	yidx := (yhc >> lev) & 0x1f
	bmp := uint32((1 << xidx) | (1 << yidx))

	switch {
	case xidx == yidx:
		// Recurse when indexes are equal.
		main := newMainNode(x, xhc, y, yhc, lev+w, gen)
		in := newINode(main, gen)
		return &mainNode[Key, Value]{cNode: &cNode[Key, Value]{bmp, []branch{in}, gen}}
	case xidx < yidx:
		return &mainNode[Key, Value]{cNode: &cNode[Key, Value]{bmp, []branch{x, y}, gen}}
	default:
		return &mainNode[Key, Value]{cNode: &cNode[Key, Value]{bmp, []branch{y, x}, gen}}
	}
}

// inserted returns a copy of this cNode with the new entry at the given position.
func (c *cNode[Key, Value]) inserted(pos int, flag uint32, br branch, gen *generation) *cNode[Key, Value] {
	slice := make([]branch, len(c.slice)+1)
	copy(slice, c.slice[:pos])
	slice[pos] = br
	copy(slice[pos+1:], c.slice[pos:])
	return &cNode[Key, Value]{
		bmp:   c.bmp | flag,
		slice: slice,
		gen:   gen,
	}
}

// updated returns a copy of this cNode with the entry at the given index updated.
func (c *cNode[Key, Value]) updated(pos int, br branch, gen *generation) *cNode[Key, Value] {
	slice := make([]branch, len(c.slice))
	copy(slice, c.slice)
	slice[pos] = br
	return &cNode[Key, Value]{
		bmp:   c.bmp,
		slice: slice,
		gen:   gen,
	}
}

// removed returns a copy of this cNode with the entry at the given index
// removed.
func (c *cNode[Key, Value]) removed(pos int, flag uint32, gen *generation) *cNode[Key, Value] {
	slice := make([]branch, len(c.slice)-1)
	copy(slice, c.slice[0:pos])
	copy(slice[pos:], c.slice[pos+1:])
	return &cNode[Key, Value]{
		bmp:   c.bmp ^ flag,
		slice: slice,
		gen:   gen,
	}
}

// renewed returns a copy of this cNode with the I-nodes below it copied to the
// given generation.
func (c *cNode[Key, Value]) renewed(gen *generation, ctrie *Map[Key, Value]) *cNode[Key, Value] {
	slice := make([]branch, len(c.slice))
	for i, br := range c.slice {
		switch t := br.(type) {
		case *iNode[Key, Value]:
			slice[i] = t.copyToGen(gen, ctrie)
		default:
			slice[i] = br
		}
	}
	return &cNode[Key, Value]{
		bmp:   c.bmp,
		slice: slice,
		gen:   gen,
	}
}

// tNode is tomb node which is a special node used to ensure proper ordering
// during removals.
type tNode[Key, Value any] struct {
	sNode *sNode[Key, Value]
}

// untombed returns the S-node contained by the T-node.
func (t *tNode[Key, Value]) untombed() *sNode[Key, Value] {
	return &sNode[Key, Value]{&mapEntry[Key, Value]{
		key:   t.sNode.entry.key,
		value: t.sNode.entry.value,
		hash:  t.sNode.entry.hash,
	}}
}

// lNode is a list node which is a leaf node used to handle hashcode
// collisions by keeping such keys in a persistent list.
type lNode[Key, Value any] struct {
	head *sNode[Key, Value]
	tail *lNode[Key, Value]
}

// lookup returns the value for the given key in the L-node or returns false
// if it's not contained.
func (l *lNode[Key, Value]) lookup(key Key, eq func(Key, Key) bool) (Value, bool) {
	for ; l != nil; l = l.tail {
		if eq(key, l.head.entry.key) {
			return l.head.entry.value, true
		}
	}
	return z[Value](), false
}

// inserted creates a new L-node with the added entry, replacing any
// existing entry with an equivalent key.
func (l *lNode[Key, Value]) inserted(entry *mapEntry[Key, Value], eq func(Key, Key) bool) *lNode[Key, Value] {
	return &lNode[Key, Value]{
		head: &sNode[Key, Value]{entry},
		tail: l.removed(entry.key, eq),
	}
}

// removed creates a new L-node with the entry removed.
func (l *lNode[Key, Value]) removed(key Key, eq func(Key, Key) bool) *lNode[Key, Value] {
	for l1 := l; l1 != nil; l1 = l1.tail {
		if eq(key, l1.head.entry.key) {
			return l.remove(l1)
		}
	}
	return l
}

func (l *lNode[Key, Value]) remove(l1 *lNode[Key, Value]) *lNode[Key, Value] {
	if l == l1 {
		return l.tail
	}
	return &lNode[Key, Value]{
		head: l.head,
		tail: l.tail.remove(l1),
	}
}

// toContracted ensures that every I-node except the root points to a C-node
// with at least one branch. If a given C-Node has only a single S-node below
// it and is not at the root level, a T-node which wraps the S-node is
// returned.
func toContracted[Key, Value any](cn *cNode[Key, Value], lev uint) *mainNode[Key, Value] {
	if lev > 0 && len(cn.slice) == 1 {
		switch branch := cn.slice[0].(type) {
		case *sNode[Key, Value]:
			return entomb(branch)
		default:
			return &mainNode[Key, Value]{cNode: cn}
		}
	}
	return &mainNode[Key, Value]{cNode: cn}
}

// toCompressed compacts the C-node as a performance optimization.
func toCompressed[Key, Value any](cn *cNode[Key, Value], lev uint) *mainNode[Key, Value] {
	tmpSlice := make([]branch, len(cn.slice))
	for i, sub := range cn.slice {
		switch sub := sub.(type) {
		case *iNode[Key, Value]:
			inode := sub
			main := inode.main.Load()
			tmpSlice[i] = resurrect(inode, main)
		case *sNode[Key, Value]:
			tmpSlice[i] = sub
		default:
			panic("Map is in an invalid state")
		}
	}

	return toContracted(&cNode[Key, Value]{
		bmp:   cn.bmp,
		slice: tmpSlice,
		gen:   cn.gen,
	}, lev)
}

func entomb[Key, Value any](m *sNode[Key, Value]) *mainNode[Key, Value] {
	return &mainNode[Key, Value]{tNode: &tNode[Key, Value]{m}}
}

func resurrect[Key, Value any](iNode *iNode[Key, Value], main *mainNode[Key, Value]) branch {
	if main.tNode != nil {
		return main.tNode.untombed()
	}
	return iNode
}

func flagPos(hashcode uint32, lev uint, bmp uint32) (uint32, int) {
	idx := (hashcode >> lev) & 0x1f
	flag := uint32(1) << idx
	pos := bits.OnesCount32(bmp & (flag - 1))
	return flag, pos
}

// z returns the zero value of V.
func z[V any]() V {
	var v V
	return v
}
