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

import "iter"

// Iterator returns an iterator over the entries of the Map.
//
// The iterator walks the Map itself, not a snapshot of it: iterating while
// other goroutines are writing yields an arbitrary consistent traversal of
// the leaves reachable from the moment-by-moment root. Iterate over an
// RClone for a stable point-in-time view.
func (c *Map[Key, Value]) Iterator() *Iter[Key, Value] {
	it := &Iter[Key, Value]{
		c: c,
	}
	it.push((*Iter[Key, Value]).mainIter).iNode = c.readRoot()
	return it
}

// All returns an iterator over (key, value) pairs of a read-only clone
// taken when iteration starts, so the sequence is immune to concurrent
// writes. The order is unspecified.
func (c *Map[Key, Value]) All() iter.Seq2[Key, Value] {
	return func(yield func(Key, Value) bool) {
		it := c.RClone().Iterator()
		for it.Next() {
			if !yield(it.Key(), it.Value()) {
				return
			}
		}
	}
}

// Keys returns an iterator over the keys of a read-only clone taken when
// iteration starts, in unspecified order.
func (c *Map[Key, Value]) Keys() iter.Seq[Key] {
	return func(yield func(Key) bool) {
		it := c.RClone().Iterator()
		for it.Next() {
			if !yield(it.Key()) {
				return
			}
		}
	}
}

// Values returns an iterator over the values of a read-only clone taken
// when iteration starts, in unspecified order.
func (c *Map[Key, Value]) Values() iter.Seq[Value] {
	return func(yield func(Value) bool) {
		it := c.RClone().Iterator()
		for it.Next() {
			if !yield(it.Value()) {
				return
			}
		}
	}
}

// Iter is an iterator that iterates through entries in the map.
// The trie is at most 8 levels deep (seven C-node levels for a 32-bit
// hashcode at 5 bits per level, at offsets 0 through 30, plus one L-node
// level), so the frame stack stays small.
type Iter[Key, Value any] struct {
	c *Map[Key, Value]
	// stack simulates the recursion stack that we'd have
	// if we were doing a conventional recursive iteration
	// through the data structure.
	stack []iterFrame[Key, Value]
	curr  *mapEntry[Key, Value]
}

type iterFrame[Key, Value any] struct {
	iter  func(*Iter[Key, Value], *iterFrame[Key, Value]) bool
	iNode *iNode[Key, Value]
	slice []branch
	lNode *lNode[Key, Value]
}

// Next advances the iterator to the next entry,
// reporting whether there is one.
func (i *Iter[Key, Value]) Next() bool {
	i.curr = nil
	for i.curr == nil && len(i.stack) > 0 {
		if f := &i.stack[len(i.stack)-1]; !f.iter(i, f) {
			i.pop()
		}
	}
	return i.curr != nil
}

// Key returns the key of the current entry.
func (i *Iter[Key, Value]) Key() Key {
	if i.curr == nil {
		return z[Key]()
	}
	return i.curr.key
}

// Value returns the value of the current entry.
func (i *Iter[Key, Value]) Value() Value {
	if i.curr == nil {
		return z[Value]()
	}
	return i.curr.value
}

// Remove removes the current entry from the underlying Map. It panics if
// the Map is read-only, if Next has not been called, or if the current
// entry has already been removed.
//
// Removal goes through the Map's own Delete on the current key. If a
// concurrent writer has already removed the entry, Remove has no effect; if
// it has replaced the value, Remove deletes the key with its new value.
func (i *Iter[Key, Value]) Remove() {
	i.c.assertReadWrite()
	if i.curr == nil {
		panic("ctrie: Remove called with no current entry")
	}
	i.c.Delete(i.curr.key)
	i.curr = nil
}

// mainIter iterates past a single iNode in the map.
func (i *Iter[Key, Value]) mainIter(f *iterFrame[Key, Value]) bool {
	if f.iNode == nil {
		return false
	}
	main := gcasRead(f.iNode, i.c)
	f.iNode = nil
	switch {
	case main.cNode != nil:
		i.push((*Iter[Key, Value]).sliceIter).slice = main.cNode.slice
		return true
	case main.lNode != nil:
		i.push((*Iter[Key, Value]).listIter).lNode = main.lNode
		return true
	case main.tNode != nil:
		i.curr = main.tNode.sNode.entry
		return true
	}
	panic("unreachable")
}

// sliceIter iterates through the entries in a cNode.
func (i *Iter[Key, Value]) sliceIter(f *iterFrame[Key, Value]) bool {
	a := f.slice
	if len(a) == 0 {
		return false
	}
	f.slice = a[1:]
	switch b := a[0].(type) {
	case *iNode[Key, Value]:
		i.push((*Iter[Key, Value]).mainIter).iNode = b
		return true
	case *sNode[Key, Value]:
		i.curr = b.entry
		return true
	}
	panic("unreachable")
}

// listIter iterates through the list of entries in an lNode.
func (i *Iter[Key, Value]) listIter(f *iterFrame[Key, Value]) bool {
	l := f.lNode
	if l == nil {
		return false
	}
	f.lNode = f.lNode.tail
	i.curr = l.head.entry
	return true
}

// pop pops a value off the iterator stack.
func (i *Iter[Key, Value]) pop() {
	i.stack = i.stack[0 : len(i.stack)-1]
}

// push pushes the given iteration function onto the iterator stack
// and returns the new frame.
// The caller is responsible for setting up the frame appropriately
// for the iteration function.
func (i *Iter[Key, Value]) push(f func(*Iter[Key, Value], *iterFrame[Key, Value]) bool) *iterFrame[Key, Value] {
	i.stack = append(i.stack, iterFrame[Key, Value]{})
	elem := &i.stack[len(i.stack)-1]
	elem.iter = f
	return elem
}
