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

/*
Package ctrie provides an implementation of the Map data structure, which is
a concurrent, lock-free hash trie with a constant-time snapshot operation.
This data structure was originally presented in the paper Concurrent Tries
with Efficient Non-Blocking Clones:

https://axel22.github.io/resources/docs/ctries-clone.pdf

Unlike the paper's version, Map supports conditional updates and removals
(SetIfAbsent, Replace, CompareAndSwap, CompareAndDelete) through the same
insert and remove machinery, so each one that takes effect linearizes at a
single successful GCAS; one whose condition fails returns without any GCAS.
*/
package ctrie

import (
	"bytes"
	"fmt"
	"hash/maphash"
	"sync/atomic"

	"github.com/rogpeppe/ctrie/anyhash"
)

var seed = maphash.MakeSeed()

func StringHash(key string) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	h.WriteString(key)
	return h.Sum64()
}

func BytesHash(key []byte) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	h.Write(key)
	return h.Sum64()
}

type String string

func (s String) Hash() uint64 {
	return StringHash(string(s))
}

// Hasher is implemented by key types that know how to hash themselves.
type Hasher interface {
	comparable
	Hash() uint64
}

// Map implements a map that can be updated concurrently
// and also has a low cost snapshot operation.
type Map[Key, Value any] struct {
	root      atomic.Pointer[iNode[Key, Value]]
	readOnly  bool
	hashFunc  func(Key) uint64
	eqFunc    func(Key, Key) bool
	valEqFunc func(Value, Value) bool
}

// New returns a new empty Map.
func New[Key Hasher, Value comparable]() *Map[Key, Value] {
	return NewWithFuncs[Key, Value](func(k1, k2 Key) bool {
		return k1 == k2
	}, Key.Hash, func(v1, v2 Value) bool {
		return v1 == v2
	})
}

// NewHashed returns a new empty Map that hashes and compares keys
// with the given [anyhash.Hasher] and compares values with ==.
func NewHashed[Key any, Value comparable](h anyhash.Hasher[Key]) *Map[Key, Value] {
	if h == nil {
		panic("ctrie: nil Hasher")
	}
	return NewWithFuncs[Key, Value](h.Equal, func(k Key) uint64 {
		var mh maphash.Hash
		mh.SetSeed(seed)
		h.Hash(&mh, k)
		return mh.Sum64()
	}, func(v1, v2 Value) bool {
		return v1 == v2
	})
}

// NewWithFuncs is like New except that it uses explicit functions for
// comparison and hashing instead of relying on comparison and hashing on the
// key type itself. If eqFunc or hashFunc is nil, a default is used when Key
// is string or []byte; otherwise NewWithFuncs panics.
//
// valueEqFunc defines equivalence on values, used by CompareAndSwap,
// CompareAndDelete and ContainsValue. It may be nil, in which case those
// operations panic.
func NewWithFuncs[Key, Value any](
	eqFunc func(k1, k2 Key) bool,
	hashFunc func(Key) uint64,
	valueEqFunc func(v1, v2 Value) bool,
) *Map[Key, Value] {
	if eqFunc == nil {
		var k Key
		switch (interface{}(k)).(type) {
		case string:
			eqFunc = interface{}(func(k1, k2 string) bool {
				return k1 == k2
			}).(func(Key, Key) bool)
		case []byte:
			eqFunc = interface{}(bytes.Equal).(func(Key, Key) bool)
		default:
			panic(fmt.Errorf("no equality type known for %T", k))
		}
	}
	if hashFunc == nil {
		var k Key
		switch (interface{}(k)).(type) {
		case string:
			hashFunc = interface{}(StringHash).(func(Key) uint64)
		case []byte:
			hashFunc = interface{}(BytesHash).(func(Key) uint64)
		default:
			panic(fmt.Errorf("no hash type known for %T", k))
		}
	}
	root := newINode(&mainNode[Key, Value]{
		cNode: &cNode[Key, Value]{},
	}, nil)
	return newMap[Key, Value](root, eqFunc, hashFunc, valueEqFunc, false)
}

func newMap[Key, Value any](
	root *iNode[Key, Value],
	eqFunc func(Key, Key) bool,
	hashFunc func(Key) uint64,
	valueEqFunc func(Value, Value) bool,
	readOnly bool,
) *Map[Key, Value] {
	c := &Map[Key, Value]{
		eqFunc:    eqFunc,
		hashFunc:  hashFunc,
		valEqFunc: valueEqFunc,
		readOnly:  readOnly,
	}
	c.root.Store(root)
	return c
}

// derive returns a Map sharing this Map's key and value functions but
// with the given root.
func (c *Map[Key, Value]) derive(root *iNode[Key, Value], readOnly bool) *Map[Key, Value] {
	return newMap(root, c.eqFunc, c.hashFunc, c.valEqFunc, readOnly)
}

// ReadOnly reports whether the Map is a read-only clone.
func (c *Map[Key, Value]) ReadOnly() bool {
	return c.readOnly
}

// Get returns the value for the associated key and
// reports whether the key exists in the trie.
func (c *Map[Key, Value]) Get(key Key) (Value, bool) {
	return c.lookup(key, uint32(c.hashFunc(key)))
}

// Contains reports whether the key exists in the trie.
func (c *Map[Key, Value]) Contains(key Key) bool {
	_, ok := c.Get(key)
	return ok
}

// ContainsValue reports whether some key maps to a value equivalent to the
// given one. It scans a point-in-time snapshot of the Map and is O(n).
func (c *Map[Key, Value]) ContainsValue(value Value) bool {
	c.assertValueEq("ContainsValue")
	for _, v := range c.All() {
		if c.valEqFunc(value, v) {
			return true
		}
	}
	return false
}

// Set sets the value for the given key, returning the previous value and
// reporting whether the key already existed.
func (c *Map[Key, Value]) Set(key Key, value Value) (prev Value, replaced bool) {
	c.assertReadWrite()
	return c.insert(key, value, condAny, z[Value]())
}

// SetIfAbsent sets the value for the given key only if the key is not
// already present. It returns the existing value and false if the key was
// present, or the zero value and true if the new entry was inserted.
func (c *Map[Key, Value]) SetIfAbsent(key Key, value Value) (existing Value, inserted bool) {
	c.assertReadWrite()
	prev, had := c.insert(key, value, condAbsent, z[Value]())
	if had {
		return prev, false
	}
	return z[Value](), true
}

// Replace sets the value for the given key only if the key is already
// present, returning the previous value and reporting whether the
// replacement took place.
func (c *Map[Key, Value]) Replace(key Key, value Value) (prev Value, replaced bool) {
	c.assertReadWrite()
	return c.insert(key, value, condPresent, z[Value]())
}

// CompareAndSwap replaces the value for the given key with new only if the
// key is currently associated with a value equivalent to old. It reports
// whether the swap took place.
func (c *Map[Key, Value]) CompareAndSwap(key Key, old, new Value) bool {
	c.assertReadWrite()
	c.assertValueEq("CompareAndSwap")
	_, swapped := c.insert(key, new, condEquals, old)
	return swapped
}

// Delete deletes the value for the associated key, returning
// the deleted value and returning true if an entry was removed.
func (c *Map[Key, Value]) Delete(key Key) (Value, bool) {
	c.assertReadWrite()
	return c.remove(key, false, z[Value]())
}

// CompareAndDelete deletes the entry for the given key only if its value is
// equivalent to the given one. It reports whether the entry was removed.
func (c *Map[Key, Value]) CompareAndDelete(key Key, value Value) bool {
	c.assertReadWrite()
	c.assertValueEq("CompareAndDelete")
	_, removed := c.remove(key, true, value)
	return removed
}

// Clone returns a stable, point-in-time clone of the Map. If the Map
// is read-only, the returned Map is an independent mutable copy that
// shares all branches with it.
func (c *Map[Key, Value]) Clone() *Map[Key, Value] {
	return c.clone(false)
}

// RClone returns a stable, point-in-time clone of the Map which
// is read-only. Write operations on a read-only clone panic.
func (c *Map[Key, Value]) RClone() *Map[Key, Value] {
	return c.clone(true)
}

// clone wraps up the CAS logic to make a clone or a read-only clone.
func (c *Map[Key, Value]) clone(readOnly bool) *Map[Key, Value] {
	if c.readOnly {
		if readOnly {
			return c
		}
		// The root of a read-only Map never changes, so a mutable clone
		// needs no RDCSS; it only needs its own root in a new generation.
		return c.derive(c.readRoot().copyToGen(&generation{}, c), false)
	}
	for {
		root := c.readRoot()
		main := gcasRead(root, c)
		if c.rdcssRoot(root, main, root.copyToGen(&generation{}, c)) {
			if readOnly {
				// For a read-only clone, we can share the old generation root.
				return c.derive(root, true)
			}
			// For a read-write clone, we need to take a copy of the root in
			// the new generation.
			return c.derive(c.readRoot().copyToGen(&generation{}, c), false)
		}
	}
}

// Clear removes all keys from the Map.
func (c *Map[Key, Value]) Clear() {
	c.assertReadWrite()
	for {
		root := c.readRoot()
		gen := &generation{}
		newRoot := newINode(&mainNode[Key, Value]{cNode: &cNode[Key, Value]{gen: gen}}, gen)
		if c.rdcssRoot(root, gcasRead(root, c), newRoot) {
			return
		}
	}
}

// Len returns the number of keys in the Map, counted on a point-in-time
// snapshot. This operation is O(n).
func (c *Map[Key, Value]) Len() int {
	size := 0
	for range c.Keys() {
		size++
	}
	return size
}

func (c *Map[Key, Value]) assertReadWrite() {
	if c.readOnly {
		panic("Cannot modify read-only clone")
	}
}

func (c *Map[Key, Value]) assertValueEq(op string) {
	if c.valEqFunc == nil {
		panic("ctrie: " + op + " requires a value equality function")
	}
}

// cond selects the semantics of an insert operation.
type cond int

const (
	// condAny updates the key unconditionally.
	condAny cond = iota
	// condAbsent inserts only if the key is not present.
	condAbsent
	// condPresent replaces only if the key is present.
	condPresent
	// condEquals replaces only if the key is bound to an expected value.
	condEquals
)

func (c *Map[Key, Value]) insert(key Key, value Value, cnd cond, expect Value) (Value, bool) {
	hc := uint32(c.hashFunc(key))
	for {
		root := c.readRoot()
		prev, had, ok := c.iinsert(root, key, value, hc, cnd, expect, 0, nil, root.gen)
		if ok {
			return prev, had
		}
	}
}

func (c *Map[Key, Value]) lookup(key Key, hc uint32) (Value, bool) {
	for {
		root := c.readRoot()
		result, exists, ok := c.ilookup(root, key, hc, 0, nil, root.gen)
		if ok {
			return result, exists
		}
	}
}

func (c *Map[Key, Value]) remove(key Key, hasExpect bool, expect Value) (Value, bool) {
	hc := uint32(c.hashFunc(key))
	for {
		root := c.readRoot()
		result, exists, ok := c.iremove(root, key, hc, hasExpect, expect, 0, nil, root.gen)
		if ok {
			return result, exists
		}
	}
}

// iinsert attempts to apply an insert-like operation to the Map. The first
// two return values are the previous value for the key and whether the key
// was present (for condEquals, whether the swap took place). If the final
// return value is false, the operation should be retried from the root.
func (c *Map[Key, Value]) iinsert(i *iNode[Key, Value], key Key, value Value, hc uint32, cnd cond, expect Value, lev uint, parent *iNode[Key, Value], startGen *generation) (Value, bool, bool) {
	// Linearization point.
	main := gcasRead(i, c)
	switch {
	case main.cNode != nil:
		cn := main.cNode
		flag, pos := flagPos(hc, lev, cn.bmp)
		if cn.bmp&flag == 0 {
			// If the relevant bit is not in the bitmap, then the key is not
			// present and only inserting modes proceed: a copy of the cNode
			// with the new entry is created. The linearization point is a
			// successful CAS.
			if cnd == condPresent || cnd == condEquals {
				return z[Value](), false, true
			}
			rn := cn
			if cn.gen != i.gen {
				rn = cn.renewed(i.gen, c)
			}
			ncn := &mainNode[Key, Value]{
				cNode: rn.inserted(pos, flag, &sNode[Key, Value]{&mapEntry[Key, Value]{key, value, hc}}, i.gen),
			}
			return z[Value](), false, gcas(i, main, ncn, c)
		}
		// If the relevant bit is present in the bitmap, then its corresponding
		// branch is read from the slice.
		branch := cn.slice[pos]
		switch branch := branch.(type) {
		case *iNode[Key, Value]:
			// If the branch is an I-node, then iinsert is called recursively.
			if startGen == branch.gen {
				return c.iinsert(branch, key, value, hc, cnd, expect, lev+w, i, startGen)
			}
			if gcas(i, main, &mainNode[Key, Value]{cNode: cn.renewed(startGen, c)}, c) {
				return c.iinsert(i, key, value, hc, cnd, expect, lev, parent, startGen)
			}
			return z[Value](), false, false
		case *sNode[Key, Value]:
			sn := branch
			if !c.eqFunc(sn.entry.key, key) {
				// The branch holds a different key with the same hashcode
				// prefix. Inserting modes extend the Map with an additional
				// level: the C-node is replaced with its updated version,
				// created using the updated function that adds a new I-node
				// at the respective position. The new I-node has its main
				// node pointing to a C-node with both keys. The linearization
				// point is a successful CAS.
				if cnd == condPresent || cnd == condEquals {
					return z[Value](), false, true
				}
				rn := cn
				if cn.gen != i.gen {
					rn = cn.renewed(i.gen, c)
				}
				nsn := &sNode[Key, Value]{&mapEntry[Key, Value]{key, value, hc}}
				nin := newINode(newMainNode(sn, sn.entry.hash, nsn, nsn.entry.hash, lev+w, i.gen), i.gen)
				ncn := &mainNode[Key, Value]{cNode: rn.updated(pos, nin, i.gen)}
				return z[Value](), false, gcas(i, main, ncn, c)
			}
			// The key in the S-node is equivalent to the key being inserted.
			old := sn.entry.value
			switch cnd {
			case condAbsent:
				return old, true, true
			case condEquals:
				if !c.valEqFunc(old, expect) {
					return z[Value](), false, true
				}
			}
			// The C-node is replaced with its updated version with a new
			// S-node. The linearization point is a successful CAS.
			ncn := &mainNode[Key, Value]{cNode: cn.updated(pos, &sNode[Key, Value]{&mapEntry[Key, Value]{key, value, hc}}, i.gen)}
			if gcas(i, main, ncn, c) {
				return old, true, true
			}
			return z[Value](), false, false
		default:
			panic("Map is in an invalid state")
		}
	case main.tNode != nil:
		clean(parent, lev-w, c)
		return z[Value](), false, false
	case main.lNode != nil:
		// Hash collisions are handled using L-nodes, which are essentially
		// persistent linked lists.
		ln := main.lNode
		old, found := ln.lookup(key, c.eqFunc)
		switch cnd {
		case condAbsent:
			if found {
				return old, true, true
			}
		case condPresent:
			if !found {
				return z[Value](), false, true
			}
		case condEquals:
			if !found || !c.valEqFunc(old, expect) {
				return z[Value](), false, true
			}
		}
		nln := &mainNode[Key, Value]{lNode: ln.inserted(&mapEntry[Key, Value]{key, value, hc}, c.eqFunc)}
		if gcas(i, main, nln, c) {
			return old, found, true
		}
		return z[Value](), false, false
	default:
		panic("Map is in an invalid state")
	}
}

// ilookup attempts to fetch the value for the key from the Map. The first
// two return values are the value and whether or not the key was contained
// in the Map. The last bool indicates if the operation succeeded. False
// means it should be retried.
func (c *Map[Key, Value]) ilookup(i *iNode[Key, Value], key Key, hc uint32, lev uint, parent *iNode[Key, Value], startGen *generation) (Value, bool, bool) {
	// Linearization point.
	main := gcasRead(i, c)
	switch {
	case main.cNode != nil:
		cn := main.cNode
		flag, pos := flagPos(hc, lev, cn.bmp)
		if cn.bmp&flag == 0 {
			// If the bitmap does not contain the relevant bit, a key with the
			// required hashcode prefix is not present in the trie.
			return z[Value](), false, true
		}
		// Otherwise, the relevant branch at index pos is read from the slice.
		branch := cn.slice[pos]
		switch branch := branch.(type) {
		case *iNode[Key, Value]:
			// If the branch is an I-node, the ilookup procedure is called
			// recursively at the next level.
			in := branch
			if c.readOnly || startGen == in.gen {
				return c.ilookup(in, key, hc, lev+w, i, startGen)
			}
			if gcas(i, main, &mainNode[Key, Value]{cNode: cn.renewed(startGen, c)}, c) {
				return c.ilookup(i, key, hc, lev, parent, startGen)
			}
			return z[Value](), false, false
		case *sNode[Key, Value]:
			// If the branch is an S-node, then the key within the S-node is
			// compared with the key being searched – these two keys have the
			// same hashcode prefixes, but they need not be equivalent.
			sn := branch
			if c.eqFunc(sn.entry.key, key) {
				return sn.entry.value, true, true
			}
			return z[Value](), false, true
		default:
			panic("Map is in an invalid state")
		}
	case main.tNode != nil:
		return cleanReadOnly(main.tNode, lev, parent, c, key, hc)
	case main.lNode != nil:
		// Hash collisions are handled using L-nodes, which are essentially
		// persistent linked lists.
		val, ok := main.lNode.lookup(key, c.eqFunc)
		return val, ok, true
	default:
		panic("Map is in an invalid state")
	}
}

// iremove attempts to remove the key from the Map. The first two return
// values are the removed value and whether or not an entry was removed. The
// last bool indicates if the operation succeeded. False means
// it should be retried.
func (c *Map[Key, Value]) iremove(i *iNode[Key, Value], key Key, hc uint32, hasExpect bool, expect Value, lev uint, parent *iNode[Key, Value], startGen *generation) (Value, bool, bool) {
	// Linearization point.
	main := gcasRead(i, c)
	switch {
	case main.cNode != nil:
		cn := main.cNode
		flag, pos := flagPos(hc, lev, cn.bmp)
		if cn.bmp&flag == 0 {
			// If the bitmap does not contain the relevant bit, a key with the
			// required hashcode prefix is not present in the trie.
			return z[Value](), false, true
		}
		// Otherwise, the relevant branch at index pos is read from the slice.
		branch := cn.slice[pos]
		switch branch := branch.(type) {
		case *iNode[Key, Value]:
			// If the branch is an I-node, the iremove procedure is called
			// recursively at the next level.
			in := branch
			if startGen == in.gen {
				return c.iremove(in, key, hc, hasExpect, expect, lev+w, i, startGen)
			}
			if gcas(i, main, &mainNode[Key, Value]{cNode: cn.renewed(startGen, c)}, c) {
				return c.iremove(i, key, hc, hasExpect, expect, lev, parent, startGen)
			}
			return z[Value](), false, false
		case *sNode[Key, Value]:
			// If the branch is an S-node, its key is compared against the key
			// being removed.
			sn := branch
			if !c.eqFunc(sn.entry.key, key) {
				return z[Value](), false, true
			}
			if hasExpect && !c.valEqFunc(expect, sn.entry.value) {
				return z[Value](), false, true
			}
			// A copy of the current node without the S-node is created. The
			// contraction of the copy is then created using the toContracted
			// procedure. A successful CAS will substitute the old C-node with
			// the copied C-node, thus removing the S-node with the given key
			// from the trie – this is the linearization point.
			ncn := cn.removed(pos, flag, i.gen)
			cntr := toContracted(ncn, lev)
			if gcas(i, main, cntr, c) {
				if parent != nil {
					main = gcasRead(i, c)
					if main.tNode != nil {
						cleanParent(parent, i, hc, lev-w, c, startGen)
					}
				}
				return sn.entry.value, true, true
			}
			return z[Value](), false, false
		default:
			panic("Map is in an invalid state")
		}
	case main.tNode != nil:
		clean(parent, lev-w, c)
		return z[Value](), false, false
	case main.lNode != nil:
		ln := main.lNode
		old, found := ln.lookup(key, c.eqFunc)
		if !found {
			return z[Value](), false, true
		}
		if hasExpect && !c.valEqFunc(expect, old) {
			return z[Value](), false, true
		}
		nl := ln.removed(key, c.eqFunc)
		var nln *mainNode[Key, Value]
		if nl != nil && nl.tail == nil {
			// Exactly one entry left: entomb it so the parent contracts the
			// subtree on its next modifying visit.
			nln = entomb(nl.head)
		} else {
			nln = &mainNode[Key, Value]{lNode: nl}
		}
		if gcas(i, main, nln, c) {
			return old, true, true
		}
		return z[Value](), false, false
	default:
		panic("Map is in an invalid state")
	}
}

func clean[Key, Value any](i *iNode[Key, Value], lev uint, ctrie *Map[Key, Value]) bool {
	main := gcasRead(i, ctrie)
	if main.cNode != nil {
		return gcas(i, main, toCompressed(main.cNode, lev), ctrie)
	}
	return true
}

func cleanReadOnly[Key, Value any](tn *tNode[Key, Value], lev uint, p *iNode[Key, Value], ctrie *Map[Key, Value], key Key, hc uint32) (val Value, exists bool, ok bool) {
	if !ctrie.readOnly {
		clean(p, lev-w, ctrie)
		return z[Value](), false, false
	}
	if tn.sNode.entry.hash == hc && ctrie.eqFunc(tn.sNode.entry.key, key) {
		return tn.sNode.entry.value, true, true
	}
	return z[Value](), false, true
}

func cleanParent[Key, Value any](p, i *iNode[Key, Value], hc uint32, lev uint, ctrie *Map[Key, Value], startGen *generation) {
	main := i.main.Load()
	pMain := p.main.Load()
	if pMain.cNode == nil {
		return
	}
	flag, pos := flagPos(hc, lev, pMain.cNode.bmp)
	if pMain.cNode.bmp&flag == 0 {
		return
	}
	sub := pMain.cNode.slice[pos]
	if sub != branch(i) || main.tNode == nil {
		return
	}
	ncn := pMain.cNode.updated(pos, resurrect(i, main), i.gen)
	if gcas(p, pMain, toContracted(ncn, lev), ctrie) || ctrie.readRoot().gen != startGen {
		return
	}
	cleanParent(p, i, hc, lev, ctrie, startGen)
}
