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

import "sync/atomic"

// gcas is a generation-compare-and-swap which has semantics similar to RDCSS,
// but it does not create the intermediate object except in the case of
// failures that occur due to the clone being taken. This ensures that the
// write occurs only if the Map root generation has remained the same in
// addition to the I-node having the expected value.
func gcas[Key, Value any](in *iNode[Key, Value], old, n *mainNode[Key, Value], ct *Map[Key, Value]) bool {
	n.prev.Store(old)
	if in.main.CompareAndSwap(old, n) {
		gcasComplete(in, n, ct)
		return n.prev.Load() == nil
	}
	return false
}

// gcasRead performs a GCAS-linearizable read of the I-node's main node.
func gcasRead[Key, Value any](in *iNode[Key, Value], ctrie *Map[Key, Value]) *mainNode[Key, Value] {
	m := in.main.Load()
	if m.prev.Load() == nil {
		return m
	}
	return gcasComplete(in, m, ctrie)
}

// gcasComplete commits or aborts a pending GCAS operation, returning the
// I-node's settled main node. A reader never observes a main node with a
// non-nil prev.
func gcasComplete[Key, Value any](i *iNode[Key, Value], m *mainNode[Key, Value], ctrie *Map[Key, Value]) *mainNode[Key, Value] {
	for {
		if m == nil {
			return nil
		}
		prev := m.prev.Load()
		root := ctrie.rdcssReadRoot(true)
		if prev == nil {
			return m
		}

		if prev.failed != nil {
			// Signals GCAS failure. Swap old value back into I-node.
			fn := prev.failed
			if i.main.CompareAndSwap(m, fn) {
				return fn
			}
			m = i.main.Load()
			continue
		}

		if root.gen == i.gen && !ctrie.readOnly {
			// Commit GCAS.
			if m.prev.CompareAndSwap(prev, nil) {
				return m
			}
			continue
		}

		// Generations did not match. Store failed node on prev to signal
		// I-node's main node must be set back to the previous value.
		m.prev.CompareAndSwap(prev, &mainNode[Key, Value]{failed: prev})
		m = i.main.Load()
	}
}

// rdcssDescriptor is an intermediate struct which communicates the intent to
// replace the root I-node and check that the old root's main node is still
// the expected one before committing to the new value.
type rdcssDescriptor[Key, Value any] struct {
	old       *iNode[Key, Value]
	expected  *mainNode[Key, Value]
	nv        *iNode[Key, Value]
	committed atomic.Bool
}

// readRoot performs a linearizable read of the Map root. This operation is
// prioritized so that if another thread performs a GCAS on the root, a
// deadlock does not occur.
func (c *Map[Key, Value]) readRoot() *iNode[Key, Value] {
	return c.rdcssReadRoot(false)
}

// rdcssReadRoot performs a RDCSS-linearizable read of the Map root with the
// given priority.
func (c *Map[Key, Value]) rdcssReadRoot(abort bool) *iNode[Key, Value] {
	r := c.root.Load()
	if r.rdcss != nil {
		return c.rdcssComplete(abort)
	}
	return r
}

// rdcssRoot performs a RDCSS on the Map root. This is used to create a
// clone of the Map by copying the root I-node and setting it to a new
// generation.
func (c *Map[Key, Value]) rdcssRoot(old *iNode[Key, Value], expected *mainNode[Key, Value], nv *iNode[Key, Value]) bool {
	desc := &iNode[Key, Value]{
		rdcss: &rdcssDescriptor[Key, Value]{
			old:      old,
			expected: expected,
			nv:       nv,
		},
	}
	if c.casRoot(old, desc) {
		c.rdcssComplete(false)
		return desc.rdcss.committed.Load()
	}
	return false
}

// rdcssComplete commits the RDCSS operation.
func (c *Map[Key, Value]) rdcssComplete(abort bool) *iNode[Key, Value] {
	for {
		r := c.root.Load()
		if r.rdcss == nil {
			return r
		}
		desc := r.rdcss
		ov := desc.old
		exp := desc.expected
		nv := desc.nv
		if abort {
			if c.root.CompareAndSwap(r, ov) {
				return ov
			}
			continue
		}
		oldMain := gcasRead(ov, c)
		if oldMain == exp {
			// Commit the RDCSS.
			if c.root.CompareAndSwap(r, nv) {
				desc.committed.Store(true)
				return nv
			}
			continue
		}
		if c.root.CompareAndSwap(r, ov) {
			return ov
		}
	}
}

// casRoot performs a CAS on the Map root.
func (c *Map[Key, Value]) casRoot(ov, nv *iNode[Key, Value]) bool {
	c.assertReadWrite()
	return c.root.CompareAndSwap(ov, nv)
}
