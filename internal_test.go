package ctrie

import (
	"fmt"
	"testing"

	"github.com/go-quicktest/qt"
)

// nodeCounts tallies the node kinds reachable from a map's root.
type nodeCounts struct {
	iNodes int
	cNodes int
	sNodes int
	lNodes int
	tNodes int
}

func countNodes[Key, Value any](c *Map[Key, Value]) nodeCounts {
	var n nodeCounts
	var walk func(i *iNode[Key, Value])
	walk = func(i *iNode[Key, Value]) {
		n.iNodes++
		main := gcasRead(i, c)
		switch {
		case main.cNode != nil:
			n.cNodes++
			for _, br := range main.cNode.slice {
				switch br := br.(type) {
				case *iNode[Key, Value]:
					walk(br)
				case *sNode[Key, Value]:
					n.sNodes++
				}
			}
		case main.lNode != nil:
			n.lNodes++
		case main.tNode != nil:
			n.tNodes++
		}
	}
	walk(c.readRoot())
	return n
}

func TestCollisionBucketContracts(t *testing.T) {
	// Both keys collide on every hash bit, so they end up in an L-node at
	// the bottom of a single-branch C-node chain.
	m := NewWithFuncs[string, string](nil, func(string) uint64 {
		return 42
	}, nil)
	m.Set("x", "X")
	m.Set("y", "Y")

	n := countNodes(m)
	qt.Assert(t, qt.Equals(n.lNodes, 1))
	qt.Assert(t, qt.Equals(n.sNodes, 0))

	// Removing one entry entombs the survivor; the read of the other key
	// then cleans the tomb chain all the way back to the root.
	m.Delete("x")
	v, ok := m.Get("y")
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(v, "Y"))

	n = countNodes(m)
	qt.Assert(t, qt.Equals(n, nodeCounts{iNodes: 1, cNodes: 1, sNodes: 1}))
}

func TestRemoveContractsSiblingChain(t *testing.T) {
	// The keys share hash bits 0..24 and diverge at level 25. Removing one
	// of them must leave the other reachable and eventually inlined.
	shared := uint64(0b10101_01010_10101_01010_10101)
	m := NewWithFuncs[string, string](nil, func(k string) uint64 {
		switch k {
		case "a":
			return shared
		default:
			return shared | 1<<25
		}
	}, nil)
	m.Set("a", "A")
	m.Set("b", "B")

	_, deleted := m.Delete("b")
	qt.Assert(t, qt.IsTrue(deleted))

	v, ok := m.Get("a")
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(v, "A"))

	n := countNodes(m)
	qt.Assert(t, qt.Equals(n.tNodes, 0))
	qt.Assert(t, qt.Equals(n.sNodes, 1))
	qt.Assert(t, qt.Equals(n.lNodes, 0))
}

func TestWriteAfterCloneRenews(t *testing.T) {
	m := New[String, string]()
	for i := range 32 {
		m.Set(String(fmt.Sprintf("key-%d", i)), "v")
	}
	snap := m.Clone()

	// A write after the clone must commit against the new generation: the
	// root's C-node carries the root generation afterwards.
	m.Set("key-0", "w")
	root := m.readRoot()
	main := gcasRead(root, m)
	qt.Assert(t, qt.Equals(main.cNode.gen, root.gen))

	// No committed main node ever exposes a prev (readers would otherwise
	// observe uncommitted state).
	qt.Assert(t, qt.IsNil(main.prev.Load()))

	// The clone still reads the pre-write value.
	v, _ := snap.Get("key-0")
	qt.Assert(t, qt.Equals(v, "v"))

	// Generations are distinct identities per family.
	qt.Assert(t, qt.IsFalse(root.gen == snap.readRoot().gen))
}
