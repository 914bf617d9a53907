package storage

import (
	"bytes"
	"fmt"

	"github.com/a-poor/bluekv/pmem"
)

// nodeID addresses a node in the index arena.
type nodeID int32

// nilNode is the absent node.
const nilNode nodeID = -1

// node is either a volatile view of one durable leaf or an inner routing
// node. A leaf node caches the fingerprint, key and slot identifier of
// every slot of its durable leaf; a fingerprint of 0 marks an empty slot.
//
// An inner node holds keycount ascending separators and keycount+1
// children. Its arrays have room for one extra separator and child so an
// insert can overflow before the node is split.
type node struct {
	isLeaf bool
	parent nodeID

	leaf   pmem.OID
	prints []uint8
	keys   [][]byte
	slots  []pmem.OID

	keycount int
	seps     [][]byte
	children []nodeID
}

func (n *node) find(key []byte, fp uint8) int {
	for i, p := range n.prints {
		if p == fp && bytes.Equal(n.keys[i], key) {
			return i
		}
	}
	return -1
}

func (n *node) firstEmpty() int {
	for i, p := range n.prints {
		if p == 0 {
			return i
		}
	}
	return -1
}

func (n *node) setSlot(i int, fp uint8, key []byte, slot pmem.OID) {
	n.prints[i] = fp
	n.keys[i] = key
	n.slots[i] = slot
}

func (n *node) clearSlot(i int) {
	n.setSlot(i, 0, nil, 0)
}

// index is the volatile routing structure over the leaf chain. Nodes are
// never released individually; the whole arena is dropped on reset.
type index struct {
	nodes    []*node
	top      nodeID
	capacity int
	fanout   int

	leafSplits  int
	innerSplits int
}

func newIndex(capacity, fanout int) *index {
	return &index{top: nilNode, capacity: capacity, fanout: fanout}
}

func (x *index) reset() {
	x.nodes = nil
	x.top = nilNode
	x.leafSplits = 0
	x.innerSplits = 0
}

func (x *index) node(id nodeID) *node { return x.nodes[id] }

func (x *index) newLeaf(oid pmem.OID) nodeID {
	id := nodeID(len(x.nodes))
	x.nodes = append(x.nodes, &node{
		isLeaf: true,
		parent: nilNode,
		leaf:   oid,
		prints: make([]uint8, x.capacity),
		keys:   make([][]byte, x.capacity),
		slots:  make([]pmem.OID, x.capacity),
	})
	return id
}

func (x *index) newInner() nodeID {
	id := nodeID(len(x.nodes))
	n := &node{
		parent:   nilNode,
		seps:     make([][]byte, x.fanout+1),
		children: make([]nodeID, x.fanout+2),
	}
	for i := range n.children {
		n.children[i] = nilNode
	}
	x.nodes = append(x.nodes, n)
	return id
}

// route descends from the top to the only leaf that may hold key. Ties go
// left. It returns nilNode for an empty index.
func (x *index) route(key []byte) nodeID {
	id := x.top
	for id != nilNode {
		n := x.nodes[id]
		if n.isLeaf {
			return id
		}
		i := 0
		for i < n.keycount && bytes.Compare(key, n.seps[i]) > 0 {
			i++
		}
		id = n.children[i]
	}
	return nilNode
}

// height is the number of levels from the top down to the leaves.
func (x *index) height() int {
	h := 0
	for id := x.top; id != nilNode; h++ {
		n := x.nodes[id]
		if n.isLeaf {
			return h + 1
		}
		id = n.children[0]
	}
	return h
}

func (x *index) innerCount() int {
	c := 0
	for _, n := range x.nodes {
		if !n.isLeaf {
			c++
		}
	}
	return c
}

// check walks the index from the top and verifies its shape: separator
// order and bounds, child counts, parent links, and that every cached key
// routes back to the leaf that holds it.
func (x *index) check() error {
	if x.top == nilNode {
		return nil
	}
	if p := x.nodes[x.top].parent; p != nilNode {
		return fmt.Errorf("%w: top node %d has parent %d", ErrCorrupt, x.top, p)
	}
	seen := make(map[nodeID]bool, len(x.nodes))
	return x.checkNode(x.top, nil, nil, seen)
}

// checkNode verifies the subtree at id, whose keys must lie in (lo, hi].
// A nil bound is open.
func (x *index) checkNode(id nodeID, lo, hi []byte, seen map[nodeID]bool) error {
	if seen[id] {
		return fmt.Errorf("%w: node %d reached twice", ErrCorrupt, id)
	}
	seen[id] = true
	n := x.nodes[id]

	if n.isLeaf {
		for i, k := range n.keys {
			if n.prints[i] == 0 {
				continue
			}
			if (lo != nil && bytes.Compare(k, lo) <= 0) || (hi != nil && bytes.Compare(k, hi) > 0) {
				return fmt.Errorf("%w: key %q of leaf %d outside its separators", ErrCorrupt, k, id)
			}
			if got := x.route(k); got != id {
				return fmt.Errorf("%w: key %q of leaf %d routes to node %d", ErrCorrupt, k, id, got)
			}
		}
		return nil
	}

	if n.keycount < 1 || n.keycount > x.fanout {
		return fmt.Errorf("%w: inner node %d has %d keys", ErrCorrupt, id, n.keycount)
	}
	for i := 0; i < n.keycount; i++ {
		if len(n.seps[i]) == 0 {
			return fmt.Errorf("%w: inner node %d has an empty separator", ErrCorrupt, id)
		}
		if i > 0 && bytes.Compare(n.seps[i-1], n.seps[i]) >= 0 {
			return fmt.Errorf("%w: inner node %d separators out of order", ErrCorrupt, id)
		}
	}
	for i := 0; i <= n.keycount; i++ {
		c := n.children[i]
		if c == nilNode {
			return fmt.Errorf("%w: inner node %d missing child %d", ErrCorrupt, id, i)
		}
		if p := x.nodes[c].parent; p != id {
			return fmt.Errorf("%w: node %d has parent %d, want %d", ErrCorrupt, c, p, id)
		}
		clo, chi := lo, hi
		if i > 0 {
			clo = n.seps[i-1]
		}
		if i < n.keycount {
			chi = n.seps[i]
		}
		if err := x.checkNode(c, clo, chi, seen); err != nil {
			return err
		}
	}
	return nil
}
