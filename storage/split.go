package storage

import (
	"bytes"
	"slices"

	"github.com/a-poor/bluekv/pmem"
)

// fixup links right into the index as the sibling directly after left,
// separated by split, splitting inner nodes upward as they overflow.
// It never touches durable state.
func (x *index) fixup(left, right nodeID, split []byte) {
	l, r := x.nodes[left], x.nodes[right]

	// A split top grows the tree by one level
	if l.parent == nilNode {
		top := x.newInner()
		t := x.nodes[top]
		t.seps[0] = split
		t.children[0] = left
		t.children[1] = right
		t.keycount = 1
		l.parent = top
		r.parent = top
		x.top = top
		return
	}

	// Insert after the last separator that sorts at or before split
	pid := l.parent
	p := x.nodes[pid]
	kc := p.keycount
	idx := 0
	for idx < kc && bytes.Compare(p.seps[idx], split) <= 0 {
		idx++
	}
	copy(p.seps[idx+1:kc+1], p.seps[idx:kc])
	copy(p.children[idx+2:kc+2], p.children[idx+1:kc+1])
	p.seps[idx] = split
	p.children[idx+1] = right
	r.parent = pid
	p.keycount = kc + 1
	if p.keycount <= x.fanout {
		return
	}

	// Overflow: keep the lower half, move the upper half to a new
	// sibling and promote the middle separator
	kc = p.keycount
	mid := x.fanout / 2
	upper := mid + 1

	sid := x.newInner()
	s := x.nodes[sid]
	s.keycount = copy(s.seps, p.seps[upper:kc])
	copy(s.children, p.children[upper:kc+1])
	for _, c := range s.children[:s.keycount+1] {
		x.nodes[c].parent = sid
	}

	promoted := p.seps[mid]
	clear(p.seps[mid:kc])
	for i := mid + 1; i <= kc; i++ {
		p.children[i] = nilNode
	}
	p.keycount = mid
	x.innerSplits++

	x.fixup(pid, sid, promoted)
}

// splitKey returns the key a full leaf splits at when inserting key: the
// middle of the leaf's keys and key, in sorted order.
func splitKey(keys [][]byte, key []byte) []byte {
	all := make([][]byte, 0, len(keys)+1)
	all = append(all, keys...)
	all = append(all, key)
	slices.SortFunc(all, bytes.Compare)
	return cloneBytes(all[len(keys)/2])
}

// splitLeaf splits the full leaf id and inserts key into the half it sorts
// into. The durable move and the insert commit together; the index is
// updated only after the commit succeeds.
func (t *Tree) splitLeaf(id nodeID, fp uint8, key, value []byte) error {
	n := t.index.node(id)
	split := splitKey(n.keys, key)
	right := bytes.Compare(key, split) > 0

	var (
		sib    leafAlloc
		moved  = make([]bool, t.capacity)
		target int
		slot   pmem.OID
	)
	err := t.update(func(tx pmem.Tx) error {
		l, err := readLeaf(tx, n.leaf, t.capacity)
		if err != nil {
			return err
		}
		if sib, err = t.allocLeaf(tx); err != nil {
			return err
		}

		// Keys above the split move to the same slot of the new leaf
		for i, k := range n.keys {
			if bytes.Compare(k, split) > 0 {
				sib.rec.slots[i] = l.slots[i]
				l.slots[i] = 0
				moved[i] = true
			}
		}

		dst := &l
		if right {
			dst = &sib.rec
		}
		target = slices.Index(dst.slots, 0)
		if slot, err = writeSlot(tx, dst, target, fp, key, value); err != nil {
			return err
		}
		if err := writeLeaf(tx, n.leaf, l); err != nil {
			return err
		}
		return writeLeaf(tx, sib.oid, sib.rec)
	})
	if err != nil {
		return err
	}

	// Mirror the commit in the index
	t.claimLeaf(sib)
	sid := t.index.newLeaf(sib.oid)
	s := t.index.node(sid)
	for i, m := range moved {
		if m {
			s.setSlot(i, n.prints[i], n.keys[i], n.slots[i])
			n.clearSlot(i)
		}
	}
	if right {
		s.setSlot(target, fp, cloneBytes(key), slot)
	} else {
		n.setSlot(target, fp, cloneBytes(key), slot)
	}
	t.index.leafSplits++
	t.index.fixup(id, sid, split)

	t.log.Debugw("split leaf",
		"leaf", n.leaf,
		"sibling", sib.oid,
		"recycled", sib.recycled,
		"split", split,
	)
	return nil
}

// cloneBytes returns a copy of v.
func cloneBytes(v []byte) []byte {
	c := make([]byte, len(v))
	copy(c, v)
	return c
}
