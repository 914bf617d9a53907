package storage

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/btree"

	"github.com/a-poor/bluekv/pmem"
)

// DefaultRecoveryOrder is the degree of the btree that orders leaves by
// their largest key during recovery.
const DefaultRecoveryOrder = 8

// recoveredLeaf is a non-empty leaf found while scanning the chain.
type recoveredLeaf struct {
	max []byte
	id  nodeID
}

func lessRecoveredLeaf(a, b recoveredLeaf) bool {
	return bytes.Compare(a.max, b.max) < 0
}

// recover rebuilds every piece of volatile state from the durable leaf
// chain: the index, the free list and the lookup filter. The caller holds
// the write lock.
func (t *Tree) recover() error {
	t.index.reset()
	t.free = t.free[:0]
	t.filter.reset()

	root, err := readRoot(t.pool, t.root)
	if err != nil {
		return err
	}
	t.head = root.head

	// Decode every leaf, sending empty ones to the free list and ordering
	// the rest by their largest key
	byMax := btree.NewG[recoveredLeaf](DefaultRecoveryOrder, lessRecoveredLeaf)
	seen := make(map[pmem.OID]bool)
	var keys int
	err = walkChain(t.pool, root.head, t.capacity, func(oid pmem.OID, l leafRecord) error {
		if seen[oid] {
			return fmt.Errorf("%w: leaf chain cycles at %s", ErrCorrupt, oid)
		}
		seen[oid] = true

		if l.empty() {
			t.free = append(t.free, oid)
			return nil
		}

		id := t.index.newLeaf(oid)
		n := t.index.node(id)
		var last []byte
		for i, s := range l.slots {
			if s.IsNull() {
				continue
			}
			rec, err := readRecord(t.pool, s)
			if err != nil {
				return fmt.Errorf("leaf %s slot %d: %w", oid, i, err)
			}
			switch {
			case len(rec.Key) == 0:
				return fmt.Errorf("%w: leaf %s slot %d has an empty key", ErrCorrupt, oid, i)
			case rec.Fingerprint == 0:
				return fmt.Errorf("%w: leaf %s slot %d has a zero fingerprint", ErrCorrupt, oid, i)
			case rec.Fingerprint != Fingerprint(rec.Key):
				return fmt.Errorf("%w: leaf %s slot %d fingerprint does not match its key", ErrCorrupt, oid, i)
			case n.find(rec.Key, rec.Fingerprint) >= 0:
				return fmt.Errorf("%w: leaf %s holds key %q twice", ErrCorrupt, oid, rec.Key)
			}

			key := cloneBytes(rec.Key)
			n.setSlot(i, rec.Fingerprint, key, s)
			t.filter.add(key)
			if last == nil || bytes.Compare(key, last) > 0 {
				last = key
			}
			keys++
		}

		if _, dup := byMax.ReplaceOrInsert(recoveredLeaf{max: last, id: id}); dup {
			return fmt.Errorf("%w: two leaves end at key %q", ErrCorrupt, last)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrCorrupt) {
			err = fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		return err
	}

	// Link the leaves left to right, separated by the previous leaf's
	// largest key
	prev := recoveredLeaf{id: nilNode}
	byMax.Ascend(func(cur recoveredLeaf) bool {
		if prev.id == nilNode {
			t.index.top = cur.id
		} else {
			t.index.fixup(prev.id, cur.id, cloneBytes(prev.max))
		}
		prev = cur
		return true
	})
	t.index.leafSplits = 0
	t.index.innerSplits = 0

	if err := t.index.check(); err != nil {
		return err
	}

	t.log.Infow("recovered tree",
		"root", t.root,
		"leaves", byMax.Len(),
		"free", len(t.free),
		"keys", keys,
		"height", t.index.height(),
	)
	return nil
}
