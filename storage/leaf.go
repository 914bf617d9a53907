package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/a-poor/bluekv/pmem"
)

// rootMagic tags a tree root record.
var rootMagic = [4]byte{'B', 'K', 'V', 'R'}

// rootRecordSize is the size of the durable root record:
//
//	[magic:4][leafCapacity:u32][head:u64]
const rootRecordSize = 4 + 4 + 8

// rootRecord anchors the leaf chain.
type rootRecord struct {
	capacity int
	head     pmem.OID
}

func (r rootRecord) encode() []byte {
	b := make([]byte, rootRecordSize)
	copy(b[0:4], rootMagic[:])
	binary.LittleEndian.PutUint32(b[4:8], uint32(r.capacity))
	binary.LittleEndian.PutUint64(b[8:16], uint64(r.head))
	return b
}

// isBlankRoot reports whether b is a freshly allocated, zero filled root.
func isBlankRoot(b []byte) bool {
	if len(b) != rootRecordSize {
		return false
	}
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func decodeRoot(b []byte) (rootRecord, error) {
	if len(b) != rootRecordSize || [4]byte(b[0:4]) != rootMagic {
		return rootRecord{}, ErrInvalidRoot
	}
	r := rootRecord{
		capacity: int(binary.LittleEndian.Uint32(b[4:8])),
		head:     pmem.OID(binary.LittleEndian.Uint64(b[8:16])),
	}
	if r.capacity < 1 || r.capacity > MaxLeafCapacity {
		return rootRecord{}, fmt.Errorf("%w: leaf capacity %d", ErrInvalidRoot, r.capacity)
	}
	return r, nil
}

// leafRecord is a durable leaf:
//
//	[next:u64][slot 0:u64]...[slot C-1:u64]
//
// A null slot identifier is an empty slot; a null next ends the chain.
type leafRecord struct {
	next  pmem.OID
	slots []pmem.OID
}

func newLeafRecord(capacity int, next pmem.OID) leafRecord {
	return leafRecord{next: next, slots: make([]pmem.OID, capacity)}
}

func leafRecordSize(capacity int) int { return 8 + 8*capacity }

func (l leafRecord) encode() []byte {
	b := make([]byte, leafRecordSize(len(l.slots)))
	binary.LittleEndian.PutUint64(b[0:8], uint64(l.next))
	for i, s := range l.slots {
		binary.LittleEndian.PutUint64(b[8+8*i:], uint64(s))
	}
	return b
}

func (l leafRecord) empty() bool {
	for _, s := range l.slots {
		if !s.IsNull() {
			return false
		}
	}
	return true
}

func decodeLeaf(b []byte, capacity int) (leafRecord, error) {
	if len(b) != leafRecordSize(capacity) {
		return leafRecord{}, fmt.Errorf("%w: leaf record of %d bytes, want %d", ErrCorrupt, len(b), leafRecordSize(capacity))
	}
	l := newLeafRecord(capacity, pmem.OID(binary.LittleEndian.Uint64(b[0:8])))
	for i := range l.slots {
		l.slots[i] = pmem.OID(binary.LittleEndian.Uint64(b[8+8*i:]))
	}
	return l, nil
}

// reader is the read half shared by pmem.Pool and pmem.Tx.
type reader interface {
	Get(oid pmem.OID) ([]byte, error)
}

func readRoot(r reader, oid pmem.OID) (rootRecord, error) {
	b, err := r.Get(oid)
	if err != nil {
		return rootRecord{}, fmt.Errorf("failed to read root %s: %w", oid, err)
	}
	return decodeRoot(b)
}

func readLeaf(r reader, oid pmem.OID, capacity int) (leafRecord, error) {
	b, err := r.Get(oid)
	if err != nil {
		return leafRecord{}, fmt.Errorf("failed to read leaf %s: %w", oid, err)
	}
	return decodeLeaf(b, capacity)
}

func readRecord(r reader, oid pmem.OID) (Record, error) {
	b, err := r.Get(oid)
	if err != nil {
		return Record{}, fmt.Errorf("failed to read slot %s: %w", oid, err)
	}
	return decodeRecord(b)
}

func writeLeaf(tx pmem.Tx, oid pmem.OID, l leafRecord) error {
	if err := tx.Set(oid, l.encode()); err != nil {
		return fmt.Errorf("failed to write leaf %s: %w", oid, err)
	}
	return nil
}

// writeSlot replaces the payload of slot i of l with a new allocation,
// freeing the old one. The caller writes l back.
func writeSlot(tx pmem.Tx, l *leafRecord, i int, fp uint8, key, value []byte) (pmem.OID, error) {
	if old := l.slots[i]; !old.IsNull() {
		if err := tx.Free(old); err != nil {
			return 0, fmt.Errorf("failed to free slot %s: %w", old, err)
		}
	}
	oid, err := tx.Alloc(encodeRecord(fp, key, value))
	if err != nil {
		return 0, fmt.Errorf("failed to allocate slot: %w", err)
	}
	l.slots[i] = oid
	return oid, nil
}

// walkChain calls fn for every durable leaf, starting at head.
func walkChain(r reader, head pmem.OID, capacity int, fn func(oid pmem.OID, l leafRecord) error) error {
	for oid := head; !oid.IsNull(); {
		l, err := readLeaf(r, oid, capacity)
		if err != nil {
			return err
		}
		if err := fn(oid, l); err != nil {
			return err
		}
		oid = l.next
	}
	return nil
}
