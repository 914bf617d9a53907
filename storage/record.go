package storage

import (
	"encoding/binary"
	"fmt"
)

// slotHeaderSize covers the fingerprint and the two length fields.
const slotHeaderSize = 1 + 4 + 4

// Record is the durable contents of one occupied slot:
//
//	[fingerprint:1][keysize:4][valsize:4][key][0x00][value]
//
// Lengths are little endian.
type Record struct {
	Fingerprint uint8
	Key         []byte
	Value       []byte
}

// recordSize returns the allocation size for a key/value pair.
func recordSize(key, value []byte) int {
	return slotHeaderSize + len(key) + 1 + len(value)
}

// encodeRecord lays a slot out in a new buffer.
func encodeRecord(fp uint8, key, value []byte) []byte {
	b := make([]byte, recordSize(key, value))
	b[0] = fp
	binary.LittleEndian.PutUint32(b[1:5], uint32(len(key)))
	binary.LittleEndian.PutUint32(b[5:9], uint32(len(value)))
	n := copy(b[slotHeaderSize:], key)
	copy(b[slotHeaderSize+n+1:], value)
	return b
}

// decodeRecord parses a slot. Key and Value alias b.
func decodeRecord(b []byte) (Record, error) {
	if len(b) < slotHeaderSize+1 {
		return Record{}, fmt.Errorf("%w: slot record of %d bytes", ErrCorrupt, len(b))
	}
	ks := int(binary.LittleEndian.Uint32(b[1:5]))
	vs := int(binary.LittleEndian.Uint32(b[5:9]))
	if ks < 0 || vs < 0 || len(b) != slotHeaderSize+ks+1+vs {
		return Record{}, fmt.Errorf("%w: slot record of %d bytes with keysize %d and valsize %d", ErrCorrupt, len(b), ks, vs)
	}
	end := slotHeaderSize + ks
	if b[end] != 0 {
		return Record{}, fmt.Errorf("%w: slot record missing separator", ErrCorrupt)
	}
	return Record{
		Fingerprint: b[0],
		Key:         b[slotHeaderSize:end:end],
		Value:       b[end+1:],
	}, nil
}
