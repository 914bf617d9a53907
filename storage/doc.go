// Package storage provides a crash-consistent key-value tree on top of a
// durable object pool (see package pmem).
//
// The main storage primitive is the Tree, which is made up of a durable
// chain of fixed capacity leaves and a volatile routing index that is
// rebuilt from the chain every time the tree is opened.
//
// # Durable Layout
//
// Every piece of a tree is an object in the pool:
//
//	root    [magic "BKVR"][leafCapacity u32][head u64]
//	leaf    [next u64][slot 0 u64]...[slot C-1 u64]
//	slot    [fingerprint u8][keysize u32][valsize u32][key][0x00][value]
//
// Integers are little endian and an object identifier of 0 is null. The
// root points at the head of a singly linked chain of leaves. The chain is
// not sorted; new leaves are linked in at the head. Each leaf slot points
// at a slot record, or is null when the slot is empty.
//
// A fingerprint is the Pearson hash of the key. It is never 0, so a cached
// fingerprint of 0 marks an empty slot.
//
// # Volatile Index
//
// Inner nodes hold ascending separator keys. A key descends into the first
// child whose separator is greater than or equal to it, so ties go left.
// Every leaf node caches the fingerprints and keys of its slots, so a
// lookup reads a single slot record from the pool.
//
// Writes commit to the pool first and change the index only once the
// commit succeeds. When a full leaf splits, the slots above the split key
// move to a second leaf in the same transaction, and the index is fixed up
// afterwards, splitting inner nodes upward as needed.
//
// Leaves emptied by Remove are not merged; they are reused by later splits
// after the next time the tree is opened.
package storage
