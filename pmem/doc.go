// Package pmem provides the durable, transactional object pool that the
// storage tree persists its leaf chain into.
//
// A pool hands out object identifiers (OIDs) for byte buffers. All mutation
// happens inside Update: every allocation, overwrite and free made by the
// callback becomes durable together, or not at all.
//
// # Journal Layout
//
// A file pool is a single append-only journal:
//
//	"BKVPOOL\x00"
//	[len:u32][sha3-256:32][snappy(cbor(header))]
//	[len:u32][sha3-256:32][snappy(cbor(commit))]
//	...
//
// A commit frame is appended and fsynced before its changes are published to
// readers. When the pool is opened the frames are replayed in order; the first
// short or damaged frame marks a torn tail, which is truncated away. Replaying
// a commit only ever sets whole objects or frees them, so replay is idempotent.
//
// Checkpoint rewrites the journal as a single snapshot commit.
package pmem
