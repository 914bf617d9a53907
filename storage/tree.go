package storage

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/a-poor/bluekv/pmem"
)

// Layout is the pool layout name of pools created by Open.
const Layout = "bluekv"

// Tree is a durable key-value tree. Its leaves live in a pmem.Pool and its
// routing index is rebuilt in memory every time the tree is opened.
//
// A Tree is safe for concurrent use. Reads share the tree; writes hold it
// exclusively for their full duration.
type Tree struct {
	mu sync.RWMutex

	pool   pmem.Pool
	owned  bool // the tree opened the pool and closes it
	pooled bool // root is the pool's own root object
	root   pmem.OID
	head   pmem.OID

	capacity int
	index    *index
	free     []pmem.OID // empty durable leaves, reused last in first out
	filter   *filter

	log    *zap.SugaredLogger
	closed bool
}

// Pair is a key and its value.
type Pair struct {
	Key   []byte
	Value []byte
}

// Analysis describes the shape of a tree.
type Analysis struct {
	// TotalLeaves is the number of leaves in the durable chain, and
	// EmptyLeaves the number of those without any occupied slot.
	TotalLeaves int `json:"total_leaves"`
	EmptyLeaves int `json:"empty_leaves"`

	// FreeListSize is the number of empty leaves waiting to be reused.
	FreeListSize int `json:"free_list_size"`

	// Path is the location of the pool.
	Path string `json:"path"`

	Height      int `json:"height"`
	InnerNodes  int `json:"inner_nodes"`
	LeafSplits  int `json:"leaf_splits"`
	InnerSplits int `json:"inner_splits"`
}

// Open opens the tree stored in the pool file at path, creating the pool
// with the given size when the file does not exist. The tree owns the pool
// and closes it on Close.
func Open(path string, size int64, opts ...Option) (*Tree, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	pool, err := pmem.OpenOrCreate(path, Layout, size, pmem.WithLogger(o.Logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open pool %q: %w", path, err)
	}
	t, err := attach(pool, 0, true, o)
	if err != nil {
		pool.Close()
		return nil, err
	}
	t.owned = true
	return t, nil
}

// Attach opens the tree rooted at the root object of an open pool.
func Attach(pool pmem.Pool, opts ...Option) (*Tree, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	return attach(pool, 0, true, o)
}

// AttachAt opens the tree whose root record is oid. A null oid creates a
// new, empty tree; its root is reported by RootOID.
func AttachAt(pool pmem.Pool, oid pmem.OID, opts ...Option) (*Tree, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	return attach(pool, oid, false, o)
}

func attach(pool pmem.Pool, oid pmem.OID, pooled bool, o Options) (*Tree, error) {
	if pool == nil {
		return nil, ErrInvalidHandle
	}

	t := &Tree{
		pool:   pool,
		pooled: pooled,
		filter: newFilter(o.FilterCapacity, o.FilterFPR),
		log:    o.Logger.Sugar().With("path", pool.Path()),
	}

	// Find, or create, the root record
	var (
		root rootRecord
		err  error
	)
	switch {
	case pooled:
		root, err = t.initPoolRoot(o)
	case oid.IsNull():
		root, err = t.allocRoot(o)
	default:
		t.root = oid
		root, err = t.loadRoot(o)
	}
	if err != nil {
		return nil, err
	}
	t.capacity = root.capacity
	t.index = newIndex(t.capacity, o.InnerFanout)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.recover(); err != nil {
		return nil, fmt.Errorf("failed to recover tree at %s: %w", t.root, err)
	}
	return t, nil
}

// poolError maps an error from a pool outside a transaction.
func poolError(err error) error {
	if errors.Is(err, pmem.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrInvalidHandle, err)
	}
	return err
}

func (t *Tree) initPoolRoot(o Options) (rootRecord, error) {
	oid, err := t.pool.Root(rootRecordSize)
	if err != nil {
		return rootRecord{}, poolError(fmt.Errorf("failed to get pool root: %w", err))
	}
	t.root = oid

	b, err := t.pool.Get(oid)
	if err != nil {
		return rootRecord{}, poolError(fmt.Errorf("failed to read pool root: %w", err))
	}
	if !isBlankRoot(b) {
		return t.checkRoot(b, o)
	}

	// First use of the pool: stamp an empty tree
	root := rootRecord{capacity: leafCapacity(o)}
	err = t.update(func(tx pmem.Tx) error {
		return tx.Set(oid, root.encode())
	})
	if err != nil {
		return rootRecord{}, err
	}
	t.log.Infow("created tree", "root", oid, "capacity", root.capacity)
	return root, nil
}

func (t *Tree) allocRoot(o Options) (rootRecord, error) {
	if _, err := t.pool.Get(0); errors.Is(err, pmem.ErrClosed) {
		return rootRecord{}, poolError(err)
	}

	root := rootRecord{capacity: leafCapacity(o)}
	err := t.update(func(tx pmem.Tx) error {
		oid, err := tx.Alloc(root.encode())
		if err != nil {
			return fmt.Errorf("failed to allocate root: %w", err)
		}
		t.root = oid
		return nil
	})
	if err != nil {
		return rootRecord{}, err
	}
	t.log.Infow("created tree", "root", t.root, "capacity", root.capacity)
	return root, nil
}

func (t *Tree) loadRoot(o Options) (rootRecord, error) {
	b, err := t.pool.Get(t.root)
	if errors.Is(err, pmem.ErrNoObject) {
		return rootRecord{}, fmt.Errorf("%w: %w", ErrInvalidRoot, err)
	}
	if err != nil {
		return rootRecord{}, poolError(fmt.Errorf("failed to read root %s: %w", t.root, err))
	}
	return t.checkRoot(b, o)
}

func (t *Tree) checkRoot(b []byte, o Options) (rootRecord, error) {
	root, err := decodeRoot(b)
	if err != nil {
		return rootRecord{}, fmt.Errorf("%s: %w", t.root, err)
	}
	if o.LeafCapacity != 0 && o.LeafCapacity != root.capacity {
		return rootRecord{}, fmt.Errorf("%w: tree has %d slots per leaf, configured %d", ErrCapacityMismatch, root.capacity, o.LeafCapacity)
	}
	return root, nil
}

func leafCapacity(o Options) int {
	if o.LeafCapacity == 0 {
		return DefaultLeafCapacity
	}
	return o.LeafCapacity
}

// update runs fn in one pool transaction.
func (t *Tree) update(fn func(tx pmem.Tx) error) error {
	if err := t.pool.Update(fn); err != nil {
		return fmt.Errorf("%w: %w", ErrTransactionFailure, err)
	}
	return nil
}

// RootOID returns the identifier of the tree's root record.
func (t *Tree) RootOID() pmem.OID { return t.root }

// LeafCapacity returns the number of slots per leaf.
func (t *Tree) LeafCapacity() int { return t.capacity }

// Put stores value under key, replacing any previous value.
func (t *Tree) Put(key, value []byte) error {
	switch {
	case len(key) == 0:
		return ErrKeyRequired
	case len(key) > MaxKeySize:
		return ErrKeyTooLarge
	case len(value) > MaxValueSize:
		return ErrValueTooLarge
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	fp := Fingerprint(key)
	id := t.index.route(key)
	var err error
	if id == nilNode {
		err = t.putFirst(fp, key, value)
	} else {
		// Overwrite a match, else take the lowest empty slot, else split
		n := t.index.node(id)
		i := n.find(key, fp)
		if i < 0 {
			i = n.firstEmpty()
		}
		if i >= 0 {
			err = t.putSlot(n, i, fp, key, value)
		} else {
			err = t.splitLeaf(id, fp, key, value)
		}
	}
	if err != nil {
		return err
	}
	t.filter.add(key)
	return nil
}

// putFirst stores the first key of an empty tree in slot 0 of a new leaf.
func (t *Tree) putFirst(fp uint8, key, value []byte) error {
	var (
		la   leafAlloc
		slot pmem.OID
	)
	err := t.update(func(tx pmem.Tx) error {
		var err error
		if la, err = t.allocLeaf(tx); err != nil {
			return err
		}
		if slot, err = writeSlot(tx, &la.rec, 0, fp, key, value); err != nil {
			return err
		}
		return writeLeaf(tx, la.oid, la.rec)
	})
	if err != nil {
		return err
	}

	t.claimLeaf(la)
	id := t.index.newLeaf(la.oid)
	t.index.node(id).setSlot(0, fp, cloneBytes(key), slot)
	t.index.top = id
	t.log.Debugw("new top leaf", "leaf", la.oid, "recycled", la.recycled)
	return nil
}

// putSlot writes key and value to slot i of leaf n.
func (t *Tree) putSlot(n *node, i int, fp uint8, key, value []byte) error {
	var slot pmem.OID
	err := t.update(func(tx pmem.Tx) error {
		l, err := readLeaf(tx, n.leaf, t.capacity)
		if err != nil {
			return err
		}
		if slot, err = writeSlot(tx, &l, i, fp, key, value); err != nil {
			return err
		}
		return writeLeaf(tx, n.leaf, l)
	})
	if err != nil {
		return err
	}

	k := n.keys[i]
	if n.prints[i] == 0 {
		k = cloneBytes(key)
	}
	n.setSlot(i, fp, k, slot)
	return nil
}

// leafAlloc is a durable empty leaf obtained inside a transaction.
type leafAlloc struct {
	oid      pmem.OID
	rec      leafRecord
	recycled bool
}

// allocLeaf takes the most recently freed leaf, or allocates a new one and
// links it in at the head of the chain. The free list and head are left
// alone until claimLeaf is called after the commit.
func (t *Tree) allocLeaf(tx pmem.Tx) (leafAlloc, error) {
	if n := len(t.free); n > 0 {
		oid := t.free[n-1]
		rec, err := readLeaf(tx, oid, t.capacity)
		if err != nil {
			return leafAlloc{}, err
		}
		return leafAlloc{oid: oid, rec: rec, recycled: true}, nil
	}

	rec := newLeafRecord(t.capacity, t.head)
	oid, err := tx.Alloc(rec.encode())
	if err != nil {
		return leafAlloc{}, fmt.Errorf("failed to allocate leaf: %w", err)
	}
	root := rootRecord{capacity: t.capacity, head: oid}
	if err := tx.Set(t.root, root.encode()); err != nil {
		return leafAlloc{}, fmt.Errorf("failed to link leaf %s: %w", oid, err)
	}
	return leafAlloc{oid: oid, rec: rec}, nil
}

func (t *Tree) claimLeaf(la leafAlloc) {
	if la.recycled {
		t.free = t.free[:len(t.free)-1]
		return
	}
	t.head = la.oid
}

// Remove deletes key. Removing a missing key is not an error.
func (t *Tree) Remove(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	if !t.filter.mayContain(key) {
		return nil
	}
	id := t.index.route(key)
	if id == nilNode {
		return nil
	}
	n := t.index.node(id)
	i := n.find(key, Fingerprint(key))
	if i < 0 {
		return nil
	}

	err := t.update(func(tx pmem.Tx) error {
		l, err := readLeaf(tx, n.leaf, t.capacity)
		if err != nil {
			return err
		}
		if err := tx.Free(l.slots[i]); err != nil {
			return fmt.Errorf("failed to free slot %s: %w", l.slots[i], err)
		}
		l.slots[i] = 0
		return writeLeaf(tx, n.leaf, l)
	})
	if err != nil {
		return err
	}
	n.clearSlot(i)
	t.log.Debugw("removed key", "leaf", n.leaf, "slot", i)
	return nil
}

// GetInto copies the value of key into buf and returns its length. If buf
// is too small it returns the value's length and a *CapacityError.
func (t *Tree) GetInto(key, buf []byte) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v, err := t.lookup(key)
	if err != nil {
		return 0, err
	}
	if len(v) > len(buf) {
		return len(v), &CapacityError{Size: len(v), Limit: len(buf)}
	}
	return copy(buf, v), nil
}

// Get returns a copy of the value of key.
func (t *Tree) Get(key []byte) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v, err := t.lookup(key)
	if err != nil {
		return nil, err
	}
	return cloneBytes(v), nil
}

// AppendGet appends the value of key to dst.
func (t *Tree) AppendGet(dst, key []byte) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v, err := t.lookup(key)
	if err != nil {
		return dst, err
	}
	return append(dst, v...), nil
}

// lookup returns the stored value of key. The result aliases pool memory.
// The caller holds the read lock.
func (t *Tree) lookup(key []byte) ([]byte, error) {
	if t.closed {
		return nil, ErrClosed
	}

	// Is it in the filter?
	if !t.filter.mayContain(key) {
		return nil, ErrNotFound
	}

	// Find the only slot that could hold it
	id := t.index.route(key)
	if id == nilNode {
		return nil, ErrNotFound
	}
	n := t.index.node(id)
	i := n.find(key, Fingerprint(key))
	if i < 0 {
		return nil, ErrNotFound
	}

	rec, err := readRecord(t.pool, n.slots[i])
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

// ForEach calls fn for every key and value in the durable chain, in chain
// order. The slices are only valid during the call. fn must not write to
// the tree. Iteration stops at the first error, which is returned.
func (t *Tree) ForEach(fn func(key, value []byte) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}

	return walkChain(t.pool, t.head, t.capacity, func(_ pmem.OID, l leafRecord) error {
		for _, s := range l.slots {
			if s.IsNull() {
				continue
			}
			rec, err := readRecord(t.pool, s)
			if err != nil {
				return err
			}
			if err := fn(rec.Key, rec.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendKeys appends a copy of every key to dst.
func (t *Tree) AppendKeys(dst [][]byte) ([][]byte, error) {
	err := t.ForEach(func(k, _ []byte) error {
		dst = append(dst, cloneBytes(k))
		return nil
	})
	return dst, err
}

// AppendPairs appends a copy of every key and value to dst.
func (t *Tree) AppendPairs(dst []Pair) ([]Pair, error) {
	err := t.ForEach(func(k, v []byte) error {
		dst = append(dst, Pair{Key: cloneBytes(k), Value: cloneBytes(v)})
		return nil
	})
	return dst, err
}

// Count returns the number of keys in the tree.
func (t *Tree) Count() (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return 0, ErrClosed
	}

	var c int
	err := walkChain(t.pool, t.head, t.capacity, func(_ pmem.OID, l leafRecord) error {
		for _, s := range l.slots {
			if !s.IsNull() {
				c++
			}
		}
		return nil
	})
	return c, err
}

// Analyze walks the durable chain and reports the shape of the tree.
func (t *Tree) Analyze() (Analysis, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return Analysis{}, ErrClosed
	}

	a := Analysis{
		FreeListSize: len(t.free),
		Path:         t.pool.Path(),
		Height:       t.index.height(),
		InnerNodes:   t.index.innerCount(),
		LeafSplits:   t.index.leafSplits,
		InnerSplits:  t.index.innerSplits,
	}
	err := walkChain(t.pool, t.head, t.capacity, func(_ pmem.OID, l leafRecord) error {
		a.TotalLeaves++
		if l.empty() {
			a.EmptyLeaves++
		}
		return nil
	})
	return a, err
}

// Check verifies the routing index. A non-nil error wraps ErrCorrupt.
func (t *Tree) Check() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	return t.index.check()
}

// Destroy frees every leaf and record of the tree in one transaction and
// closes it. A tree rooted at the pool's root object is reset to empty;
// any other root record is freed too.
func (t *Tree) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	err := t.update(func(tx pmem.Tx) error {
		var leaves []pmem.OID
		err := walkChain(tx, t.head, t.capacity, func(oid pmem.OID, l leafRecord) error {
			for _, s := range l.slots {
				if s.IsNull() {
					continue
				}
				if err := tx.Free(s); err != nil {
					return fmt.Errorf("failed to free slot %s: %w", s, err)
				}
			}
			leaves = append(leaves, oid)
			return nil
		})
		if err != nil {
			return err
		}
		for _, oid := range leaves {
			if err := tx.Free(oid); err != nil {
				return fmt.Errorf("failed to free leaf %s: %w", oid, err)
			}
		}
		if t.pooled {
			return tx.Set(t.root, rootRecord{capacity: t.capacity}.encode())
		}
		return tx.Free(t.root)
	})
	if err != nil {
		return err
	}

	t.log.Infow("destroyed tree", "root", t.root)
	t.index.reset()
	t.free = nil
	t.filter.reset()
	t.head = 0
	return t.close()
}

// Close releases the tree, closing the pool if the tree opened it.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	return t.close()
}

func (t *Tree) close() error {
	t.closed = true
	if t.owned {
		if err := t.pool.Close(); err != nil {
			return fmt.Errorf("failed to close pool: %w", err)
		}
	}
	return nil
}
