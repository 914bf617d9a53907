package pmem

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Option configures a pool.
type Option func(*config)

type config struct {
	log *zap.Logger
}

// WithLogger sets the logger used for pool lifecycle events.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

func newConfig(opts []Option) config {
	c := config{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// FilePool is a Pool kept in memory and made durable by an append-only
// journal. A FilePool without a journal (see NewMemory) has the same
// transactional behaviour but loses its contents on Close.
type FilePool struct {
	wmu sync.Mutex // serializes Update and Checkpoint

	mu      sync.RWMutex
	path    string
	file    *os.File
	offset  int64 // end of the last good frame
	layout  string
	id      string
	size    int64
	created time.Time
	objects map[OID][]byte
	used    int64
	next    OID // last identifier handed out
	root    OID
	seq     uint64
	closed  bool

	log *zap.SugaredLogger
}

var _ Pool = (*FilePool)(nil)

func newFilePool(path, layout string, size int64, c config) *FilePool {
	return &FilePool{
		path:    path,
		layout:  layout,
		size:    size,
		objects: make(map[OID][]byte),
		log:     c.log.Sugar().With("pool", path),
	}
}

// NewMemory returns a pool that lives only in memory. A size of 0 means
// the pool is unbounded.
func NewMemory(layout string, size int64, opts ...Option) (*FilePool, error) {
	id, err := NewPoolID()
	if err != nil {
		return nil, err
	}
	p := newFilePool("", layout, size, newConfig(opts))
	p.id = id
	p.created = time.Now().UTC()
	return p, nil
}

// Create creates a new journaled pool at path. It fails with ErrPoolExists
// if the path already exists.
func Create(path, layout string, size int64, opts ...Option) (*FilePool, error) {
	c := newConfig(opts)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrPoolExists, path)
		}
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}

	id, err := NewPoolID()
	if err != nil {
		f.Close()
		return nil, err
	}

	p := newFilePool(path, layout, size, c)
	p.file = f
	p.id = id
	p.created = time.Now().UTC()

	// Write the magic and the header frame
	hdr, err := encodeFrame(p.headerRecord())
	if err != nil {
		f.Close()
		return nil, err
	}
	buf := append(magic[:len(magic):len(magic)], hdr...)
	if _, err := f.WriteAt(buf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write pool header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to sync pool header: %w", err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		f.Close()
		return nil, err
	}
	p.offset = int64(len(buf))

	p.log.Infow("created pool", "layout", layout, "id", id, "size", size)
	return p, nil
}

// Open opens an existing journaled pool and replays it.
func Open(path, layout string, opts ...Option) (*FilePool, error) {
	c := newConfig(opts)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}

	p := newFilePool(path, layout, 0, c)
	p.file = f
	if err := p.replay(); err != nil {
		f.Close()
		return nil, err
	}

	p.log.Infow("opened pool", "layout", layout, "id", p.id, "objects", len(p.objects), "seq", p.seq)
	return p, nil
}

// OpenOrCreate creates the pool when path does not exist and size is
// positive, and opens it otherwise.
func OpenOrCreate(path, layout string, size int64, opts ...Option) (*FilePool, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && size > 0 {
		return Create(path, layout, size, opts...)
	}
	return Open(path, layout, opts...)
}

func (p *FilePool) headerRecord() *record {
	return &record{
		Kind:    kindHeader,
		Layout:  p.layout,
		PoolID:  p.id,
		Size:    p.size,
		Created: p.created.UnixNano(),
	}
}

// replay rebuilds the object table from the journal, truncating a torn tail.
func (p *FilePool) replay() error {
	fi, err := p.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat pool: %w", err)
	}
	remaining := fi.Size()

	r := bufio.NewReader(io.NewSectionReader(p.file, 0, remaining))
	var m [len(magic)]byte
	if _, err := io.ReadFull(r, m[:]); err != nil || m != magic {
		return fmt.Errorf("%w: %s", ErrBadPool, p.path)
	}
	p.offset = int64(len(magic))
	remaining -= p.offset

	// The header frame must be intact
	hdr, n, err := readFrame(r, remaining)
	if err != nil || hdr.Kind != kindHeader {
		return fmt.Errorf("%w: %s: missing header", ErrBadPool, p.path)
	}
	if hdr.Layout != p.layout {
		return fmt.Errorf("%w: pool has %q, want %q", ErrLayoutMismatch, hdr.Layout, p.layout)
	}
	p.id = hdr.PoolID
	p.size = hdr.Size
	p.created = time.Unix(0, hdr.Created).UTC()
	p.offset += n
	remaining -= n

	// Apply every complete commit
	for {
		rec, n, err := readFrame(r, remaining)
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, errTornFrame) || (err == nil && rec.Kind != kindCommit) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read pool journal: %w", err)
		}
		p.apply(rec)
		p.offset += n
		remaining -= n
	}

	p.log.Warnw("truncating torn journal tail", "offset", p.offset, "dropped", remaining)
	if err := p.file.Truncate(p.offset); err != nil {
		return fmt.Errorf("failed to truncate torn journal tail: %w", err)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync pool: %w", err)
	}
	return nil
}

// apply publishes a commit record. The caller must hold mu for writing, or
// be the only user of the pool.
func (p *FilePool) apply(rec *record) {
	for _, w := range rec.Writes {
		if old, ok := p.objects[w.OID]; ok {
			p.used -= int64(len(old))
		}
		data := w.Data
		if data == nil {
			data = []byte{}
		}
		p.objects[w.OID] = data
		p.used += int64(len(data))
	}
	for _, oid := range rec.Frees {
		if old, ok := p.objects[oid]; ok {
			p.used -= int64(len(old))
			delete(p.objects, oid)
		}
	}
	if rec.Next > p.next {
		p.next = rec.Next
	}
	if !rec.Root.IsNull() {
		p.root = rec.Root
	}
	p.seq = rec.Seq
}

// Layout returns the layout name of the pool.
func (p *FilePool) Layout() string { return p.layout }

// Path returns the journal path, or "" for a memory pool.
func (p *FilePool) Path() string { return p.path }

// ID returns the pool identifier assigned at creation.
func (p *FilePool) ID() string { return p.id }

// Size returns the pool size hint, 0 meaning unbounded.
func (p *FilePool) Size() int64 { return p.size }

// Used returns the number of bytes held by live objects.
func (p *FilePool) Used() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.used
}

// Root returns the pool's root object, allocating it on first use.
func (p *FilePool) Root(size int) (OID, error) {
	p.mu.RLock()
	root, closed := p.root, p.closed
	p.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}
	if !root.IsNull() {
		return root, nil
	}

	err := p.Update(func(tx Tx) error {
		ftx := tx.(*fileTx)
		if !ftx.root.IsNull() {
			return nil
		}
		oid, err := ftx.Alloc(make([]byte, size))
		if err != nil {
			return err
		}
		ftx.root = oid
		return nil
	})
	if err != nil {
		return 0, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.root, nil
}

// Get returns the committed contents of an object.
func (p *FilePool) Get(oid OID) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	b, ok := p.objects[oid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoObject, oid)
	}
	return b, nil
}

// Update runs fn in a transaction and commits its changes atomically.
func (p *FilePool) Update(fn func(tx Tx) error) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()

	p.mu.RLock()
	tx := &fileTx{
		pool:   p,
		writes: make(map[OID][]byte),
		frees:  make(map[OID]struct{}),
		next:   p.next,
		root:   p.root,
		used:   p.used,
	}
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.writes) == 0 && len(tx.frees) == 0 {
		return nil
	}
	return p.commit(tx)
}

// commit appends the transaction to the journal, syncs it, and only then
// publishes it. The caller holds wmu.
func (p *FilePool) commit(tx *fileTx) error {
	rec := &record{
		Kind: kindCommit,
		Seq:  p.seq + 1,
		Next: tx.next,
	}
	if tx.root != p.root {
		rec.Root = tx.root
	}
	for oid, data := range tx.writes {
		rec.Writes = append(rec.Writes, objectWrite{OID: oid, Data: data})
	}
	sort.Slice(rec.Writes, func(i, j int) bool { return rec.Writes[i].OID < rec.Writes[j].OID })
	for oid := range tx.frees {
		rec.Frees = append(rec.Frees, oid)
	}
	sort.Slice(rec.Frees, func(i, j int) bool { return rec.Frees[i] < rec.Frees[j] })

	frame, err := encodeFrame(rec)
	if err != nil {
		return err
	}

	if p.file != nil {
		if _, err := p.file.WriteAt(frame, p.offset); err != nil {
			p.discardTail()
			return fmt.Errorf("failed to write commit: %w", err)
		}
		if err := p.file.Sync(); err != nil {
			p.discardTail()
			return fmt.Errorf("failed to sync commit: %w", err)
		}
	}

	p.mu.Lock()
	p.apply(rec)
	p.offset += int64(len(frame))
	p.mu.Unlock()
	return nil
}

// discardTail cuts a failed commit back off the journal.
func (p *FilePool) discardTail() {
	if err := p.file.Truncate(p.offset); err != nil {
		p.log.Errorw("failed to discard partial commit", "offset", p.offset, "err", err)
	}
}

// Checkpoint rewrites the journal as a single snapshot of the live objects.
// It is a no-op for memory pools.
func (p *FilePool) Checkpoint() error {
	p.wmu.Lock()
	defer p.wmu.Unlock()

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	if p.file == nil {
		p.mu.RUnlock()
		return nil
	}
	snap := &record{
		Kind: kindCommit,
		Seq:  p.seq,
		Next: p.next,
		Root: p.root,
	}
	for oid, data := range p.objects {
		snap.Writes = append(snap.Writes, objectWrite{OID: oid, Data: data})
	}
	hdr := p.headerRecord()
	p.mu.RUnlock()
	sort.Slice(snap.Writes, func(i, j int) bool { return snap.Writes[i].OID < snap.Writes[j].OID })

	// Encode the new journal
	buf := append([]byte{}, magic[:]...)
	for _, rec := range []*record{hdr, snap} {
		frame, err := encodeFrame(rec)
		if err != nil {
			return err
		}
		buf = append(buf, frame...)
	}

	// Write it next to the old one, then swap
	tmp := p.path + ".checkpoint"
	if err := writeSynced(tmp, buf); err != nil {
		return err
	}
	f, err := os.OpenFile(tmp, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return err
	}
	if err := os.Rename(tmp, p.path); err != nil {
		f.Close()
		return fmt.Errorf("failed to install checkpoint: %w", err)
	}

	// The new journal is live once renamed; commits must follow it
	p.mu.Lock()
	old := p.file
	p.file = f
	p.offset = int64(len(buf))
	p.mu.Unlock()
	old.Close()

	if err := syncDir(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("checkpoint installed but not synced: %w", err)
	}

	p.log.Infow("checkpointed pool", "objects", len(snap.Writes), "bytes", len(buf))
	return nil
}

// Close releases the journal. Further use of the pool returns ErrClosed.
func (p *FilePool) Close() error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.objects = nil
	if p.file == nil {
		return nil
	}
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("failed to close pool: %w", err)
	}
	return nil
}

func writeSynced(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return f.Close()
}

var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", dir, err)
	}
	return nil
}

// fileTx stages the writes of one Update.
type fileTx struct {
	pool   *FilePool
	writes map[OID][]byte
	frees  map[OID]struct{}
	next   OID
	root   OID
	used   int64
}

func (tx *fileTx) committed(oid OID) ([]byte, bool) {
	tx.pool.mu.RLock()
	defer tx.pool.mu.RUnlock()
	b, ok := tx.pool.objects[oid]
	return b, ok
}

func (tx *fileTx) Get(oid OID) ([]byte, error) {
	if _, ok := tx.frees[oid]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNoObject, oid)
	}
	if b, ok := tx.writes[oid]; ok {
		return b, nil
	}
	if b, ok := tx.committed(oid); ok {
		return b, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoObject, oid)
}

func (tx *fileTx) Alloc(data []byte) (OID, error) {
	if tx.pool.size > 0 && tx.used+int64(len(data)) > tx.pool.size {
		return 0, fmt.Errorf("%w: %d of %d bytes used, %d requested", ErrPoolFull, tx.used, tx.pool.size, len(data))
	}
	tx.next++
	oid := tx.next
	tx.writes[oid] = append([]byte{}, data...)
	tx.used += int64(len(data))
	return oid, nil
}

func (tx *fileTx) Set(oid OID, data []byte) error {
	old, err := tx.Get(oid)
	if err != nil {
		return err
	}
	if len(old) != len(data) {
		return fmt.Errorf("%w: %s has %d bytes, got %d", ErrSizeMismatch, oid, len(old), len(data))
	}
	tx.writes[oid] = append([]byte{}, data...)
	return nil
}

func (tx *fileTx) Free(oid OID) error {
	old, err := tx.Get(oid)
	if err != nil {
		return err
	}
	delete(tx.writes, oid)
	if _, ok := tx.committed(oid); ok {
		tx.frees[oid] = struct{}{}
	}
	tx.used -= int64(len(old))
	return nil
}
