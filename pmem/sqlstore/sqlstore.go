// Package sqlstore implements a pmem.Pool on top of a SQLite database, for
// deployments that would rather keep the leaf chain in a single SQLite file
// than in a pool journal.
package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/a-poor/bluekv/pmem"
)

const schema = `
CREATE TABLE IF NOT EXISTS pool_meta (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS objects (
	oid  INTEGER PRIMARY KEY AUTOINCREMENT,
	data BLOB NOT NULL
);`

// pragmas favour durability; every commit is synced.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = FULL",
	"PRAGMA busy_timeout = 5000",
}

const (
	metaLayout = "layout"
	metaPoolID = "pool_id"
	metaRoot   = "root"
)

// Pool is a pmem.Pool stored in SQLite.
type Pool struct {
	wmu    sync.Mutex
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	layout string
	id     string
	closed bool
	log    *zap.SugaredLogger
}

var _ pmem.Pool = (*Pool)(nil)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l.Sugar().With("pool", p.path)
		}
	}
}

// Open opens or creates the SQLite pool at path. An existing database must
// have been created with the same layout.
func Open(path, layout string, opts ...Option) (*Pool, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite pool: %w", err)
	}
	db.SetMaxOpenConns(1)

	p := &Pool{
		db:     db,
		path:   path,
		layout: layout,
		log:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.init(); err != nil {
		db.Close()
		return nil, err
	}
	p.log.Infow("opened sqlite pool", "layout", layout, "id", p.id)
	return p, nil
}

func (p *Pool) init() error {
	for _, pragma := range pragmas {
		if _, err := p.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	if _, err := p.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Stamp a new pool, or check the layout of an existing one
	layout, err := p.meta(metaLayout)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id, err := pmem.NewPoolID()
		if err != nil {
			return err
		}
		_, err = p.db.Exec(
			`INSERT INTO pool_meta (name, value) VALUES (?, ?), (?, ?)`,
			metaLayout, p.layout, metaPoolID, id,
		)
		if err != nil {
			return fmt.Errorf("failed to stamp pool: %w", err)
		}
		p.id = id
		return nil
	case err != nil:
		return fmt.Errorf("failed to read pool layout: %w", err)
	case layout != p.layout:
		return fmt.Errorf("%w: pool has %q, want %q", pmem.ErrLayoutMismatch, layout, p.layout)
	}

	id, err := p.meta(metaPoolID)
	if err != nil {
		return fmt.Errorf("failed to read pool id: %w", err)
	}
	p.id = id
	return nil
}

func (p *Pool) meta(name string) (string, error) {
	var value string
	err := p.db.QueryRow(`SELECT value FROM pool_meta WHERE name = ?`, name).Scan(&value)
	return value, err
}

// Layout returns the pool's layout name.
func (p *Pool) Layout() string { return p.layout }

// Path returns the database path.
func (p *Pool) Path() string { return p.path }

// ID returns the identifier stamped into the pool at creation.
func (p *Pool) ID() string { return p.id }

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Root returns the root object, allocating it on first use.
func (p *Pool) Root(size int) (pmem.OID, error) {
	if p.isClosed() {
		return 0, pmem.ErrClosed
	}

	p.wmu.Lock()
	defer p.wmu.Unlock()

	v, err := p.meta(metaRoot)
	if err == nil {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad root %q", pmem.ErrBadPool, v)
		}
		return pmem.OID(n), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to read root: %w", err)
	}

	var root pmem.OID
	err = p.update(func(tx *sqlTx) error {
		oid, err := tx.Alloc(make([]byte, size))
		if err != nil {
			return err
		}
		_, err = tx.tx.Exec(
			`INSERT INTO pool_meta (name, value) VALUES (?, ?)`,
			metaRoot, strconv.FormatUint(uint64(oid), 10),
		)
		if err != nil {
			return fmt.Errorf("failed to record root: %w", err)
		}
		root = oid
		return nil
	})
	return root, err
}

// Get returns the committed contents of an object.
func (p *Pool) Get(oid pmem.OID) ([]byte, error) {
	if p.isClosed() {
		return nil, pmem.ErrClosed
	}
	return get(p.db.QueryRow(`SELECT data FROM objects WHERE oid = ?`, int64(oid)), oid)
}

func get(row *sql.Row, oid pmem.OID) ([]byte, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", pmem.ErrNoObject, oid)
		}
		return nil, fmt.Errorf("failed to read %s: %w", oid, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// Update runs fn inside one SQLite transaction.
func (p *Pool) Update(fn func(tx pmem.Tx) error) error {
	if p.isClosed() {
		return pmem.ErrClosed
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.update(func(tx *sqlTx) error { return fn(tx) })
}

// update runs fn in a transaction. The caller holds wmu.
func (p *Pool) update(fn func(tx *sqlTx) error) error {
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&sqlTx{tx: tx}); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			p.log.Errorw("failed to roll back", "err", rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database.
func (p *Pool) Close() error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Get(oid pmem.OID) ([]byte, error) {
	return get(t.tx.QueryRow(`SELECT data FROM objects WHERE oid = ?`, int64(oid)), oid)
}

func (t *sqlTx) Alloc(data []byte) (pmem.OID, error) {
	if data == nil {
		data = []byte{}
	}
	res, err := t.tx.Exec(`INSERT INTO objects (data) VALUES (?)`, data)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate object: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate object: %w", err)
	}
	return pmem.OID(id), nil
}

func (t *sqlTx) Set(oid pmem.OID, data []byte) error {
	old, err := t.Get(oid)
	if err != nil {
		return err
	}
	if len(old) != len(data) {
		return fmt.Errorf("%w: %s has %d bytes, got %d", pmem.ErrSizeMismatch, oid, len(old), len(data))
	}
	if _, err := t.tx.Exec(`UPDATE objects SET data = ? WHERE oid = ?`, data, int64(oid)); err != nil {
		return fmt.Errorf("failed to write %s: %w", oid, err)
	}
	return nil
}

func (t *sqlTx) Free(oid pmem.OID) error {
	res, err := t.tx.Exec(`DELETE FROM objects WHERE oid = ?`, int64(oid))
	if err != nil {
		return fmt.Errorf("failed to free %s: %w", oid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to free %s: %w", oid, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", pmem.ErrNoObject, oid)
	}
	return nil
}
