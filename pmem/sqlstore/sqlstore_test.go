package sqlstore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-poor/bluekv/pmem"
)

func openTestPool(t *testing.T) (*Pool, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.sqlite")
	p, err := Open(path, "sqlstore-test")
	require.NoError(t, err)
	return p, path
}

func TestPool_Update(t *testing.T) {
	t.Run("should commit and survive a reopen", func(t *testing.T) {
		p, path := openTestPool(t)

		var a, b pmem.OID
		require.NoError(t, p.Update(func(tx pmem.Tx) error {
			var err error
			if a, err = tx.Alloc([]byte("alpha")); err != nil {
				return err
			}
			b, err = tx.Alloc([]byte("bravo"))
			return err
		}))
		require.NoError(t, p.Update(func(tx pmem.Tx) error {
			if err := tx.Set(a, []byte("ALPHA")); err != nil {
				return err
			}
			return tx.Free(b)
		}))
		require.NoError(t, p.Close())

		p, err := Open(path, "sqlstore-test")
		require.NoError(t, err)
		defer p.Close()

		got, err := p.Get(a)
		require.NoError(t, err)
		assert.Equal(t, []byte("ALPHA"), got)
		_, err = p.Get(b)
		assert.ErrorIs(t, err, pmem.ErrNoObject)
	})

	t.Run("should roll back when the callback fails", func(t *testing.T) {
		p, _ := openTestPool(t)
		defer p.Close()

		boom := errors.New("boom")
		var a pmem.OID
		err := p.Update(func(tx pmem.Tx) error {
			var err error
			a, err = tx.Alloc([]byte("lost"))
			require.NoError(t, err)

			got, err := tx.Get(a)
			require.NoError(t, err)
			assert.Equal(t, []byte("lost"), got)
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = p.Get(a)
		assert.ErrorIs(t, err, pmem.ErrNoObject)
	})

	t.Run("should reject size changing overwrites and unknown frees", func(t *testing.T) {
		p, _ := openTestPool(t)
		defer p.Close()

		err := p.Update(func(tx pmem.Tx) error {
			oid, err := tx.Alloc([]byte("abc"))
			require.NoError(t, err)
			return tx.Set(oid, []byte("abcd"))
		})
		assert.ErrorIs(t, err, pmem.ErrSizeMismatch)

		err = p.Update(func(tx pmem.Tx) error {
			return tx.Free(9999)
		})
		assert.ErrorIs(t, err, pmem.ErrNoObject)
	})
}

func TestPool_Root(t *testing.T) {
	t.Run("should keep the same root across reopen", func(t *testing.T) {
		p, path := openTestPool(t)
		root, err := p.Root(16)
		require.NoError(t, err)
		again, err := p.Root(16)
		require.NoError(t, err)
		assert.Equal(t, root, again)
		id := p.ID()
		require.NoError(t, p.Close())

		p, err = Open(path, "sqlstore-test")
		require.NoError(t, err)
		defer p.Close()
		reopened, err := p.Root(16)
		require.NoError(t, err)
		assert.Equal(t, root, reopened)
		assert.Equal(t, id, p.ID())

		b, err := p.Get(root)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, 16), b)
	})

	t.Run("should reject a different layout", func(t *testing.T) {
		p, path := openTestPool(t)
		require.NoError(t, p.Close())

		_, err := Open(path, "other")
		assert.ErrorIs(t, err, pmem.ErrLayoutMismatch)
	})
}
