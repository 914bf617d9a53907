package pmem

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLayout = "pmem-test"

func createTestPool(t *testing.T, size int64) (*FilePool, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pool")
	p, err := Create(path, testLayout, size)
	require.NoError(t, err)
	return p, path
}

func TestFilePool_Update(t *testing.T) {
	t.Run("should commit allocations, overwrites and frees", func(t *testing.T) {
		p, path := createTestPool(t, 0)

		var a, b OID
		err := p.Update(func(tx Tx) error {
			var err error
			if a, err = tx.Alloc([]byte("alpha")); err != nil {
				return err
			}
			b, err = tx.Alloc([]byte("bravo"))
			return err
		})
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
		assert.False(t, a.IsNull())

		err = p.Update(func(tx Tx) error {
			if err := tx.Set(a, []byte("ALPHA")); err != nil {
				return err
			}
			return tx.Free(b)
		})
		require.NoError(t, err)

		got, err := p.Get(a)
		require.NoError(t, err)
		assert.Equal(t, []byte("ALPHA"), got)
		_, err = p.Get(b)
		assert.ErrorIs(t, err, ErrNoObject)

		// Everything survives a reopen
		require.NoError(t, p.Close())
		p, err = Open(path, testLayout)
		require.NoError(t, err)
		defer p.Close()

		got, err = p.Get(a)
		require.NoError(t, err)
		assert.Equal(t, []byte("ALPHA"), got)
		_, err = p.Get(b)
		assert.ErrorIs(t, err, ErrNoObject)
		assert.Equal(t, int64(len("ALPHA")), p.Used())
	})

	t.Run("should discard every change when the callback fails", func(t *testing.T) {
		p, _ := createTestPool(t, 0)
		defer p.Close()

		var a OID
		require.NoError(t, p.Update(func(tx Tx) error {
			var err error
			a, err = tx.Alloc([]byte("keep"))
			return err
		}))

		var b OID
		err := p.Update(func(tx Tx) error {
			var err error
			if b, err = tx.Alloc([]byte("lost")); err != nil {
				return err
			}
			if err := tx.Free(a); err != nil {
				return err
			}
			return ErrPoolFull
		})
		assert.ErrorIs(t, err, ErrPoolFull)

		got, err := p.Get(a)
		require.NoError(t, err)
		assert.Equal(t, []byte("keep"), got)
		_, err = p.Get(b)
		assert.ErrorIs(t, err, ErrNoObject)
	})

	t.Run("should see its own writes inside a transaction", func(t *testing.T) {
		p, err := NewMemory(testLayout, 0)
		require.NoError(t, err)
		defer p.Close()

		require.NoError(t, p.Update(func(tx Tx) error {
			oid, err := tx.Alloc([]byte("one"))
			require.NoError(t, err)
			require.NoError(t, tx.Set(oid, []byte("two")))

			got, err := tx.Get(oid)
			require.NoError(t, err)
			assert.Equal(t, []byte("two"), got)

			// Not yet visible outside the transaction
			_, err = p.Get(oid)
			assert.ErrorIs(t, err, ErrNoObject)

			require.NoError(t, tx.Free(oid))
			_, err = tx.Get(oid)
			assert.ErrorIs(t, err, ErrNoObject)
			return nil
		}))
	})

	t.Run("should reject allocations past the size hint", func(t *testing.T) {
		p, err := NewMemory(testLayout, 8)
		require.NoError(t, err)
		defer p.Close()

		require.NoError(t, p.Update(func(tx Tx) error {
			_, err := tx.Alloc(make([]byte, 6))
			return err
		}))
		err = p.Update(func(tx Tx) error {
			_, err := tx.Alloc(make([]byte, 6))
			return err
		})
		assert.ErrorIs(t, err, ErrPoolFull)
		assert.Equal(t, int64(6), p.Used())
	})

	t.Run("should reject overwrites that change the size", func(t *testing.T) {
		p, err := NewMemory(testLayout, 0)
		require.NoError(t, err)
		defer p.Close()

		err = p.Update(func(tx Tx) error {
			oid, err := tx.Alloc([]byte("abc"))
			require.NoError(t, err)
			return tx.Set(oid, []byte("abcd"))
		})
		assert.ErrorIs(t, err, ErrSizeMismatch)
	})
}

func TestFilePool_Root(t *testing.T) {
	t.Run("should allocate the root object once", func(t *testing.T) {
		p, path := createTestPool(t, 0)

		root, err := p.Root(16)
		require.NoError(t, err)
		again, err := p.Root(16)
		require.NoError(t, err)
		assert.Equal(t, root, again)

		b, err := p.Get(root)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, 16), b)

		require.NoError(t, p.Close())
		p, err = Open(path, testLayout)
		require.NoError(t, err)
		defer p.Close()

		reopened, err := p.Root(16)
		require.NoError(t, err)
		assert.Equal(t, root, reopened)
	})
}

func TestFilePool_Open(t *testing.T) {
	t.Run("should truncate a torn trailing commit", func(t *testing.T) {
		p, path := createTestPool(t, 0)

		var a OID
		require.NoError(t, p.Update(func(tx Tx) error {
			var err error
			a, err = tx.Alloc([]byte("durable"))
			return err
		}))
		require.NoError(t, p.Close())

		fi, err := os.Stat(path)
		require.NoError(t, err)
		good := fi.Size()

		// Simulate a crash half way through appending the next commit
		frame, err := encodeFrame(&record{
			Kind:   kindCommit,
			Seq:    2,
			Writes: []objectWrite{{OID: a, Data: []byte("clobber")}},
		})
		require.NoError(t, err)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
		require.NoError(t, err)
		_, err = f.Write(frame[:len(frame)-3])
		require.NoError(t, err)
		require.NoError(t, f.Close())

		p, err = Open(path, testLayout)
		require.NoError(t, err)
		defer p.Close()

		got, err := p.Get(a)
		require.NoError(t, err)
		assert.Equal(t, []byte("durable"), got)

		fi, err = os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, good, fi.Size())

		// New commits land after the truncated tail
		require.NoError(t, p.Update(func(tx Tx) error {
			_, err := tx.Alloc([]byte("after"))
			return err
		}))
	})

	t.Run("should drop a commit with a bad checksum", func(t *testing.T) {
		p, path := createTestPool(t, 0)
		var a OID
		require.NoError(t, p.Update(func(tx Tx) error {
			var err error
			a, err = tx.Alloc([]byte("v1"))
			return err
		}))
		require.NoError(t, p.Update(func(tx Tx) error {
			return tx.Set(a, []byte("v2"))
		}))
		require.NoError(t, p.Close())

		// Flip the last byte of the final frame
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		b[len(b)-1] ^= 0xFF
		require.NoError(t, os.WriteFile(path, b, 0o600))

		p, err = Open(path, testLayout)
		require.NoError(t, err)
		defer p.Close()

		got, err := p.Get(a)
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
	})

	t.Run("should reject a different layout", func(t *testing.T) {
		p, path := createTestPool(t, 0)
		require.NoError(t, p.Close())

		_, err := Open(path, "something-else")
		assert.ErrorIs(t, err, ErrLayoutMismatch)
	})

	t.Run("should reject a file that is not a pool", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "junk")
		require.NoError(t, os.WriteFile(path, []byte("definitely not a pool"), 0o600))

		_, err := Open(path, testLayout)
		assert.ErrorIs(t, err, ErrBadPool)
	})

	t.Run("should refuse to create over an existing pool", func(t *testing.T) {
		p, path := createTestPool(t, 0)
		require.NoError(t, p.Close())

		_, err := Create(path, testLayout, 0)
		assert.ErrorIs(t, err, ErrPoolExists)
	})

	t.Run("should create only when missing and sized", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "lazy.pool")

		_, err := OpenOrCreate(path, testLayout, 0)
		assert.Error(t, err)

		p, err := OpenOrCreate(path, testLayout, 1<<20)
		require.NoError(t, err)
		assert.Equal(t, int64(1<<20), p.Size())
		id := p.ID()
		require.NoError(t, p.Close())

		p, err = OpenOrCreate(path, testLayout, 1<<20)
		require.NoError(t, err)
		defer p.Close()
		assert.Equal(t, id, p.ID())
	})

	t.Run("should not open a pool held by someone else", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("advisory locks are unix only")
		}
		p, path := createTestPool(t, 0)
		defer p.Close()

		_, err := Open(path, testLayout)
		assert.ErrorIs(t, err, ErrLocked)
	})
}

func TestFilePool_Checkpoint(t *testing.T) {
	t.Run("should compact the journal and keep every object", func(t *testing.T) {
		p, path := createTestPool(t, 0)

		var a OID
		require.NoError(t, p.Update(func(tx Tx) error {
			var err error
			a, err = tx.Alloc(make([]byte, 64))
			return err
		}))
		for i := 0; i < 50; i++ {
			v := make([]byte, 64)
			v[0] = byte(i)
			require.NoError(t, p.Update(func(tx Tx) error {
				return tx.Set(a, v)
			}))
		}
		before, err := os.Stat(path)
		require.NoError(t, err)

		require.NoError(t, p.Checkpoint())
		after, err := os.Stat(path)
		require.NoError(t, err)
		assert.Less(t, after.Size(), before.Size())

		// The pool keeps working on the new journal
		var b OID
		require.NoError(t, p.Update(func(tx Tx) error {
			var err error
			b, err = tx.Alloc([]byte("post"))
			return err
		}))
		assert.Greater(t, b, a)
		require.NoError(t, p.Close())

		p, err = Open(path, testLayout)
		require.NoError(t, err)
		defer p.Close()

		got, err := p.Get(a)
		require.NoError(t, err)
		assert.Equal(t, byte(49), got[0])
		got, err = p.Get(b)
		require.NoError(t, err)
		assert.Equal(t, []byte("post"), got)
	})
}

func TestFilePool_CheckpointThenCommit(t *testing.T) {
	t.Run("should keep commits made after a checkpoint", func(t *testing.T) {
		p, path := createTestPool(t, 0)

		var a OID
		require.NoError(t, p.Update(func(tx Tx) error {
			var err error
			a, err = tx.Alloc([]byte("v1"))
			return err
		}))
		require.NoError(t, p.Checkpoint())
		require.NoError(t, p.Update(func(tx Tx) error {
			return tx.Set(a, []byte("v2"))
		}))
		require.NoError(t, p.Close())

		p, err := Open(path, testLayout)
		require.NoError(t, err)
		defer p.Close()
		got, err := p.Get(a)
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})

	t.Run("should write to the new journal when the directory sync fails", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("advisory locks are unix only")
		}
		p, path := createTestPool(t, 0)

		var a OID
		require.NoError(t, p.Update(func(tx Tx) error {
			var err error
			a, err = tx.Alloc([]byte("v1"))
			return err
		}))

		dirSyncErr := errors.New("dir sync failed")
		orig := syncDir
		syncDir = func(string) error { return dirSyncErr }
		err := p.Checkpoint()
		syncDir = orig
		assert.ErrorIs(t, err, dirSyncErr)

		// The installed journal is the one that is locked and appended to
		_, err = Open(path, testLayout)
		assert.ErrorIs(t, err, ErrLocked)
		require.NoError(t, p.Update(func(tx Tx) error {
			return tx.Set(a, []byte("v2"))
		}))
		require.NoError(t, p.Close())

		p, err = Open(path, testLayout)
		require.NoError(t, err)
		defer p.Close()
		got, err := p.Get(a)
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})
}

func TestFilePool_Close(t *testing.T) {
	t.Run("should fail every call after close", func(t *testing.T) {
		p, err := NewMemory(testLayout, 0)
		require.NoError(t, err)
		require.NoError(t, p.Close())
		require.NoError(t, p.Close())

		_, err = p.Get(1)
		assert.ErrorIs(t, err, ErrClosed)
		_, err = p.Root(8)
		assert.ErrorIs(t, err, ErrClosed)
		err = p.Update(func(tx Tx) error { return nil })
		assert.ErrorIs(t, err, ErrClosed)
	})
}
