package sqlstore_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-poor/bluekv/pmem/sqlstore"
	"github.com/a-poor/bluekv/storage"
)

func TestTree_SQLite(t *testing.T) {
	t.Run("should round trip and recover a tree", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tree.sqlite")
		pool, err := sqlstore.Open(path, storage.Layout)
		require.NoError(t, err)

		tr, err := storage.Attach(pool, storage.WithLeafCapacity(4), storage.WithInnerFanout(3))
		require.NoError(t, err)
		for i := 0; i < 100; i++ {
			k := []byte(fmt.Sprintf("key-%03d", i))
			require.NoError(t, tr.Put(k, k))
		}
		require.NoError(t, tr.Remove([]byte("key-050")))
		before, err := tr.Analyze()
		require.NoError(t, err)
		require.NoError(t, tr.Close())
		require.NoError(t, pool.Close())

		pool, err = sqlstore.Open(path, storage.Layout)
		require.NoError(t, err)
		defer pool.Close()
		tr, err = storage.Attach(pool, storage.WithInnerFanout(3))
		require.NoError(t, err)
		defer tr.Close()
		require.NoError(t, tr.Check())

		after, err := tr.Analyze()
		require.NoError(t, err)
		assert.Equal(t, before.TotalLeaves, after.TotalLeaves)
		assert.Equal(t, path, after.Path)

		c, err := tr.Count()
		require.NoError(t, err)
		assert.Equal(t, 99, c)
		for i := 0; i < 100; i++ {
			k := []byte(fmt.Sprintf("key-%03d", i))
			v, err := tr.Get(k)
			if i == 50 {
				assert.ErrorIs(t, err, storage.ErrNotFound)
				continue
			}
			require.NoError(t, err)
			assert.Equal(t, k, v)
		}
	})
}
