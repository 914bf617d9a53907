package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-poor/bluekv/pmem"
)

func TestRecord(t *testing.T) {
	t.Run("should lay out a slot record", func(t *testing.T) {
		b := encodeRecord(7, []byte("ab"), []byte("xyz"))
		want := []byte{
			7,
			2, 0, 0, 0,
			3, 0, 0, 0,
			'a', 'b',
			0,
			'x', 'y', 'z',
		}
		assert.Equal(t, want, b)
		assert.Equal(t, len(want), recordSize([]byte("ab"), []byte("xyz")))

		rec, err := decodeRecord(b)
		require.NoError(t, err)
		assert.Equal(t, uint8(7), rec.Fingerprint)
		assert.Equal(t, []byte("ab"), rec.Key)
		assert.Equal(t, []byte("xyz"), rec.Value)
	})

	t.Run("should allow an empty value", func(t *testing.T) {
		rec, err := decodeRecord(encodeRecord(1, []byte("k"), nil))
		require.NoError(t, err)
		assert.Equal(t, []byte("k"), rec.Key)
		assert.Empty(t, rec.Value)
	})

	t.Run("should reject damaged records", func(t *testing.T) {
		good := encodeRecord(9, []byte("key"), []byte("value"))

		noSep := append([]byte{}, good...)
		noSep[slotHeaderSize+3] = 'x'

		for name, b := range map[string][]byte{
			"short":        good[:slotHeaderSize],
			"truncated":    good[:len(good)-1],
			"extended":     append(append([]byte{}, good...), 0),
			"no separator": noSep,
		} {
			_, err := decodeRecord(b)
			assert.ErrorIs(t, err, ErrCorrupt, name)
		}
	})
}

func TestLeafRecord(t *testing.T) {
	t.Run("should round trip leaves and roots", func(t *testing.T) {
		l := newLeafRecord(3, 42)
		l.slots[1] = 7
		b := l.encode()
		assert.Len(t, b, leafRecordSize(3))

		got, err := decodeLeaf(b, 3)
		require.NoError(t, err)
		assert.Equal(t, pmem.OID(42), got.next)
		assert.Equal(t, []pmem.OID{0, 7, 0}, got.slots)
		assert.False(t, got.empty())
		assert.True(t, newLeafRecord(3, 0).empty())

		_, err = decodeLeaf(b, 4)
		assert.ErrorIs(t, err, ErrCorrupt)

		r := rootRecord{capacity: 48, head: 9}
		rb := r.encode()
		assert.Equal(t, []byte("BKVR"), rb[:4])
		gotRoot, err := decodeRoot(rb)
		require.NoError(t, err)
		assert.Equal(t, r, gotRoot)
	})

	t.Run("should reject objects that are not roots", func(t *testing.T) {
		assert.True(t, isBlankRoot(make([]byte, rootRecordSize)))
		assert.False(t, isBlankRoot(rootRecord{capacity: 4}.encode()))

		_, err := decodeRoot(make([]byte, rootRecordSize))
		assert.ErrorIs(t, err, ErrInvalidRoot)
		_, err = decodeRoot(newLeafRecord(4, 0).encode())
		assert.ErrorIs(t, err, ErrInvalidRoot)
		_, err = decodeRoot(rootRecord{capacity: MaxLeafCapacity + 1}.encode())
		assert.ErrorIs(t, err, ErrInvalidRoot)
	})
}
