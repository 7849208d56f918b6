package kstore

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestMemoryStore(t *testing.T) {
	t.Run("data outlives close", func(t *testing.T) {
		opener := NewMemoryOpener()
		s, err := opener(0)
		assert.NoError(t, err)
		assert.NoError(t, s.Write([]byte("k"), []byte("v")))
		assert.NoError(t, s.Close())

		_, err = s.Read([]byte("k"))
		assert.IsError(t, err, ErrClosed)

		s, err = opener(0)
		assert.NoError(t, err)
		v, err := s.Read([]byte("k"))
		assert.NoError(t, err)
		assert.Equal(t, []byte("v"), v)

		other, err := opener(1)
		assert.NoError(t, err)
		_, err = other.Read([]byte("k"))
		assert.IsError(t, err, ErrKeyNotFound)
	})

	t.Run("batch applies writes and deletes", func(t *testing.T) {
		s, err := NewMemoryOpener()(0)
		assert.NoError(t, err)
		assert.NoError(t, s.Write([]byte("a"), []byte("1")))

		assert.NoError(t, s.WriteBatch(map[string][]byte{"a": nil, "b": []byte("2")}))
		_, err = s.Read([]byte("a"))
		assert.IsError(t, err, ErrKeyNotFound)
		v, err := s.Read([]byte("b"))
		assert.NoError(t, err)
		assert.Equal(t, []byte("2"), v)

		assert.NoError(t, s.Delete([]byte("b")))
		_, err = s.Read([]byte("b"))
		assert.IsError(t, err, ErrKeyNotFound)
	})

	t.Run("reads are copies", func(t *testing.T) {
		s, err := NewMemoryOpener()(0)
		assert.NoError(t, err)
		value := []byte("v")
		assert.NoError(t, s.Write([]byte("k"), value))
		value[0] = 'x'

		got, err := s.Read([]byte("k"))
		assert.NoError(t, err)
		got[0] = 'y'
		again, err := s.Read([]byte("k"))
		assert.NoError(t, err)
		assert.Equal(t, []byte("v"), again)
	})
}
