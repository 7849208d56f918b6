package statedir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestLock(t *testing.T) {
	t.Run("acquire and release", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "app")
		l := New(dir)
		assert.NoError(t, l.Acquire())
		assert.True(t, l.Held())

		_, err := os.Stat(filepath.Join(dir, ".lock"))
		assert.NoError(t, err)

		assert.NoError(t, l.Release())
		assert.False(t, l.Held())
		_, err = os.Stat(filepath.Join(dir, ".lock"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("double acquire", func(t *testing.T) {
		l := New(t.TempDir())
		assert.NoError(t, l.Acquire())
		defer l.Release()
		assert.IsError(t, l.Acquire(), ErrLocked)
	})

	t.Run("second holder is rejected", func(t *testing.T) {
		dir := t.TempDir()
		first := New(dir)
		assert.NoError(t, first.Acquire())
		defer first.Release()

		second := New(dir)
		assert.Error(t, second.Acquire())
		assert.False(t, second.Held())
	})

	t.Run("release without acquire", func(t *testing.T) {
		assert.NoError(t, New(t.TempDir()).Release())
	})
}
