package ktable

import (
	"context"
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/ktable/kstore"
)

type counter struct {
	Count int `json:"count"`
}

func countKeys(ctx context.Context, txn *TableTransaction) error {
	var c counter
	entry, err := txn.ReadTableEntry()
	switch {
	case errors.Is(err, ErrKeyNotFound):
	case err != nil:
		return err
	default:
		if err := entry.Into(&c); err != nil {
			return err
		}
	}
	c.Count++
	return txn.UpdateTableEntry(c)
}

func readCount(t *testing.T, opener kstore.Opener, p int32, key string) int {
	t.Helper()
	s, err := opener(p)
	assert.NoError(t, err)
	defer s.Close()
	b, err := s.Read([]byte(key))
	assert.NoError(t, err)
	var c counter
	assert.NoError(t, Decode(b).Into(&c))
	return c.Count
}

func TestTableApp(t *testing.T) {
	t.Run("counts keys in the table", func(t *testing.T) {
		h := newHarness(t, 1)
		for _, k := range []string{"a", "b", "a"} {
			h.cluster.Append(testInput, 0, []byte(k), nil)
		}
		opener := kstore.NewMemoryOpener()
		app, err := NewTableApp(countKeys, testInput, h.options(WithStoreOpener(opener))...)
		assert.NoError(t, err)
		assert.Equal(t, testChanges, app.Changelog())
		h.consumer.Assign(input(0))

		errc := runApp(t, app.Run)
		waitFor(t, "offsets committed", committedAt(h, input(0), 3))
		assert.NoError(t, app.Close())
		assert.NoError(t, <-errc)

		assert.Equal(t, 2, readCount(t, opener, 0, "a"))
		assert.Equal(t, 1, readCount(t, opener, 0, "b"))
		assert.Equal(t, []string{`{"count":1}`, `{"count":1}`, `{"count":2}`}, values(h.cluster.Records(testChanges, 0)))

		s, err := opener(0)
		assert.NoError(t, err)
		offset, err := readOffset(s, -1)
		assert.NoError(t, err)
		assert.Equal(t, int64(6), offset)
		assert.NoError(t, s.Close())
	})

	t.Run("lost store is rebuilt before new messages are processed", func(t *testing.T) {
		h := newHarness(t, 1)
		for _, k := range []string{"a", "b", "a"} {
			h.cluster.Append(testInput, 0, []byte(k), nil)
		}
		first, err := NewTableApp(countKeys, testInput, h.options(WithStoreOpener(kstore.NewMemoryOpener()))...)
		assert.NoError(t, err)
		h.consumer.Assign(input(0))
		errc := runApp(t, first.Run)
		waitFor(t, "offsets committed", committedAt(h, input(0), 3))
		assert.NoError(t, first.Close())
		assert.NoError(t, <-errc)

		// A new instance on a different machine: empty disk, same group.
		h.cluster.Append(testInput, 0, []byte("a"), nil)
		consumer := h.cluster.NewConsumer(testGroup)
		producer := h.cluster.NewProducer()
		opener := kstore.NewMemoryOpener()
		second, err := NewTableApp(countKeys, testInput,
			WithAppName(testApp),
			WithGroup(testGroup),
			WithProducer(producer),
			WithConsumer(consumer),
			WithStoreOpener(opener))
		assert.NoError(t, err)
		consumer.Assign(input(0))

		errc = runApp(t, second.Run)
		waitFor(t, "offsets committed", committedAt(h, input(0), 4))
		assert.NoError(t, second.Close())
		assert.NoError(t, <-errc)

		assert.Equal(t, 3, readCount(t, opener, 0, "a"))
		assert.Equal(t, 1, readCount(t, opener, 0, "b"))
		assert.Equal(t, ModeNormal, second.Mode())
	})

	t.Run("write lost between changelog and store is replayed", func(t *testing.T) {
		h := newHarness(t, 1)
		h.cluster.Append(testInput, 0, []byte("a"), nil)
		memory := kstore.NewMemoryOpener()
		storeErr := errors.New("disk failure")
		crashing, err := NewTableApp(countKeys, testInput, h.options(WithStoreOpener(func(p int32) (kstore.Store, error) {
			s, err := memory(p)
			return &failingStore{Store: s, batchErr: storeErr}, err
		}))...)
		assert.NoError(t, err)
		h.consumer.Assign(input(0))

		assert.IsError(t, crashing.Run(context.Background()), storeErr)
		offset, ok := h.cluster.CommittedOffset(testGroup, input(0))
		assert.True(t, ok)
		assert.Equal(t, int64(1), offset)

		consumer := h.cluster.NewConsumer(testGroup)
		restarted, err := NewTableApp(countKeys, testInput,
			WithAppName(testApp),
			WithGroup(testGroup),
			WithProducer(h.cluster.NewProducer()),
			WithConsumer(consumer),
			WithStoreOpener(memory))
		assert.NoError(t, err)
		consumer.Assign(input(0))

		errc := runApp(t, restarted.Run)
		waitFor(t, "table recovered", func() bool {
			s, err := memory(0)
			if err != nil {
				return false
			}
			defer s.Close()
			_, err = s.Read([]byte("a"))
			return err == nil
		})
		assert.NoError(t, restarted.Close())
		assert.NoError(t, <-errc)
		assert.Equal(t, 1, readCount(t, memory, 0, "a"))
	})

	t.Run("rebalance failure stops the app", func(t *testing.T) {
		h := newHarness(t, 1)
		openErr := errors.New("no space left")
		app, err := NewTableApp(countKeys, testInput, h.options(WithStoreOpener(func(int32) (kstore.Store, error) {
			return nil, openErr
		}))...)
		assert.NoError(t, err)
		h.consumer.Assign(input(0))

		assert.IsError(t, app.Run(context.Background()), openErr)
		assert.True(t, h.consumer.Closed())
	})

	t.Run("changelog joins the produce topics", func(t *testing.T) {
		h := newHarness(t, 1)
		app, err := NewTableApp(countKeys, testInput, h.options(
			WithStoreOpener(kstore.NewMemoryOpener()),
			WithProduceTopics(testOutput))...)
		assert.NoError(t, err)
		assert.True(t, app.env.permits(testChanges))
		assert.True(t, app.env.permits(testOutput))
		assert.False(t, app.env.permits(testInput))
	})

	t.Run("configuration is validated", func(t *testing.T) {
		h := newHarness(t, 1)
		_, err := NewTableApp(nil, testInput, h.options()...)
		assert.IsError(t, err, ErrProcessFuncRequired)

		_, err = NewTableApp(countKeys, testInput, WithProducer(h.producer), WithConsumer(h.consumer))
		assert.IsError(t, err, ErrAppNameRequired)

		assert.Equal(t, "orders__changelog", ChangelogTopic("orders"))
	})

	t.Run("state directory is locked while running", func(t *testing.T) {
		h := newHarness(t, 1)
		dir := t.TempDir()
		app, err := NewTableApp(countKeys, testInput, h.options(WithStateDir(dir))...)
		assert.NoError(t, err)
		h.consumer.Assign(input(0))
		h.cluster.Append(testInput, 0, []byte("a"), nil)

		errc := runApp(t, app.Run)
		waitFor(t, "offset committed", committedAt(h, input(0), 1))

		other, err := NewTableApp(countKeys, testInput, WithAppName(testApp), WithGroup(testGroup), WithStateDir(dir),
			WithProducer(h.cluster.NewProducer()), WithConsumer(h.cluster.NewConsumer(testGroup)))
		assert.NoError(t, err)
		assert.Error(t, other.Run(context.Background()))

		assert.NoError(t, app.Close())
		assert.NoError(t, <-errc)
	})
}
