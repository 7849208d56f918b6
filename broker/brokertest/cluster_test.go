package brokertest

import (
	"context"
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/ktable/broker"
)

var (
	in  = broker.TopicPartition{Topic: "in", Partition: 0}
	out = broker.TopicPartition{Topic: "out", Partition: 0}
)

func newCluster() *Cluster {
	c := NewCluster()
	c.CreateTopic("in", 1)
	c.CreateTopic("out", 1)
	return c
}

func pollAll(t *testing.T, c *Consumer) []string {
	t.Helper()
	var got []string
	for {
		msg, err := c.Poll(context.Background())
		if errors.Is(err, broker.ErrNoMessage) {
			return got
		}
		assert.NoError(t, err)
		got = append(got, string(msg.Value))
	}
}

func TestTransactions(t *testing.T) {
	t.Run("committed records become visible with a marker", func(t *testing.T) {
		c := newCluster()
		p := c.NewProducer()
		consumer := c.NewConsumer("g")
		consumer.Assign(out)

		assert.NoError(t, p.BeginTransaction())
		pos, err := p.Produce(context.Background(), broker.Record{Topic: "out", Value: []byte("x")})
		assert.NoError(t, err)
		assert.Equal(t, out.At(0), pos)
		assert.Equal(t, []string(nil), pollAll(t, consumer))

		assert.NoError(t, p.CommitTransaction(context.Background()))
		assert.Equal(t, []string{"x"}, pollAll(t, consumer))

		low, high, err := c.Watermarks(out)
		assert.NoError(t, err)
		assert.Equal(t, int64(0), low)
		assert.Equal(t, int64(2), high)
	})

	t.Run("aborted records are skipped", func(t *testing.T) {
		c := newCluster()
		p := c.NewProducer()
		consumer := c.NewConsumer("g")
		consumer.Assign(out)

		assert.NoError(t, p.BeginTransaction())
		_, err := p.Produce(context.Background(), broker.Record{Topic: "out", Value: []byte("lost")})
		assert.NoError(t, err)
		assert.NoError(t, p.AbortTransaction(context.Background()))

		assert.NoError(t, p.BeginTransaction())
		_, err = p.Produce(context.Background(), broker.Record{Topic: "out", Value: []byte("kept")})
		assert.NoError(t, err)
		assert.NoError(t, p.CommitTransaction(context.Background()))

		assert.Equal(t, []string{"kept"}, pollAll(t, consumer))
		assert.Equal(t, 1, len(c.Records("out", 0)))
		begins, commits, aborts := p.Stats()
		assert.Equal(t, [3]int{2, 1, 1}, [3]int{begins, commits, aborts})
	})

	t.Run("offsets are committed with the transaction", func(t *testing.T) {
		c := newCluster()
		p := c.NewProducer()

		assert.NoError(t, p.BeginTransaction())
		assert.NoError(t, p.SendOffsetsToTransaction(context.Background(), []broker.TopicPartitionOffset{in.At(7)}, broker.GroupMetadata{Group: "g"}))
		_, ok := c.CommittedOffset("g", in)
		assert.False(t, ok)

		assert.NoError(t, p.CommitTransaction(context.Background()))
		offset, ok := c.CommittedOffset("g", in)
		assert.True(t, ok)
		assert.Equal(t, int64(7), offset)
	})

	t.Run("failed commit leaves the transaction open", func(t *testing.T) {
		c := newCluster()
		p := c.NewProducer()
		boom := errors.New("boom")
		p.FailNextCommit(boom)

		assert.NoError(t, p.BeginTransaction())
		assert.IsError(t, p.CommitTransaction(context.Background()), boom)
		assert.True(t, p.InTransaction())
		assert.NoError(t, p.AbortTransaction(context.Background()))
		assert.False(t, p.InTransaction())
	})

	t.Run("produce outside a transaction fails", func(t *testing.T) {
		c := newCluster()
		_, err := c.NewProducer().Produce(context.Background(), broker.Record{Topic: "out"})
		assert.Error(t, err)
	})
}

func TestConsumer(t *testing.T) {
	t.Run("assignment starts at the committed offset", func(t *testing.T) {
		c := newCluster()
		for _, v := range []string{"a", "b", "c"} {
			c.Append("in", 0, nil, []byte(v))
		}
		p := c.NewProducer()
		assert.NoError(t, p.BeginTransaction())
		assert.NoError(t, p.SendOffsetsToTransaction(context.Background(), []broker.TopicPartitionOffset{in.At(2)}, broker.GroupMetadata{Group: "g"}))
		assert.NoError(t, p.CommitTransaction(context.Background()))

		consumer := c.NewConsumer("g")
		consumer.Assign(in)
		assert.Equal(t, []string{"c"}, pollAll(t, consumer))
	})

	t.Run("paused partitions are not read", func(t *testing.T) {
		c := newCluster()
		c.Append("in", 0, nil, []byte("a"))
		consumer := c.NewConsumer("g")
		consumer.Assign(in)
		_, err := consumer.Poll(context.Background())
		assert.NoError(t, err)

		assert.NoError(t, consumer.Seek(in.At(0)))
		consumer.Pause([]broker.TopicPartition{in})
		assert.True(t, consumer.Paused(in))
		assert.Equal(t, []string(nil), pollAll(t, consumer))

		consumer.Resume([]broker.TopicPartition{in})
		assert.Equal(t, []string{"a"}, pollAll(t, consumer))
	})

	t.Run("manual assignment reads outside the group", func(t *testing.T) {
		c := newCluster()
		c.Append("out", 0, nil, []byte("a"))
		c.Append("out", 0, nil, []byte("b"))
		consumer := c.NewConsumer("g")

		assert.NoError(t, consumer.IncrementalAssign([]broker.TopicPartitionOffset{out.At(1)}))
		assert.Equal(t, []broker.TopicPartition{out}, consumer.Assignment())
		assert.Equal(t, []string{"b"}, pollAll(t, consumer))

		assert.NoError(t, consumer.IncrementalUnassign([]broker.TopicPartition{out}))
		assert.Equal(t, 0, len(consumer.Assignment()))
	})

	t.Run("truncation moves the low watermark", func(t *testing.T) {
		c := newCluster()
		for i := 0; i < 4; i++ {
			c.Append("in", 0, nil, []byte("x"))
		}
		c.Truncate(in, 3)
		low, high, err := c.Watermarks(in)
		assert.NoError(t, err)
		assert.Equal(t, int64(3), low)
		assert.Equal(t, int64(4), high)

		consumer := c.NewConsumer("g")
		consumer.Assign(in)
		assert.Equal(t, []string{"x"}, pollAll(t, consumer))
	})

	t.Run("closed consumer", func(t *testing.T) {
		c := newCluster()
		consumer := c.NewConsumer("g")
		assert.NoError(t, consumer.Close())
		assert.True(t, consumer.Closed())
		_, err := consumer.Poll(context.Background())
		assert.IsError(t, err, broker.ErrClientClosed)
	})
}
