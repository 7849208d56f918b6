package broker

import (
	"context"
	"log/slog"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestManualTopicsPartitioner(t *testing.T) {
	p := manualTopicsPartitioner{
		manual:   map[string]struct{}{"app__changelog": {}},
		fallback: kgo.StickyKeyPartitioner(nil),
	}

	changelog := p.ForTopic("app__changelog")
	for _, partition := range []int32{0, 3, 7} {
		r := &kgo.Record{Topic: "app__changelog", Partition: partition, Key: []byte("k")}
		assert.Equal(t, int(partition), changelog.Partition(r, 8))
	}

	keyed := p.ForTopic("output")
	r := &kgo.Record{Topic: "output", Partition: 5, Key: []byte("k")}
	first := keyed.Partition(r, 8)
	assert.True(t, first >= 0 && first < 8)
	assert.Equal(t, first, keyed.Partition(r, 8))
}

func TestTopicPartitions(t *testing.T) {
	tps := toTopicPartitions(map[string][]int32{
		"b": {1, 0},
		"a": {2},
	})
	assert.Equal(t, []TopicPartition{
		{Topic: "a", Partition: 2},
		{Topic: "b", Partition: 0},
		{Topic: "b", Partition: 1},
	}, tps)

	assert.Equal(t, map[string][]int32{"a": {2}, "b": {0, 1}}, toPartitionMap(tps))
	assert.Equal(t, "b-1@4", tps[2].At(4).String())
}

func TestToMessage(t *testing.T) {
	msg := toMessage(&kgo.Record{
		Topic:     "in",
		Partition: 2,
		Offset:    9,
		Key:       []byte("k"),
		Value:     []byte("v"),
		Headers:   []kgo.RecordHeader{{Key: "h", Value: []byte("1")}},
	})
	assert.Equal(t, TopicPartition{Topic: "in", Partition: 2}, msg.TopicPartition())
	assert.Equal(t, int64(9), msg.Offset)
	assert.Equal(t, []Header{{Key: "h", Value: []byte("1")}}, msg.Headers)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{Topics: []string{"in"}})
	assert.EqualError(t, err, "broker: consumer group is required")

	_, err = NewClient(Config{Group: "g"})
	assert.EqualError(t, err, "broker: at least one topic is required")
}

func TestClientRestorePositions(t *testing.T) {
	changelog := TopicPartition{Topic: "app__changelog", Partition: 1}
	input := TopicPartition{Topic: "input", Partition: 1}
	c := &Client{
		log:              slog.Default(),
		assigned:         map[TopicPartition]struct{}{input: {}},
		restorePositions: map[TopicPartition]int64{changelog: 4},
	}

	position, ok := c.Position(changelog)
	assert.True(t, ok)
	assert.Equal(t, int64(4), position)

	assert.NoError(t, c.Seek(changelog.At(10)))
	position, _ = c.Position(changelog)
	assert.Equal(t, int64(10), position)

	_, ok = c.Position(input)
	assert.False(t, ok)
}

func TestSendOffsetsToTransactionRequiresOwnership(t *testing.T) {
	owned := TopicPartition{Topic: "input", Partition: 0}
	c := &Client{
		log:      slog.Default(),
		assigned: map[TopicPartition]struct{}{owned: {}},
	}
	ctx := context.Background()

	assert.NoError(t, c.SendOffsetsToTransaction(ctx, []TopicPartitionOffset{owned.At(3)}, GroupMetadata{Group: "g"}))

	err := c.SendOffsetsToTransaction(ctx, []TopicPartitionOffset{{Topic: "input", Partition: 1, Offset: 3}}, GroupMetadata{Group: "g"})
	assert.IsError(t, err, ErrRebalanced)
}
