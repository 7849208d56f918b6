// Package broker defines the transactional producer and consumer contracts
// ktable is driven by, plus a franz-go backed implementation.
package broker

//go:generate mockgen -destination=brokermock/mock_broker.go -package=brokermock . Consumer,Producer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoMessage is returned by Consumer.Poll when the poll timed out without a
// record. It is an expected condition, not a failure.
var ErrNoMessage = errors.New("broker: no message")

// ErrRebalanced is returned by CommitTransaction when the group rebalanced
// since the transaction began and the broker aborted it instead.
var ErrRebalanced = errors.New("broker: transaction aborted due to rebalance")

type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// At returns the position of tp at offset.
func (tp TopicPartition) At(offset int64) TopicPartitionOffset {
	return TopicPartitionOffset{Topic: tp.Topic, Partition: tp.Partition, Offset: offset}
}

type TopicPartitionOffset struct {
	Topic     string
	Partition int32
	Offset    int64
}

func (tpo TopicPartitionOffset) TopicPartition() TopicPartition {
	return TopicPartition{Topic: tpo.Topic, Partition: tpo.Partition}
}

func (tpo TopicPartitionOffset) String() string {
	return fmt.Sprintf("%s-%d@%d", tpo.Topic, tpo.Partition, tpo.Offset)
}

type Header struct {
	Key   string
	Value []byte
}

// Message is a consumed record. It is never mutated after Poll returns it.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
}

func (m *Message) TopicPartition() TopicPartition {
	return TopicPartition{Topic: m.Topic, Partition: m.Partition}
}

// Record is an outgoing record. Partition is only honoured for manually
// partitioned topics (the changelog); other topics are partitioned by key.
type Record struct {
	Topic     string
	Partition int32
	Key       []byte
	Value     []byte
	Headers   []Header
}

// GroupMetadata identifies the consumer group generation offsets are
// committed under.
type GroupMetadata struct {
	Group      string
	MemberID   string
	Generation int32
}

// Producer is a transactional producer.
type Producer interface {
	BeginTransaction() error
	// Produce sends r within the open transaction and blocks until the
	// broker acknowledged it. The returned position is where r landed.
	Produce(ctx context.Context, r Record) (TopicPartitionOffset, error)
	SendOffsetsToTransaction(ctx context.Context, offsets []TopicPartitionOffset, group GroupMetadata) error
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
	// PollEvents serves delivery callbacks of in-flight produces.
	PollEvents()
}

// Consumer is a group consumer that can additionally read partitions outside
// of its group assignment (changelog partitions during recovery).
type Consumer interface {
	// Subscribe registers l for the group's rebalance callbacks. Callbacks
	// are invoked synchronously from within Poll.
	Subscribe(topics []string, l RebalanceListener) error
	// Poll returns the next record or ErrNoMessage after the poll timeout.
	Poll(ctx context.Context) (*Message, error)
	Pause(partitions []TopicPartition)
	Resume(partitions []TopicPartition)
	// Seek moves the fetch position of an assigned partition.
	Seek(tpo TopicPartitionOffset) error
	// IncrementalAssign adds partitions outside the group assignment, read
	// from the given offsets.
	IncrementalAssign(partitions []TopicPartitionOffset) error
	IncrementalUnassign(partitions []TopicPartition) error
	Assignment() []TopicPartition
	// Position is the next offset fetched for a partition added with
	// IncrementalAssign. Transaction markers and aborted records count as
	// fetched.
	Position(tp TopicPartition) (int64, bool)
	WatermarkOffsets(ctx context.Context, tp TopicPartition) (low, high int64, err error)
	GroupMetadata() GroupMetadata
	Close() error
}

// RebalanceListener receives partition ownership changes. Implementations
// must not block for unbounded time.
type RebalanceListener interface {
	OnAssigned(ctx context.Context, c Consumer, partitions []TopicPartitionOffset)
	OnRevoked(ctx context.Context, c Consumer, partitions []TopicPartition)
	OnLost(ctx context.Context, c Consumer, partitions []TopicPartition)
}
