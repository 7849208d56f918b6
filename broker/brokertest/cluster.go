// Package brokertest provides an in-memory transactional cluster that
// implements broker.Producer and broker.Consumer for tests.
//
// Transactions occupy log offsets the way they do on a real broker: every
// produced record takes one offset when it is sent and every commit or abort
// appends one control marker to each partition the transaction touched.
// Consumers read committed: they skip control markers and aborted records
// and stop at the first record of a still open transaction.
package brokertest

import (
	"fmt"
	"sync"

	"github.com/birdayz/ktable/broker"
)

type entryState int

const (
	statePending entryState = iota
	stateCommitted
	stateAborted
)

type entry struct {
	msg     broker.Message
	txn     int64
	control bool
	state   entryState
}

type partitionLog struct {
	// low is the offset of entries[0]; entries before it were removed by
	// retention.
	low     int64
	entries []entry
}

func (l *partitionLog) high() int64 {
	return l.low + int64(len(l.entries))
}

func (l *partitionLog) at(offset int64) (entry, bool) {
	if offset < l.low || offset >= l.high() {
		return entry{}, false
	}
	return l.entries[offset-l.low], true
}

func (l *partitionLog) append(e entry) int64 {
	e.msg.Offset = l.high()
	l.entries = append(l.entries, e)
	return e.msg.Offset
}

// Cluster is an in-memory set of topics and committed group offsets.
type Cluster struct {
	mu        sync.Mutex
	topics    map[string][]*partitionLog
	committed map[string]map[broker.TopicPartition]int64
	nextTxn   int64
}

func NewCluster() *Cluster {
	return &Cluster{
		topics:    map[string][]*partitionLog{},
		committed: map[string]map[broker.TopicPartition]int64{},
		nextTxn:   1,
	}
}

// CreateTopic creates topic with the given number of partitions. Creating an
// existing topic is a no-op.
func (c *Cluster) CreateTopic(topic string, partitions int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[topic]; ok {
		return
	}
	logs := make([]*partitionLog, partitions)
	for i := range logs {
		logs[i] = &partitionLog{}
	}
	c.topics[topic] = logs
}

func (c *Cluster) log(tp broker.TopicPartition) (*partitionLog, error) {
	logs, ok := c.topics[tp.Topic]
	if !ok {
		return nil, fmt.Errorf("brokertest: unknown topic %s", tp.Topic)
	}
	if tp.Partition < 0 || int(tp.Partition) >= len(logs) {
		return nil, fmt.Errorf("brokertest: unknown partition %s", tp)
	}
	return logs[tp.Partition], nil
}

// Append writes a committed, non-transactional record and returns its
// offset. It is how tests feed input topics.
func (c *Cluster) Append(topic string, partition int32, key, value []byte, headers ...broker.Header) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, err := c.log(broker.TopicPartition{Topic: topic, Partition: partition})
	if err != nil {
		panic(err)
	}
	return l.append(entry{
		msg: broker.Message{
			Topic:     topic,
			Partition: partition,
			Key:       key,
			Value:     value,
			Headers:   headers,
		},
		state: stateCommitted,
	})
}

// Records returns the committed data records of a partition.
func (c *Cluster) Records(topic string, partition int32) []broker.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, err := c.log(broker.TopicPartition{Topic: topic, Partition: partition})
	if err != nil {
		return nil
	}
	var out []broker.Message
	for _, e := range l.entries {
		if !e.control && e.state == stateCommitted {
			out = append(out, e.msg)
		}
	}
	return out
}

// Watermarks returns the low and high offsets of a partition.
func (c *Cluster) Watermarks(tp broker.TopicPartition) (int64, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, err := c.log(tp)
	if err != nil {
		return 0, 0, err
	}
	return l.low, l.high(), nil
}

// Truncate drops every entry below offset, as retention would.
func (c *Cluster) Truncate(tp broker.TopicPartition, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, err := c.log(tp)
	if err != nil {
		panic(err)
	}
	if offset <= l.low {
		return
	}
	if offset > l.high() {
		offset = l.high()
	}
	l.entries = l.entries[offset-l.low:]
	l.low = offset
}

// CommittedOffset returns the offset committed by group for tp.
func (c *Cluster) CommittedOffset(group string, tp broker.TopicPartition) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.committed[group][tp]
	return o, ok
}

// readCommitted returns the next visible record at or after offset and the
// position after it. ok is false when nothing is readable yet; next is then
// the position reading stopped at.
func (c *Cluster) readCommitted(tp broker.TopicPartition, offset int64) (msg broker.Message, next int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, err := c.log(tp)
	if err != nil {
		return broker.Message{}, offset, false
	}
	if offset < l.low {
		offset = l.low
	}
	for ; offset < l.high(); offset++ {
		e, _ := l.at(offset)
		switch {
		case e.state == statePending:
			return broker.Message{}, offset, false
		case e.control || e.state == stateAborted:
			continue
		default:
			return e.msg, offset + 1, true
		}
	}
	return broker.Message{}, offset, false
}

func (c *Cluster) beginTxn() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextTxn
	c.nextTxn++
	return id
}

func (c *Cluster) appendPending(txn int64, r broker.Record) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, err := c.log(broker.TopicPartition{Topic: r.Topic, Partition: r.Partition})
	if err != nil {
		return 0, err
	}
	return l.append(entry{
		msg: broker.Message{
			Topic:     r.Topic,
			Partition: r.Partition,
			Key:       r.Key,
			Value:     r.Value,
			Headers:   r.Headers,
		},
		txn:   txn,
		state: statePending,
	}), nil
}

// endTxn resolves all entries of txn, appends a control marker to each
// touched partition and, on commit, stores the group offsets.
func (c *Cluster) endTxn(txn int64, touched []broker.TopicPartition, commit bool, group string, offsets []broker.TopicPartitionOffset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	final := stateAborted
	if commit {
		final = stateCommitted
	}
	for _, tp := range touched {
		l, err := c.log(tp)
		if err != nil {
			continue
		}
		for i := range l.entries {
			if l.entries[i].txn == txn {
				l.entries[i].state = final
			}
		}
		l.append(entry{
			msg:     broker.Message{Topic: tp.Topic, Partition: tp.Partition},
			txn:     txn,
			control: true,
			state:   final,
		})
	}
	if !commit {
		return
	}
	if _, ok := c.committed[group]; !ok {
		c.committed[group] = map[broker.TopicPartition]int64{}
	}
	for _, o := range offsets {
		c.committed[group][o.TopicPartition()] = o.Offset
	}
}
