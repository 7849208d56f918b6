package brokertest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/birdayz/ktable/broker"
)

type eventKind int

const (
	eventAssign eventKind = iota
	eventRevoke
	eventLose
)

type event struct {
	kind       eventKind
	partitions []broker.TopicPartition
}

// Consumer is a group consumer reading committed records from a Cluster.
// Group membership is driven by the test through Assign, Revoke and Lose;
// the resulting callbacks fire from within the next Poll.
type Consumer struct {
	cluster     *Cluster
	group       string
	pollTimeout time.Duration

	mu         sync.Mutex
	listener   broker.RebalanceListener
	topics     []string
	assigned   []broker.TopicPartition
	manual     []broker.TopicPartition
	positions  map[broker.TopicPartition]int64
	paused     map[broker.TopicPartition]struct{}
	events     []event
	generation int32
	next       int
	closed     bool
	failPoll   error
}

var _ broker.Consumer = (*Consumer)(nil)

func (c *Cluster) NewConsumer(group string) *Consumer {
	return &Consumer{
		cluster:     c,
		group:       group,
		pollTimeout: time.Millisecond,
		positions:   map[broker.TopicPartition]int64{},
		paused:      map[broker.TopicPartition]struct{}{},
	}
}

// Assign schedules a rebalance granting partitions to this consumer.
func (c *Consumer) Assign(partitions ...broker.TopicPartition) {
	c.schedule(event{kind: eventAssign, partitions: partitions})
}

// Revoke schedules a rebalance taking partitions away.
func (c *Consumer) Revoke(partitions ...broker.TopicPartition) {
	c.schedule(event{kind: eventRevoke, partitions: partitions})
}

// Lose schedules the loss of partitions, for example after a session
// timeout.
func (c *Consumer) Lose(partitions ...broker.TopicPartition) {
	c.schedule(event{kind: eventLose, partitions: partitions})
}

// FailNextPoll makes the next Poll return err.
func (c *Consumer) FailNextPoll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failPoll = err
}

func (c *Consumer) schedule(ev event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *Consumer) Subscribe(topics []string, l broker.RebalanceListener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = topics
	c.listener = l
	return nil
}

func (c *Consumer) Poll(ctx context.Context) (*broker.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, broker.ErrClientClosed
	}
	if err := c.failPoll; err != nil {
		c.failPoll = nil
		c.mu.Unlock()
		return nil, err
	}
	events := c.events
	c.events = nil
	c.mu.Unlock()

	for _, ev := range events {
		c.deliver(ctx, ev)
	}

	if msg, ok := c.read(); ok {
		return msg, nil
	}

	timer := time.NewTimer(c.pollTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return nil, broker.ErrNoMessage
}

func (c *Consumer) deliver(ctx context.Context, ev event) {
	c.mu.Lock()
	listener := c.listener
	switch ev.kind {
	case eventAssign:
		c.generation++
		for _, tp := range ev.partitions {
			if !slices.Contains(c.assigned, tp) {
				c.assigned = append(c.assigned, tp)
			}
			if o, ok := c.cluster.CommittedOffset(c.group, tp); ok {
				c.positions[tp] = o
			} else {
				c.positions[tp] = 0
			}
		}
	default:
		c.generation++
	}
	c.mu.Unlock()

	if listener != nil {
		switch ev.kind {
		case eventAssign:
			assigned := make([]broker.TopicPartitionOffset, 0, len(ev.partitions))
			for _, tp := range ev.partitions {
				assigned = append(assigned, tp.At(-1))
			}
			listener.OnAssigned(ctx, c, assigned)
		case eventRevoke:
			listener.OnRevoked(ctx, c, ev.partitions)
		case eventLose:
			listener.OnLost(ctx, c, ev.partitions)
		}
	}

	if ev.kind != eventAssign {
		c.mu.Lock()
		for _, tp := range ev.partitions {
			c.assigned = slices.DeleteFunc(c.assigned, func(a broker.TopicPartition) bool { return a == tp })
			delete(c.positions, tp)
			delete(c.paused, tp)
		}
		c.mu.Unlock()
	}
}

// read returns the next visible record, visiting partitions round-robin.
func (c *Consumer) read() (*broker.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var candidates []broker.TopicPartition
	candidates = append(candidates, c.manual...)
	for _, tp := range c.assigned {
		if _, paused := c.paused[tp]; !paused {
			candidates = append(candidates, tp)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	for i := 0; i < len(candidates); i++ {
		tp := candidates[(c.next+i)%len(candidates)]
		msg, next, ok := c.cluster.readCommitted(tp, c.positions[tp])
		c.positions[tp] = next
		if ok {
			c.next = (c.next + i + 1) % len(candidates)
			return &msg, true
		}
	}
	return nil, false
}

func (c *Consumer) Pause(partitions []broker.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range partitions {
		c.paused[tp] = struct{}{}
	}
}

func (c *Consumer) Resume(partitions []broker.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range partitions {
		delete(c.paused, tp)
	}
}

// Paused reports whether tp is paused.
func (c *Consumer) Paused(tp broker.TopicPartition) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.paused[tp]
	return ok
}

func (c *Consumer) Seek(tpo broker.TopicPartitionOffset) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tp := tpo.TopicPartition()
	if !slices.Contains(c.assigned, tp) && !slices.Contains(c.manual, tp) {
		return nil
	}
	c.positions[tp] = tpo.Offset
	return nil
}

// Position returns the fetch position of tp.
func (c *Consumer) Position(tp broker.TopicPartition) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	offset, ok := c.positions[tp]
	return offset, ok
}

func (c *Consumer) IncrementalAssign(partitions []broker.TopicPartitionOffset) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tpo := range partitions {
		tp := tpo.TopicPartition()
		if !slices.Contains(c.manual, tp) {
			c.manual = append(c.manual, tp)
		}
		offset := tpo.Offset
		if offset < 0 {
			offset = 0
		}
		c.positions[tp] = offset
	}
	return nil
}

func (c *Consumer) IncrementalUnassign(partitions []broker.TopicPartition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range partitions {
		if slices.Contains(c.manual, tp) {
			c.manual = slices.DeleteFunc(c.manual, func(m broker.TopicPartition) bool { return m == tp })
			delete(c.positions, tp)
		}
	}
	return nil
}

func (c *Consumer) Assignment() []broker.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append(slices.Clone(c.assigned), c.manual...)
	return out
}

func (c *Consumer) WatermarkOffsets(ctx context.Context, tp broker.TopicPartition) (int64, int64, error) {
	return c.cluster.Watermarks(tp)
}

func (c *Consumer) GroupMetadata() broker.GroupMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return broker.GroupMetadata{Group: c.group, MemberID: "brokertest-member", Generation: c.generation}
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("brokertest: consumer already closed")
	}
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
