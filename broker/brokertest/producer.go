package brokertest

import (
	"context"
	"errors"
	"sync"

	"github.com/birdayz/ktable/broker"
)

// Producer is a transactional producer writing into a Cluster.
type Producer struct {
	cluster *Cluster

	mu          sync.Mutex
	txn         int64
	touched     []broker.TopicPartition
	offsets     []broker.TopicPartitionOffset
	group       string
	failProduce error
	failCommit  error
	begins      int
	commits     int
	aborts      int
	polls       int
}

var _ broker.Producer = (*Producer)(nil)

func (c *Cluster) NewProducer() *Producer {
	return &Producer{cluster: c}
}

// FailNextProduce makes the next Produce return err.
func (p *Producer) FailNextProduce(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failProduce = err
}

// FailNextCommit makes the next CommitTransaction return err. The
// transaction stays open and must be aborted.
func (p *Producer) FailNextCommit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failCommit = err
}

func (p *Producer) BeginTransaction() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.txn != 0 {
		return errors.New("brokertest: transaction already in progress")
	}
	p.txn = p.cluster.beginTxn()
	p.touched = nil
	p.offsets = nil
	p.begins++
	return nil
}

func (p *Producer) Produce(ctx context.Context, r broker.Record) (broker.TopicPartitionOffset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.txn == 0 {
		return broker.TopicPartitionOffset{}, errors.New("brokertest: produce outside of a transaction")
	}
	if err := p.failProduce; err != nil {
		p.failProduce = nil
		return broker.TopicPartitionOffset{}, err
	}
	offset, err := p.cluster.appendPending(p.txn, r)
	if err != nil {
		return broker.TopicPartitionOffset{}, err
	}
	tp := broker.TopicPartition{Topic: r.Topic, Partition: r.Partition}
	found := false
	for _, t := range p.touched {
		if t == tp {
			found = true
			break
		}
	}
	if !found {
		p.touched = append(p.touched, tp)
	}
	return tp.At(offset), nil
}

func (p *Producer) SendOffsetsToTransaction(ctx context.Context, offsets []broker.TopicPartitionOffset, group broker.GroupMetadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.txn == 0 {
		return errors.New("brokertest: send offsets outside of a transaction")
	}
	p.offsets = append(p.offsets, offsets...)
	p.group = group.Group
	return nil
}

func (p *Producer) CommitTransaction(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.txn == 0 {
		return errors.New("brokertest: commit outside of a transaction")
	}
	if err := p.failCommit; err != nil {
		p.failCommit = nil
		return err
	}
	p.cluster.endTxn(p.txn, p.touched, true, p.group, p.offsets)
	p.reset()
	p.commits++
	return nil
}

func (p *Producer) AbortTransaction(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.txn == 0 {
		return nil
	}
	p.cluster.endTxn(p.txn, p.touched, false, "", nil)
	p.reset()
	p.aborts++
	return nil
}

func (p *Producer) reset() {
	p.txn = 0
	p.touched = nil
	p.offsets = nil
	p.group = ""
}

func (p *Producer) PollEvents() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
}

// InTransaction reports whether a transaction is open.
func (p *Producer) InTransaction() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txn != 0
}

// Stats returns the number of begun, committed and aborted transactions.
func (p *Producer) Stats() (begins, commits, aborts int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.begins, p.commits, p.aborts
}
