package ktable

import (
	"context"
	"log/slog"

	"github.com/birdayz/ktable/broker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TxnState is the lifecycle state of a Transaction.
type TxnState int

const (
	// TxnIdle means nothing was produced yet and no broker transaction is
	// open.
	TxnIdle TxnState = iota
	TxnActive
	TxnCommitted
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnIdle:
		return "idle"
	case TxnActive:
		return "active"
	case TxnCommitted:
		return "committed"
	case TxnAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// txnEnv is what a transaction needs from the app that created it.
type txnEnv struct {
	producer broker.Producer
	consumer broker.Consumer
	// permitted is nil when every topic may be produced to.
	permitted map[string]struct{}
	metrics   *Metrics
	log       *slog.Logger
	tracer    trace.Tracer
}

func newTxnEnv(c *config, producer broker.Producer, consumer broker.Consumer) *txnEnv {
	env := &txnEnv{
		producer: producer,
		consumer: consumer,
		metrics:  c.metrics,
		log:      c.log,
		tracer:   otel.Tracer("github.com/birdayz/ktable"),
	}
	if len(c.produceTopics) > 0 {
		env.permitted = make(map[string]struct{}, len(c.produceTopics))
		for _, t := range c.produceTopics {
			env.permitted[t] = struct{}{}
		}
	}
	return env
}

func (e *txnEnv) permits(topic string) bool {
	if e.permitted == nil {
		return true
	}
	_, ok := e.permitted[topic]
	return ok
}

// Transaction ties one consumed message to an atomic unit of produced
// records and the commit of the message's offset. A Transaction is owned by
// the process call it is handed to and is invalid once committed or
// aborted.
type Transaction struct {
	msg   *broker.Message
	env   *txnEnv
	state TxnState
	// committed is set by a caller-level commit.
	committed bool
}

func newTransaction(msg *broker.Message, env *txnEnv) *Transaction {
	return &Transaction{msg: msg, env: env}
}

func (t *Transaction) Key() []byte { return t.msg.Key }

func (t *Transaction) Value() []byte { return t.msg.Value }

func (t *Transaction) Headers() []broker.Header { return t.msg.Headers }

func (t *Transaction) Topic() string { return t.msg.Topic }

func (t *Transaction) Partition() int32 { return t.msg.Partition }

func (t *Transaction) Offset() int64 { return t.msg.Offset }

// Message returns the consumed message.
func (t *Transaction) Message() *broker.Message { return t.msg }

func (t *Transaction) State() TxnState { return t.state }

// Committed reports whether the transaction was committed by its owner.
func (t *Transaction) Committed() bool { return t.committed }

// Produce sends r as part of the transaction, beginning the broker
// transaction on the first call. Records without headers carry the headers
// of the consumed message. On error the transaction must be aborted.
func (t *Transaction) Produce(ctx context.Context, r broker.Record) error {
	_, err := t.produce(ctx, r)
	return err
}

func (t *Transaction) produce(ctx context.Context, r broker.Record) (broker.TopicPartitionOffset, error) {
	if t.state == TxnCommitted || t.state == TxnAborted {
		return broker.TopicPartitionOffset{}, ErrTransactionClosed
	}
	if !t.env.permits(r.Topic) {
		return broker.TopicPartitionOffset{}, &ProduceError{Topic: r.Topic, Err: ErrTopicNotPermitted}
	}
	if r.Headers == nil {
		r.Headers = t.msg.Headers
	}

	t.env.producer.PollEvents()
	if t.state == TxnIdle {
		if err := t.env.producer.BeginTransaction(); err != nil {
			return broker.TopicPartitionOffset{}, &ProduceError{Topic: r.Topic, Err: err}
		}
		t.state = TxnActive
	}

	pos, err := t.env.producer.Produce(ctx, r)
	if err != nil {
		return broker.TopicPartitionOffset{}, &ProduceError{Topic: r.Topic, Err: err}
	}
	t.env.producer.PollEvents()
	t.env.metrics.incProduced(r.Topic)
	return pos, nil
}

// Commit commits the consumed offset together with everything produced. A
// transaction that produced nothing commits nothing. Commit failures are
// returned as *CommitError and leave the transaction open for Abort.
func (t *Transaction) Commit(ctx context.Context) error {
	return t.commit(ctx, true)
}

func (t *Transaction) commit(ctx context.Context, markCommitted bool) error {
	if t.committed {
		return nil
	}

	switch t.state {
	case TxnAborted:
		return ErrTransactionClosed
	case TxnIdle:
		t.state = TxnCommitted
	case TxnActive:
		if err := t.commitBroker(ctx); err != nil {
			return err
		}
		t.state = TxnCommitted
	}

	if markCommitted {
		t.committed = true
	}
	return nil
}

func (t *Transaction) commitBroker(ctx context.Context) error {
	next := t.msg.TopicPartition().At(t.msg.Offset + 1)

	ctx, span := t.env.tracer.Start(ctx, "ktable.transaction.commit",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", next.Topic),
			attribute.Int("messaging.destination.partition.id", int(next.Partition)),
			attribute.Int64("messaging.kafka.offset", t.msg.Offset),
		))
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit_failed")
		t.env.metrics.incTransaction("failed")
		return &CommitError{TopicPartitionOffset: next, Err: err}
	}

	group := t.env.consumer.GroupMetadata()
	if err := t.env.producer.SendOffsetsToTransaction(ctx, []broker.TopicPartitionOffset{next}, group); err != nil {
		return fail(err)
	}
	if err := t.env.producer.CommitTransaction(ctx); err != nil {
		return fail(err)
	}
	span.SetStatus(codes.Ok, "")
	t.env.metrics.incTransaction("committed")
	return nil
}

// Abort aborts an open broker transaction. It is a no-op for transactions
// that produced nothing.
func (t *Transaction) Abort(ctx context.Context) error {
	switch t.state {
	case TxnActive:
		err := t.env.producer.AbortTransaction(ctx)
		t.state = TxnAborted
		t.env.metrics.incTransaction("aborted")
		return err
	case TxnIdle:
		t.state = TxnAborted
	}
	return nil
}
