package ktable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/birdayz/ktable/broker"
	"go.uber.org/multierr"
)

var (
	ErrGroupRequired        = errors.New("ktable: WithGroup() or WithAppName() is required")
	ErrAppNameRequired      = errors.New("ktable: WithAppName() is required for table apps")
	ErrProcessFuncRequired  = errors.New("ktable: process function is required")
	ErrIncompleteBrokerPair = errors.New("ktable: WithProducer() and WithConsumer() must be used together")
)

// ProcessFunc handles one consumed message. If it returns without committing
// txn, the app commits it.
type ProcessFunc func(ctx context.Context, txn *Transaction) error

// TransactionApp consumes messages one at a time and runs each through a
// ProcessFunc inside its own broker transaction.
type TransactionApp struct {
	cfg     config
	topics  []string
	process ProcessFunc

	producer broker.Producer
	consumer broker.Consumer
	// client is set when the app created its own franz-go client.
	client *broker.Client

	env *txnEnv
	log *slog.Logger

	// active is the transaction being processed; aborted on shutdown.
	active *Transaction

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	closed  bool
}

// NewTransactionApp creates an app consuming topics.
func NewTransactionApp(process ProcessFunc, topics []string, opts ...Option) (*TransactionApp, error) {
	if process == nil {
		return nil, ErrProcessFuncRequired
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	a, err := newTransactionApp(cfg, topics, nil)
	if err != nil {
		return nil, err
	}
	a.process = process
	return a, nil
}

func newTransactionApp(cfg config, topics, manualPartitionTopics []string) (*TransactionApp, error) {
	if len(topics) == 0 {
		return nil, errors.New("ktable: at least one topic is required")
	}
	if cfg.group == "" {
		cfg.group = cfg.appName
	}

	a := &TransactionApp{
		cfg:      cfg,
		topics:   topics,
		producer: cfg.producer,
		consumer: cfg.consumer,
		log:      cfg.log,
	}

	switch {
	case a.producer != nil && a.consumer != nil:
	case a.producer != nil || a.consumer != nil:
		return nil, ErrIncompleteBrokerPair
	default:
		if cfg.group == "" {
			return nil, ErrGroupRequired
		}
		client, err := broker.NewClient(broker.Config{
			Brokers:               cfg.brokers,
			Group:                 cfg.group,
			Topics:                topics,
			ManualPartitionTopics: manualPartitionTopics,
			TransactionalID:       cfg.transactionalID,
			PollTimeout:           cfg.pollTimeout,
			Logger:                cfg.log.WithGroup("broker"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create broker client: %w", err)
		}
		a.client = client
		a.producer = client
		a.consumer = client
	}

	a.env = newTxnEnv(&a.cfg, a.producer, a.consumer)
	return a, nil
}

// start marks the app running and returns the context Close cancels.
func (a *TransactionApp) start(ctx context.Context) (context.Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil, errors.New("ktable: app is already running")
	}
	if a.closed {
		return nil, ErrAppClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true
	return ctx, nil
}

func (a *TransactionApp) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancel()
	close(a.done)
	a.running = false
	a.closed = true
}

// Run blocks until ctx is cancelled, Close is called or processing fails.
// Cancellation is a graceful shutdown and returns nil.
func (a *TransactionApp) Run(ctx context.Context) (err error) {
	ctx, err = a.start(ctx)
	if err != nil {
		return err
	}
	defer a.stop()
	defer func() {
		err = multierr.Append(err, a.shutdown())
	}()

	if err := a.consumer.Subscribe(a.topics, nil); err != nil {
		return fmt.Errorf("subscribe to %v: %w", a.topics, err)
	}
	a.log.Info("Transaction app started", "topics", a.topics, "group", a.cfg.group)

	for {
		msg, err := a.consumer.Poll(ctx)
		if err != nil {
			if stop, err := a.pollFailed(ctx, err); stop {
				return err
			}
			continue
		}

		txn := newTransaction(msg, a.env)
		if err := a.execute(ctx, msg, txn, txn, func(ctx context.Context) error {
			return a.process(ctx, txn)
		}); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
	}
}

// pollFailed classifies a poll error. An empty poll keeps the loop going, a
// cancelled context stops it gracefully and anything else is fatal.
func (a *TransactionApp) pollFailed(ctx context.Context, err error) (stop bool, _ error) {
	switch {
	case errors.Is(err, ErrNoMessage):
		a.producer.PollEvents()
		return false, nil
	case ctx.Err() != nil:
		return true, nil
	default:
		return true, fmt.Errorf("poll: %w", err)
	}
}

// unit is a transaction as seen by the driver loop.
type unit interface {
	Committed() bool
	Commit(ctx context.Context) error
}

// execute runs process for msg and commits u if process did not. A failed
// commit aborts the transaction and rewinds the partition to msg so it is
// consumed again; every other error ends the loop.
func (a *TransactionApp) execute(ctx context.Context, msg *broker.Message, txn *Transaction, u unit, process func(context.Context) error) error {
	a.env.metrics.incConsumed(msg.Topic)
	a.active = txn

	err := process(ctx)
	if err == nil && !u.Committed() {
		err = u.Commit(ctx)
	}
	if err == nil {
		a.active = nil
		return nil
	}

	var commitErr *CommitError
	if !errors.As(err, &commitErr) {
		return err
	}
	a.log.Warn("Transaction commit failed, aborting",
		"position", commitErr.TopicPartitionOffset,
		"fenced", commitErr.IsFenced(),
		"error", commitErr.Err)
	a.abort(txn)
	a.active = nil

	if err := a.consumer.Seek(msg.TopicPartition().At(msg.Offset)); err != nil {
		return fmt.Errorf("rewind %s: %w", msg.TopicPartition(), err)
	}
	return nil
}

// abort aborts txn, bounded by the abort timeout.
func (a *TransactionApp) abort(txn *Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.abortTimeout)
	defer cancel()
	if err := txn.Abort(ctx); err != nil {
		a.log.Error("Failed to abort transaction", "offset", txn.Offset(), "partition", txn.Partition(), "error", err)
	}
}

// shutdown aborts the in-flight transaction and releases the broker
// clients. It runs on every exit path of Run.
func (a *TransactionApp) shutdown() error {
	if a.active != nil {
		a.log.Info("Aborting in-flight transaction", "topic", a.active.Topic(), "partition", a.active.Partition(), "offset", a.active.Offset())
		a.abort(a.active)
		a.active = nil
	}

	var err error
	if e := a.consumer.Close(); e != nil {
		err = multierr.Append(err, fmt.Errorf("close consumer: %w", e))
	}
	if closer, ok := a.producer.(io.Closer); ok && any(a.producer) != any(a.consumer) {
		if e := closer.Close(); e != nil {
			err = multierr.Append(err, fmt.Errorf("close producer: %w", e))
		}
	}
	a.log.Info("Transaction app stopped")
	return err
}

// Close stops a running app and waits for Run to return.
func (a *TransactionApp) Close() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	cancel()
	<-done
	return nil
}
