package ktable

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/birdayz/ktable/broker"
	"github.com/birdayz/ktable/internal/statedir"
	"github.com/birdayz/ktable/kstore/pebble"
	"go.uber.org/multierr"
)

// TableProcessFunc handles one consumed message with access to the table
// row of its key.
type TableProcessFunc func(ctx context.Context, txn *TableTransaction) error

// ChangelogTopic returns the name of the changelog topic of app.
func ChangelogTopic(app string) string {
	return app + "__changelog"
}

// TableApp is a TransactionApp that keeps a table, one local store per
// partition of its topic, backed by a changelog topic with the same
// partitioning. Stores are rebuilt from the changelog whenever they lag it,
// before any message of their partition is processed.
type TableApp struct {
	*TransactionApp

	topic        string
	changelog    string
	processTable TableProcessFunc

	registry    *PartitionRegistry
	coordinator *RecoveryCoordinator
	// lock is held while pebble stores in the state directory are open.
	lock *statedir.Lock
}

// NewTableApp creates a table app consuming topic. WithAppName is required;
// it names the changelog topic.
func NewTableApp(process TableProcessFunc, topic string, opts ...Option) (*TableApp, error) {
	if process == nil {
		return nil, ErrProcessFuncRequired
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.appName == "" {
		return nil, ErrAppNameRequired
	}

	changelog := ChangelogTopic(cfg.appName)
	if len(cfg.produceTopics) > 0 && !slices.Contains(cfg.produceTopics, changelog) {
		cfg.produceTopics = append(cfg.produceTopics, changelog)
	}

	var lock *statedir.Lock
	opener := cfg.opener
	if opener == nil {
		stateDir := cfg.stateDir
		if stateDir == "" {
			stateDir = pebble.DefaultStateDir
		}
		opener = pebble.NewOpener(stateDir, cfg.appName)
		lock = statedir.New(filepath.Join(stateDir, cfg.appName))
	}

	base, err := newTransactionApp(cfg, []string{topic}, []string{changelog})
	if err != nil {
		return nil, err
	}

	registry := NewPartitionRegistry(opener, cfg.log.WithGroup("registry"))
	return &TableApp{
		TransactionApp: base,
		topic:          topic,
		changelog:      changelog,
		processTable:   process,
		registry:       registry,
		coordinator:    NewRecoveryCoordinator(topic, changelog, registry, cfg.recoveryChecks, cfg.log.WithGroup("recovery"), cfg.metrics),
		lock:           lock,
	}, nil
}

// Changelog returns the changelog topic name.
func (a *TableApp) Changelog() string { return a.changelog }

// Registry returns the partition registry of the app.
func (a *TableApp) Registry() *PartitionRegistry { return a.registry }

// Mode reports whether the app is processing or recovering.
func (a *TableApp) Mode() Mode { return a.coordinator.Mode() }

// Run blocks until ctx is cancelled, Close is called or processing fails.
func (a *TableApp) Run(ctx context.Context) (err error) {
	ctx, err = a.start(ctx)
	if err != nil {
		return err
	}
	defer a.stop()

	if a.lock != nil {
		if err := a.lock.Acquire(); err != nil {
			return multierr.Append(fmt.Errorf("lock state directory: %w", err), a.shutdown())
		}
	}
	defer func() {
		err = multierr.Append(err, a.shutdownTable())
	}()

	if a.client != nil {
		if err := a.client.EnsureChangelog(ctx, a.topic, a.changelog); err != nil {
			return err
		}
	}
	if err := a.consumer.Subscribe([]string{a.topic}, a.coordinator); err != nil {
		return fmt.Errorf("subscribe to %s: %w", a.topic, err)
	}
	a.log.Info("Table app started", "topic", a.topic, "changelog", a.changelog, "group", a.cfg.group)

	for {
		mode, msg, err := a.consume(ctx)
		if err != nil {
			if stop, err := a.pollFailed(ctx, err); stop {
				return err
			}
			continue
		}

		if mode == ModeNeedsRecovery {
			if err := a.coordinator.recover(ctx, a.consumer, a.env); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("table recovery: %w", err)
			}
			continue
		}

		txn := newTableTransaction(msg, a.env, a.changelog, a.registry)
		if err := a.execute(ctx, msg, txn.Transaction, txn, func(ctx context.Context) error {
			return a.processTable(ctx, txn)
		}); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
	}
}

// consume polls one message. Rebalance callbacks run inside the poll; if
// they scheduled a recovery the polled message is handed back to the
// consumer and ModeNeedsRecovery is returned instead.
func (a *TableApp) consume(ctx context.Context) (Mode, *broker.Message, error) {
	msg, err := a.consumer.Poll(ctx)
	if cbErr := a.coordinator.takeErr(); cbErr != nil {
		return ModeNormal, nil, fmt.Errorf("rebalance: %w", cbErr)
	}
	if a.coordinator.Mode() == ModeNeedsRecovery {
		if err == nil {
			if err := a.consumer.Seek(msg.TopicPartition().At(msg.Offset)); err != nil {
				return ModeNormal, nil, fmt.Errorf("rewind %s: %w", msg.TopicPartition(), err)
			}
		}
		return ModeNeedsRecovery, nil, nil
	}
	return ModeNormal, msg, err
}

func (a *TableApp) shutdownTable() error {
	err := a.shutdown()
	err = multierr.Append(err, a.registry.CloseAll())
	if a.lock != nil {
		err = multierr.Append(err, a.lock.Release())
	}
	return err
}
