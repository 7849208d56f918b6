package ktable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/birdayz/ktable/broker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Mode is what the driver loop of a TableApp does next.
type Mode int

const (
	// ModeNormal processes messages of the primary topic.
	ModeNormal Mode = iota
	// ModeNeedsRecovery replays changelog partitions into their stores
	// before any primary message is processed.
	ModeNeedsRecovery
)

func (m Mode) String() string {
	if m == ModeNeedsRecovery {
		return "needs-recovery"
	}
	return "normal"
}

// RecoveryCoordinator keeps the stores of a TableApp in line with partition
// ownership. It opens and closes stores on rebalances, decides which
// partitions lag their changelog and replays the changelog into them.
//
// Rebalance callbacks run synchronously inside Consumer.Poll on the driver
// loop, so the coordinator and its registry are only ever used from one
// goroutine.
type RecoveryCoordinator struct {
	topic     string
	changelog string
	registry  *PartitionRegistry
	checks    int

	log     *slog.Logger
	metrics *Metrics

	mode Mode
	// err is a failure inside a rebalance callback, surfaced to the driver
	// loop after the poll returns.
	err error
}

var _ broker.RebalanceListener = (*RecoveryCoordinator)(nil)

func NewRecoveryCoordinator(topic, changelog string, registry *PartitionRegistry, checks int, log *slog.Logger, metrics *Metrics) *RecoveryCoordinator {
	if checks <= 0 {
		checks = DefaultRecoveryChecks
	}
	if log == nil {
		log = NullLogger()
	}
	return &RecoveryCoordinator{
		topic:     topic,
		changelog: changelog,
		registry:  registry,
		checks:    checks,
		log:       log,
		metrics:   metrics,
	}
}

func (rc *RecoveryCoordinator) Mode() Mode { return rc.mode }

func (rc *RecoveryCoordinator) fail(err error) {
	rc.log.Error("Rebalance handling failed", "error", err)
	if rc.err == nil {
		rc.err = err
	}
}

// takeErr returns and clears a failure recorded by a callback.
func (rc *RecoveryCoordinator) takeErr() error {
	err := rc.err
	rc.err = nil
	return err
}

func (rc *RecoveryCoordinator) primary(p int32) broker.TopicPartition {
	return broker.TopicPartition{Topic: rc.topic, Partition: p}
}

func (rc *RecoveryCoordinator) changelogOf(p int32) broker.TopicPartition {
	return broker.TopicPartition{Topic: rc.changelog, Partition: p}
}

func (rc *RecoveryCoordinator) primaries(ps []int32) []broker.TopicPartition {
	out := make([]broker.TopicPartition, 0, len(ps))
	for _, p := range ps {
		out = append(out, rc.primary(p))
	}
	return out
}

func (rc *RecoveryCoordinator) changelogs(ps []int32) []broker.TopicPartition {
	out := make([]broker.TopicPartition, 0, len(ps))
	for _, p := range ps {
		out = append(out, rc.changelogOf(p))
	}
	return out
}

// OnAssigned opens the stores of the new partitions and recomputes the
// recovery state of every held partition.
func (rc *RecoveryCoordinator) OnAssigned(ctx context.Context, c broker.Consumer, partitions []broker.TopicPartitionOffset) {
	for _, tpo := range partitions {
		if tpo.Topic != rc.topic {
			continue
		}
		rc.registry.hold(tpo.Partition)
		if err := rc.registry.Init(tpo.Partition); err != nil {
			rc.fail(err)
			return
		}
	}
	rc.log.Info("Partitions assigned", "partitions", partitions, "held", rc.registry.Held())
	rc.recompute(ctx, c)
}

func (rc *RecoveryCoordinator) OnRevoked(ctx context.Context, c broker.Consumer, partitions []broker.TopicPartition) {
	rc.release(ctx, c, partitions, "revoked")
}

func (rc *RecoveryCoordinator) OnLost(ctx context.Context, c broker.Consumer, partitions []broker.TopicPartition) {
	rc.release(ctx, c, partitions, "lost")
}

func (rc *RecoveryCoordinator) release(ctx context.Context, c broker.Consumer, partitions []broker.TopicPartition, reason string) {
	var unassign []broker.TopicPartition
	for _, tp := range partitions {
		if tp.Topic != rc.topic {
			continue
		}
		unassign = append(unassign, tp)
		for _, p := range rc.registry.Pending() {
			if p == tp.Partition {
				unassign = append(unassign, rc.changelogOf(p))
			}
		}
		rc.registry.release(tp.Partition)
		if err := rc.registry.Close(tp.Partition); err != nil {
			rc.log.Error("Failed to close store", "partition", tp.Partition, "error", err)
		}
	}
	if len(unassign) > 0 {
		if err := c.IncrementalUnassign(unassign); err != nil {
			rc.fail(fmt.Errorf("unassign %v: %w", unassign, err))
			return
		}
	}
	rc.log.Info("Partitions "+reason, "partitions", partitions, "held", rc.registry.Held())

	if rc.mode == ModeNeedsRecovery {
		rc.recompute(ctx, c)
	}
}

// recompute derives the recovery state of all held partitions from scratch
// and switches the consumer between primary and changelog consumption.
func (rc *RecoveryCoordinator) recompute(ctx context.Context, c broker.Consumer) {
	if pending := rc.registry.Pending(); len(pending) > 0 {
		if err := c.IncrementalUnassign(rc.changelogs(pending)); err != nil {
			rc.fail(fmt.Errorf("unassign changelog partitions: %w", err))
			return
		}
	}
	rc.registry.resetRecovery()

	held := rc.registry.Held()
	for _, p := range held {
		tp := rc.changelogOf(p)
		low, high, err := c.WatermarkOffsets(ctx, tp)
		if err != nil {
			rc.fail(fmt.Errorf("watermarks of %s: %w", tp, err))
			return
		}
		tableOffset, err := rc.registry.TableOffset(p, low)
		if err != nil {
			rc.fail(err)
			return
		}
		state := PartitionRecoveryState{
			Partition:     p,
			TableOffset:   tableOffset,
			WatermarkLow:  low,
			WatermarkHigh: high,
		}
		if state.RequiresRecovery() {
			rc.registry.recovery[p] = &state
		}
	}

	recovering := rc.registry.Recovering()
	if len(recovering) == 0 {
		if rc.mode == ModeNeedsRecovery {
			rc.finish(c)
		}
		return
	}

	c.Pause(rc.primaries(held))
	assign := make([]broker.TopicPartitionOffset, 0, len(recovering))
	for _, p := range recovering {
		state := rc.registry.recovery[p]
		assign = append(assign, rc.changelogOf(p).At(state.StartOffset()))
		rc.log.Info("Partition requires recovery",
			"partition", p,
			"table_offset", state.TableOffset,
			"watermark_low", state.WatermarkLow,
			"watermark_high", state.WatermarkHigh)
	}
	if err := c.IncrementalAssign(assign); err != nil {
		rc.fail(fmt.Errorf("assign changelog partitions: %w", err))
		return
	}
	rc.registry.pending = recovering
	if rc.mode != ModeNeedsRecovery {
		rc.metrics.incRecoveries()
	}
	rc.mode = ModeNeedsRecovery
	rc.metrics.setRecoveryPending(len(recovering))
}

// finish leaves recovery mode and resumes the primary partitions.
func (rc *RecoveryCoordinator) finish(c broker.Consumer) {
	if pending := rc.registry.Pending(); len(pending) > 0 {
		if err := c.IncrementalUnassign(rc.changelogs(pending)); err != nil {
			rc.fail(fmt.Errorf("unassign changelog partitions: %w", err))
		}
	}
	rc.registry.resetRecovery()
	c.Resume(rc.primaries(rc.registry.Held()))
	rc.mode = ModeNormal
	rc.metrics.setRecoveryPending(0)
	rc.log.Info("Table recovery finished", "held", rc.registry.Held())
}

func (rc *RecoveryCoordinator) partitionRecovered(c broker.Consumer, p int32, offset int64) {
	rc.registry.markRecovered(p)
	if err := c.IncrementalUnassign([]broker.TopicPartition{rc.changelogOf(p)}); err != nil {
		rc.fail(fmt.Errorf("unassign %s: %w", rc.changelogOf(p), err))
	}
	rc.metrics.setRecoveryPending(len(rc.registry.Recovering()))
	rc.log.Info("Partition recovered", "partition", p, "table_offset", offset)
	if len(rc.registry.Recovering()) == 0 {
		rc.finish(c)
	}
}

// recover replays the changelog until every held partition caught up.
func (rc *RecoveryCoordinator) recover(ctx context.Context, c broker.Consumer, env *txnEnv) error {
	ctx, span := env.tracer.Start(ctx, "ktable.table.recover",
		trace.WithAttributes(
			attribute.String("ktable.changelog", rc.changelog),
			attribute.Int("ktable.partitions", len(rc.registry.Recovering())),
		))
	defer span.End()

	start := time.Now()
	for rc.mode == ModeNeedsRecovery {
		if err := rc.recoverBatch(ctx, c, env); err != nil {
			if !errors.Is(err, context.Canceled) {
				span.RecordError(err)
				span.SetStatus(codes.Error, "recovery_failed")
			}
			return err
		}
	}
	rc.log.Info("Recovery done", "duration", time.Since(start))
	return nil
}

// recoverBatch consumes changelog records until a rebalance, until recovery
// finished or until checks consecutive polls came back empty. A partition
// that made no progress over a whole batch and whose changelog was fetched
// up to the high watermark has only markers or aborted records left; it is
// advanced to its high watermark. One still fetching stays in recovery.
func (rc *RecoveryCoordinator) recoverBatch(ctx context.Context, c broker.Consumer, env *txnEnv) error {
	generation := rc.registry.Generation()
	progressed := map[int32]bool{}

	for checksLeft := rc.checks; checksLeft > 0 && rc.mode == ModeNeedsRecovery; {
		msg, err := c.Poll(ctx)
		if cbErr := rc.takeErr(); cbErr != nil {
			return cbErr
		}
		if rc.mode != ModeNeedsRecovery || rc.registry.Generation() != generation {
			// The record was fetched from positions set up by the rebalance.
			if err == nil {
				if err := c.Seek(msg.TopicPartition().At(msg.Offset)); err != nil {
					return fmt.Errorf("rewind %s: %w", msg.TopicPartition(), err)
				}
			}
			return nil
		}
		switch {
		case errors.Is(err, ErrNoMessage):
			checksLeft--
			env.producer.PollEvents()
			continue
		case err != nil:
			return err
		}

		if msg.Topic != rc.changelog {
			if err := c.Seek(msg.TopicPartition().At(msg.Offset)); err != nil {
				return fmt.Errorf("rewind %s: %w", msg.TopicPartition(), err)
			}
			continue
		}
		state, ok := rc.registry.RecoveryState(msg.Partition)
		if !ok {
			continue
		}
		checksLeft = rc.checks

		if msg.Offset >= state.WatermarkHigh {
			if err := rc.advance(msg.Partition, state.WatermarkHigh); err != nil {
				return err
			}
			rc.partitionRecovered(c, msg.Partition, state.WatermarkHigh)
			continue
		}

		tt := newTableTransaction(msg, env, rc.changelog, rc.registry)
		offset, err := tt.recoverFromChangelog(ctx)
		if err != nil {
			return err
		}
		env.metrics.incReplayed(msg.Partition)
		progressed[msg.Partition] = true
		if state.RecoveredAt(offset) {
			rc.partitionRecovered(c, msg.Partition, offset)
		}
	}

	for _, p := range rc.registry.Recovering() {
		if progressed[p] {
			continue
		}
		state, _ := rc.registry.RecoveryState(p)
		position, ok := c.Position(rc.changelogOf(p))
		if ok && position < state.WatermarkHigh {
			rc.log.Debug("Changelog not fetched up to high watermark yet",
				"partition", p,
				"position", position,
				"watermark_high", state.WatermarkHigh)
			continue
		}
		rc.log.Info("Changelog exhausted below high watermark",
			"partition", p,
			"watermark_high", state.WatermarkHigh)
		if err := rc.advance(p, state.WatermarkHigh); err != nil {
			return err
		}
		rc.partitionRecovered(c, p, state.WatermarkHigh)
	}
	return nil
}

// advance moves the stored offset of p forward to offset.
func (rc *RecoveryCoordinator) advance(p int32, offset int64) error {
	store, err := rc.registry.Store(p)
	if err != nil {
		return err
	}
	current, err := readOffset(store, 0)
	if err != nil {
		return err
	}
	if current >= offset {
		return nil
	}
	if err := store.Write([]byte(offsetKey), formatOffset(offset)); err != nil {
		return fmt.Errorf("advance table offset of partition %d: %w", p, err)
	}
	return nil
}
