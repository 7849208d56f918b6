package ktable

import (
	"bytes"
	"context"
	"fmt"

	"github.com/birdayz/ktable/broker"
)

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingValue
	pendingTombstone
)

// PendingWrite is the table mutation a TableTransaction will apply on
// commit: none, a value, or a tombstone.
type PendingWrite struct {
	kind  pendingKind
	value []byte
}

// PendingValue stages b. An empty or nil b is kept as an empty value, not a
// delete.
func PendingValue(b []byte) PendingWrite {
	if b == nil {
		b = []byte{}
	}
	return PendingWrite{kind: pendingValue, value: b}
}

func PendingTombstone() PendingWrite {
	return PendingWrite{kind: pendingTombstone}
}

func (w PendingWrite) IsNone() bool { return w.kind == pendingNone }

func (w PendingWrite) IsTombstone() bool { return w.kind == pendingTombstone }

// Value returns the pending value; nil for none and tombstones.
func (w PendingWrite) Value() []byte { return w.value }

// changelogValue is the value written to the changelog for w.
func (w PendingWrite) changelogValue() []byte {
	if w.kind == pendingTombstone {
		return []byte(Tombstone)
	}
	return w.value
}

// storeValue is the WriteBatch entry for w; nil deletes.
func (w PendingWrite) storeValue() []byte {
	if w.kind == pendingTombstone {
		return nil
	}
	return w.value
}

// TableTransaction is a Transaction that also reads and writes the table row
// of the consumed message's key. A write is appended to the changelog within
// the broker transaction and reaches the local store only after that
// transaction committed.
type TableTransaction struct {
	*Transaction

	changelog string
	registry  *PartitionRegistry

	pending          PendingWrite
	changelogWritten bool
	changelogAt      broker.TopicPartitionOffset
	tableCommitted   bool
}

func newTableTransaction(msg *broker.Message, env *txnEnv, changelog string, registry *PartitionRegistry) *TableTransaction {
	return &TableTransaction{
		Transaction: newTransaction(msg, env),
		changelog:   changelog,
		registry:    registry,
	}
}

// ReadTableEntry returns the current table value of the key, or
// ErrKeyNotFound.
func (tt *TableTransaction) ReadTableEntry() (DecodeResult, error) {
	store, err := tt.registry.Store(tt.Partition())
	if err != nil {
		return DecodeResult{}, err
	}
	b, err := store.Read(tt.Key())
	if err != nil {
		return DecodeResult{}, err
	}
	return Decode(b), nil
}

// UpdateTableEntry stages value as the key's new table value. Nothing is
// written before Commit.
func (tt *TableTransaction) UpdateTableEntry(value any) error {
	if err := tt.checkWritable(); err != nil {
		return err
	}
	b, err := Encode(value)
	if err != nil {
		return err
	}
	tt.pending = PendingValue(b)
	return nil
}

// DeleteTableEntry stages the removal of the key.
func (tt *TableTransaction) DeleteTableEntry() error {
	if err := tt.checkWritable(); err != nil {
		return err
	}
	tt.pending = PendingTombstone()
	return nil
}

func (tt *TableTransaction) checkWritable() error {
	if tt.tableCommitted || tt.state == TxnCommitted || tt.state == TxnAborted {
		return ErrTransactionClosed
	}
	if string(tt.Key()) == offsetKey {
		return fmt.Errorf("%w: %q", ErrReservedKey, offsetKey)
	}
	if tt.changelogWritten {
		return fmt.Errorf("ktable: table entry already written to changelog")
	}
	return nil
}

// Pending returns the staged table mutation.
func (tt *TableTransaction) Pending() PendingWrite { return tt.pending }

// Committed reports whether the broker transaction committed and the table
// write was applied to the store.
func (tt *TableTransaction) Committed() bool { return tt.tableCommitted }

// Commit appends the staged write to the changelog, commits the broker
// transaction and then applies the write to the local store.
func (tt *TableTransaction) Commit(ctx context.Context) error {
	if tt.tableCommitted {
		return nil
	}
	if tt.state == TxnAborted {
		return ErrTransactionClosed
	}

	if !tt.pending.IsNone() && !tt.changelogWritten {
		pos, err := tt.produce(ctx, broker.Record{
			Topic:     tt.changelog,
			Partition: tt.Partition(),
			Key:       tt.Key(),
			Value:     tt.pending.changelogValue(),
		})
		if err != nil {
			return err
		}
		tt.changelogWritten = true
		tt.changelogAt = pos
	}

	if err := tt.commit(ctx, false); err != nil {
		return err
	}

	if !tt.pending.IsNone() {
		if err := tt.finalize(); err != nil {
			return err
		}
	}
	tt.tableCommitted = true
	tt.committed = true
	return nil
}

// finalize applies the committed write. The record and the transaction's
// commit marker occupy two changelog offsets.
func (tt *TableTransaction) finalize() error {
	store, err := tt.registry.Store(tt.Partition())
	if err != nil {
		return fmt.Errorf("finalize table write: %w", err)
	}
	// A store without an offset starts at the landed record.
	current, err := readOffset(store, tt.changelogAt.Offset)
	if err != nil {
		return fmt.Errorf("finalize table write: %w", err)
	}
	next := max(current, tt.changelogAt.Offset) + 2
	if err := store.WriteBatch(map[string][]byte{
		string(tt.Key()): tt.pending.storeValue(),
		offsetKey:        formatOffset(next),
	}); err != nil {
		return fmt.Errorf("finalize table write: %w", err)
	}
	return nil
}

// recoverFromChangelog applies the consumed changelog record to the store of
// its partition and returns the store's offset afterwards. Records the store
// already applied are skipped, so replaying a range again is harmless.
func (tt *TableTransaction) recoverFromChangelog(ctx context.Context) (int64, error) {
	if bytes.Equal(tt.Value(), []byte(Tombstone)) {
		tt.pending = PendingTombstone()
	} else {
		tt.pending = PendingValue(tt.Value())
	}

	if err := tt.commit(ctx, false); err != nil {
		return 0, err
	}

	store, err := tt.registry.Store(tt.Partition())
	if err != nil {
		return 0, fmt.Errorf("replay changelog record: %w", err)
	}
	current, err := readOffset(store, 0)
	if err != nil {
		return 0, fmt.Errorf("replay changelog record: %w", err)
	}
	if tt.Offset() < current {
		tt.tableCommitted = true
		return current, nil
	}

	next := tt.Offset() + 2
	if err := store.WriteBatch(map[string][]byte{
		string(tt.Key()): tt.pending.storeValue(),
		offsetKey:        formatOffset(next),
	}); err != nil {
		return 0, fmt.Errorf("replay changelog record: %w", err)
	}
	tt.tableCommitted = true
	tt.committed = true
	return next, nil
}
