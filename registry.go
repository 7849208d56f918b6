package ktable

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/birdayz/ktable/kstore"
	"go.uber.org/multierr"
)

// PartitionRecoveryState compares what a partition's store has applied with
// what its changelog partition holds.
type PartitionRecoveryState struct {
	Partition     int32
	TableOffset   int64
	WatermarkLow  int64
	WatermarkHigh int64
}

// RequiresRecovery reports whether the changelog holds records the store has
// not applied.
func (s PartitionRecoveryState) RequiresRecovery() bool {
	return s.WatermarkLow != s.WatermarkHigh && s.TableOffset < s.WatermarkHigh
}

// StartOffset is where replay begins. Records below the low watermark were
// removed by retention or compaction and cannot be replayed.
func (s PartitionRecoveryState) StartOffset() int64 {
	return max(s.TableOffset, s.WatermarkLow)
}

// RecoveredAt reports whether a store positioned at offset has caught up.
func (s PartitionRecoveryState) RecoveredAt(offset int64) bool {
	return s.WatermarkHigh-offset <= 0
}

// PartitionRegistry holds the per-partition state of a TableApp: the open
// stores, the primary partitions held, and the recovery bookkeeping. It is
// not safe for concurrent use; the driver loop and the rebalance callbacks
// it dispatches are its only users.
type PartitionRegistry struct {
	opener kstore.Opener
	log    *slog.Logger

	stores map[int32]kstore.Store
	held   []int32

	recovery map[int32]*PartitionRecoveryState
	// pending are the changelog partitions assigned for replay.
	pending []int32

	// generation changes whenever the set of held partitions changes.
	generation uint64
}

func NewPartitionRegistry(opener kstore.Opener, log *slog.Logger) *PartitionRegistry {
	if log == nil {
		log = NullLogger()
	}
	return &PartitionRegistry{
		opener:   opener,
		log:      log,
		stores:   map[int32]kstore.Store{},
		recovery: map[int32]*PartitionRecoveryState{},
	}
}

// Init opens the store of partition. Opening an already open partition is a
// no-op.
func (r *PartitionRegistry) Init(partition int32) error {
	if _, ok := r.stores[partition]; ok {
		return nil
	}
	s, err := r.opener(partition)
	if err != nil {
		return fmt.Errorf("open store for partition %d: %w", partition, err)
	}
	r.stores[partition] = s
	r.log.Debug("Opened store", "partition", partition)
	return nil
}

// Store returns the open store of partition.
func (r *PartitionRegistry) Store(partition int32) (kstore.Store, error) {
	s, ok := r.stores[partition]
	if !ok {
		return nil, fmt.Errorf("no store open for partition %d", partition)
	}
	return s, nil
}

// TableOffset returns the changelog offset the store of partition has
// applied, or fallback if the store never recorded one. Recovery falls back
// to the changelog low watermark and a table commit to the changelog offset
// its record landed at, not to the committed consumer offset.
func (r *PartitionRegistry) TableOffset(partition int32, fallback int64) (int64, error) {
	s, err := r.Store(partition)
	if err != nil {
		return 0, err
	}
	return readOffset(s, fallback)
}

func readOffset(s kstore.Store, fallback int64) (int64, error) {
	b, err := s.Read([]byte(offsetKey))
	if errors.Is(err, kstore.ErrKeyNotFound) {
		return fallback, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read table offset: %w", err)
	}
	offset, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse table offset %q: %w", b, err)
	}
	return offset, nil
}

func formatOffset(offset int64) []byte {
	return []byte(strconv.FormatInt(offset, 10))
}

// Close closes the store of partition. Closing a partition that is not open
// is a no-op.
func (r *PartitionRegistry) Close(partition int32) error {
	s, ok := r.stores[partition]
	if !ok {
		return nil
	}
	delete(r.stores, partition)
	if err := s.Close(); err != nil {
		return fmt.Errorf("close store for partition %d: %w", partition, err)
	}
	r.log.Debug("Closed store", "partition", partition)
	return nil
}

// CloseAll closes every open store.
func (r *PartitionRegistry) CloseAll() error {
	var err error
	for _, p := range r.openPartitions() {
		err = multierr.Append(err, r.Close(p))
	}
	return err
}

func (r *PartitionRegistry) openPartitions() []int32 {
	out := make([]int32, 0, len(r.stores))
	for p := range r.stores {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Held returns the primary partitions currently assigned, sorted.
func (r *PartitionRegistry) Held() []int32 {
	return slices.Clone(r.held)
}

func (r *PartitionRegistry) hold(partition int32) {
	if !slices.Contains(r.held, partition) {
		r.held = append(r.held, partition)
		slices.Sort(r.held)
	}
	r.generation++
}

func (r *PartitionRegistry) release(partition int32) {
	r.held = slices.DeleteFunc(r.held, func(p int32) bool { return p == partition })
	r.pending = slices.DeleteFunc(r.pending, func(p int32) bool { return p == partition })
	delete(r.recovery, partition)
	r.generation++
}

// Holds reports whether partition is assigned.
func (r *PartitionRegistry) Holds(partition int32) bool {
	return slices.Contains(r.held, partition)
}

// RecoveryState returns the recovery state of a partition still waiting for
// replay.
func (r *PartitionRegistry) RecoveryState(partition int32) (PartitionRecoveryState, bool) {
	s, ok := r.recovery[partition]
	if !ok {
		return PartitionRecoveryState{}, false
	}
	return *s, true
}

// Recovering returns the partitions waiting for replay, sorted.
func (r *PartitionRegistry) Recovering() []int32 {
	out := make([]int32, 0, len(r.recovery))
	for p := range r.recovery {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Pending returns the changelog partitions assigned for replay.
func (r *PartitionRegistry) Pending() []int32 {
	return slices.Clone(r.pending)
}

func (r *PartitionRegistry) markRecovered(partition int32) {
	delete(r.recovery, partition)
	r.pending = slices.DeleteFunc(r.pending, func(p int32) bool { return p == partition })
}

func (r *PartitionRegistry) resetRecovery() {
	r.recovery = map[int32]*PartitionRecoveryState{}
	r.pending = nil
}

// Generation changes on every assignment change.
func (r *PartitionRegistry) Generation() uint64 {
	return r.generation
}
