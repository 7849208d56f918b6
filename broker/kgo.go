package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrClientClosed is returned by Poll once the client was closed.
var ErrClientClosed = errors.New("broker: client closed")

// Config configures a franz-go backed Client.
type Config struct {
	Brokers []string
	Group   string
	// Topics are consumed through the consumer group.
	Topics []string
	// ManualPartitionTopics are produced to the partition set on the
	// Record rather than a key-hashed one.
	ManualPartitionTopics []string

	ClientID        string
	TransactionalID string

	PollTimeout time.Duration
	// RebalanceTimeout bounds how long a rebalance callback waits for the
	// polling goroutine to handle it.
	RebalanceTimeout time.Duration

	Logger *slog.Logger
}

type eventKind int

const (
	eventAssigned eventKind = iota
	eventRevoked
	eventLost
)

func (k eventKind) String() string {
	switch k {
	case eventAssigned:
		return "assigned"
	case eventRevoked:
		return "revoked"
	default:
		return "lost"
	}
}

type rebalanceEvent struct {
	kind       eventKind
	partitions map[string][]int32
	done       chan struct{}
}

// Client is a transactional producer and group consumer on top of a
// kgo.GroupTransactSession. Offsets consumed through the session are
// committed atomically with the produced records when the transaction ends.
//
// Changelog partitions handed to IncrementalAssign are read by a separate
// direct consumer, the way state restoration reads changelogs outside of
// the group.
//
// All methods except Close must be called from the polling goroutine.
type Client struct {
	cfg     Config
	session *kgo.GroupTransactSession
	client  *kgo.Client
	admin   *kadm.Client
	log     *slog.Logger

	listener RebalanceListener

	events    chan rebalanceEvent
	closing   chan struct{}
	closeOnce sync.Once

	cancelPollMtx sync.Mutex
	cancelPoll    func()

	assigned map[TopicPartition]struct{}

	restore          *kgo.Client
	restorePositions map[TopicPartition]int64
}

var (
	_ Producer = (*Client)(nil)
	_ Consumer = (*Client)(nil)
)

// NewClient creates the group transact session. Consumption starts with the
// first Poll.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Group == "" {
		return nil, errors.New("broker: consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("broker: at least one topic is required")
	}
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{"localhost:9092"}
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "ktable-" + uuid.NewString()
	}
	if cfg.TransactionalID == "" {
		cfg.TransactionalID = fmt.Sprintf("%s-%s", cfg.Group, cfg.ClientID)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.RebalanceTimeout <= 0 {
		cfg.RebalanceTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Client{
		cfg:              cfg,
		log:              cfg.Logger.With("client_id", cfg.ClientID),
		events:           make(chan rebalanceEvent, 16),
		closing:          make(chan struct{}),
		assigned:         map[TopicPartition]struct{}{},
		restorePositions: map[TopicPartition]int64{},
	}

	manual := make(map[string]struct{}, len(cfg.ManualPartitionTopics))
	for _, t := range cfg.ManualPartitionTopics {
		manual[t] = struct{}{}
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.TransactionalID(cfg.TransactionalID),
		kgo.RequireStableFetchOffsets(),
		kgo.RecordPartitioner(manualTopicsPartitioner{
			manual:   manual,
			fallback: kgo.StickyKeyPartitioner(nil),
		}),
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, m map[string][]int32) {
			c.enqueue(ctx, eventAssigned, m)
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, _ *kgo.Client, m map[string][]int32) {
			c.enqueue(ctx, eventRevoked, m)
		}),
		kgo.OnPartitionsLost(func(ctx context.Context, _ *kgo.Client, m map[string][]int32) {
			c.enqueue(ctx, eventLost, m)
		}),
	}

	session, err := kgo.NewGroupTransactSession(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create group transact session: %w", err)
	}
	c.session = session
	c.client = session.Client()
	c.admin = kadm.NewClient(c.client)

	c.log.Info("Transactional client created",
		"transactional_id", cfg.TransactionalID,
		"group", cfg.Group,
		"topics", cfg.Topics,
		"isolation_level", "read_committed")
	return c, nil
}

// EnsureChangelog creates changelog as a compacted topic with as many
// partitions as source, unless it exists already.
func (c *Client) EnsureChangelog(ctx context.Context, source, changelog string) error {
	details, err := c.admin.ListTopics(ctx, source)
	if err != nil {
		return fmt.Errorf("list topic %s: %w", source, err)
	}
	detail, ok := details[source]
	if !ok {
		return fmt.Errorf("topic %s not found", source)
	}
	if detail.Err != nil {
		return fmt.Errorf("describe topic %s: %w", source, detail.Err)
	}

	compact := "compact"
	resps, err := c.admin.CreateTopics(ctx, int32(len(detail.Partitions)), -1, map[string]*string{
		"cleanup.policy": &compact,
	}, changelog)
	if err != nil {
		return fmt.Errorf("create changelog topic %s: %w", changelog, err)
	}
	if resp, ok := resps[changelog]; ok && resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create changelog topic %s: %w", changelog, resp.Err)
	}
	return nil
}

func (c *Client) Subscribe(topics []string, l RebalanceListener) error {
	for _, t := range topics {
		if !slices.Contains(c.cfg.Topics, t) {
			return fmt.Errorf("broker: topic %s is not configured for this client", t)
		}
	}
	c.listener = l
	return nil
}

// enqueue runs on franz-go's group goroutine. It hands the event to the
// polling goroutine and waits, bounded, until it was handled.
func (c *Client) enqueue(ctx context.Context, kind eventKind, m map[string][]int32) {
	ev := rebalanceEvent{kind: kind, partitions: m, done: make(chan struct{})}
	select {
	case c.events <- ev:
	case <-c.closing:
		return
	case <-ctx.Done():
		return
	}

	c.cancelPollMtx.Lock()
	if c.cancelPoll != nil {
		c.cancelPoll()
	}
	c.cancelPollMtx.Unlock()

	timer := time.NewTimer(c.cfg.RebalanceTimeout)
	defer timer.Stop()
	select {
	case <-ev.done:
	case <-c.closing:
	case <-ctx.Done():
	case <-timer.C:
		c.log.Warn("Rebalance callback not handled in time", "event", kind, "timeout", c.cfg.RebalanceTimeout)
	}
}

func (c *Client) dispatchEvents(ctx context.Context) {
	for {
		select {
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
			close(ev.done)
		default:
			return
		}
	}
}

func (c *Client) handleEvent(ctx context.Context, ev rebalanceEvent) {
	tps := toTopicPartitions(ev.partitions)
	c.log.Info("Rebalance", "event", ev.kind, "partitions", tps)

	switch ev.kind {
	case eventAssigned:
		assigned := make([]TopicPartitionOffset, 0, len(tps))
		for _, tp := range tps {
			c.assigned[tp] = struct{}{}
			assigned = append(assigned, tp.At(-1))
		}
		if c.listener != nil {
			c.listener.OnAssigned(ctx, c, assigned)
		}
	case eventRevoked, eventLost:
		for _, tp := range tps {
			delete(c.assigned, tp)
		}
		if c.listener == nil {
			return
		}
		if ev.kind == eventRevoked {
			c.listener.OnRevoked(ctx, c, tps)
		} else {
			c.listener.OnLost(ctx, c, tps)
		}
	}
}

func (c *Client) Poll(ctx context.Context) (*Message, error) {
	c.dispatchEvents(ctx)

	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	c.cancelPollMtx.Lock()
	c.cancelPoll = cancel
	pending := len(c.events) > 0
	c.cancelPollMtx.Unlock()
	defer func() {
		c.cancelPollMtx.Lock()
		c.cancelPoll = nil
		c.cancelPollMtx.Unlock()
	}()
	if pending {
		c.dispatchEvents(ctx)
		return nil, ErrNoMessage
	}

	restore := c.restore
	restoring := restore != nil
	for {
		var f kgo.Fetches
		if restoring {
			f = restore.PollRecords(pollCtx, 1)
		} else {
			f = c.session.PollRecords(pollCtx, 1)
		}
		if f.IsClientClosed() {
			return nil, ErrClientClosed
		}
		for _, fetchError := range f.Errors() {
			if errors.Is(fetchError.Err, context.DeadlineExceeded) || errors.Is(fetchError.Err, context.Canceled) {
				continue
			}
			return nil, fmt.Errorf("fetch error on topic %s, partition %d: %w", fetchError.Topic, fetchError.Partition, fetchError.Err)
		}

		// Callbacks that arrived while polling belong to this cycle.
		c.dispatchEvents(ctx)

		records := f.Records()
		if len(records) == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, ErrNoMessage
		}
		r := records[0]
		if !restoring {
			return toMessage(r), nil
		}
		tp := TopicPartition{Topic: r.Topic, Partition: r.Partition}
		if _, ok := c.restorePositions[tp]; !ok {
			// Unassigned while the fetch was in flight.
			return nil, ErrNoMessage
		}
		c.restorePositions[tp] = r.Offset + 1
		if r.Attrs.IsControl() {
			// Transaction markers only move the position.
			if c.restore == restore {
				continue
			}
			return nil, ErrNoMessage
		}
		return toMessage(r), nil
	}
}

func (c *Client) Pause(partitions []TopicPartition) {
	c.client.PauseFetchPartitions(toPartitionMap(partitions))
}

func (c *Client) Resume(partitions []TopicPartition) {
	c.client.ResumeFetchPartitions(toPartitionMap(partitions))
}

func (c *Client) Seek(tpo TopicPartitionOffset) error {
	tp := tpo.TopicPartition()
	offsets := map[string]map[int32]kgo.EpochOffset{
		tpo.Topic: {tpo.Partition: {Epoch: -1, Offset: tpo.Offset}},
	}
	if _, ok := c.restorePositions[tp]; ok {
		c.restorePositions[tp] = tpo.Offset
		if c.restore != nil {
			c.restore.SetOffsets(offsets)
		}
		return nil
	}
	if _, ok := c.assigned[tp]; !ok {
		c.log.Debug("Ignoring seek on partition not owned", "partition", tp)
		return nil
	}
	c.client.SetOffsets(offsets)
	return nil
}

func (c *Client) IncrementalAssign(partitions []TopicPartitionOffset) error {
	if len(partitions) == 0 {
		return nil
	}
	for _, tpo := range partitions {
		c.restorePositions[tpo.TopicPartition()] = tpo.Offset
	}
	return c.rebuildRestoreClient()
}

func (c *Client) IncrementalUnassign(partitions []TopicPartition) error {
	changed := false
	for _, tp := range partitions {
		if _, ok := c.restorePositions[tp]; ok {
			delete(c.restorePositions, tp)
			changed = true
			continue
		}
		delete(c.assigned, tp)
	}
	if !changed {
		return nil
	}
	return c.rebuildRestoreClient()
}

// rebuildRestoreClient replaces the direct consumer reading changelog
// partitions with one positioned at restorePositions.
func (c *Client) rebuildRestoreClient() error {
	if c.restore != nil {
		c.restore.Close()
		c.restore = nil
	}
	if len(c.restorePositions) == 0 {
		return nil
	}

	offsets := make(map[string]map[int32]kgo.Offset)
	for tp, offset := range c.restorePositions {
		if _, ok := offsets[tp.Topic]; !ok {
			offsets[tp.Topic] = make(map[int32]kgo.Offset)
		}
		offsets[tp.Topic][tp.Partition] = kgo.NewOffset().At(offset)
	}

	restore, err := kgo.NewClient(
		kgo.SeedBrokers(c.cfg.Brokers...),
		kgo.ClientID(c.cfg.ClientID+"-restore"),
		kgo.ConsumePartitions(offsets),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.KeepControlRecords(),
	)
	if err != nil {
		return fmt.Errorf("create restore consumer: %w", err)
	}
	c.restore = restore
	return nil
}

func (c *Client) Assignment() []TopicPartition {
	out := make([]TopicPartition, 0, len(c.assigned)+len(c.restorePositions))
	for tp := range c.assigned {
		out = append(out, tp)
	}
	for tp := range c.restorePositions {
		out = append(out, tp)
	}
	sortTopicPartitions(out)
	return out
}

func (c *Client) Position(tp TopicPartition) (int64, bool) {
	offset, ok := c.restorePositions[tp]
	return offset, ok
}

func (c *Client) WatermarkOffsets(ctx context.Context, tp TopicPartition) (int64, int64, error) {
	starts, err := c.admin.ListStartOffsets(ctx, tp.Topic)
	if err != nil {
		return 0, 0, fmt.Errorf("list start offsets %s: %w", tp, err)
	}
	ends, err := c.admin.ListEndOffsets(ctx, tp.Topic)
	if err != nil {
		return 0, 0, fmt.Errorf("list end offsets %s: %w", tp, err)
	}
	low, ok := starts.Lookup(tp.Topic, tp.Partition)
	if !ok {
		return 0, 0, fmt.Errorf("no start offset for %s", tp)
	}
	if low.Err != nil {
		return 0, 0, fmt.Errorf("start offset %s: %w", tp, low.Err)
	}
	high, ok := ends.Lookup(tp.Topic, tp.Partition)
	if !ok {
		return 0, 0, fmt.Errorf("no end offset for %s", tp)
	}
	if high.Err != nil {
		return 0, 0, fmt.Errorf("end offset %s: %w", tp, high.Err)
	}
	return low.Offset, high.Offset, nil
}

func (c *Client) GroupMetadata() GroupMetadata {
	memberID, generation := c.client.GroupMetadata()
	return GroupMetadata{Group: c.cfg.Group, MemberID: memberID, Generation: generation}
}

func (c *Client) BeginTransaction() error {
	if err := c.session.Begin(); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	return nil
}

func (c *Client) Produce(ctx context.Context, r Record) (TopicPartitionOffset, error) {
	rec := &kgo.Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Key:       r.Key,
		Value:     r.Value,
	}
	for _, h := range r.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: h.Key, Value: h.Value})
	}
	produced, err := c.client.ProduceSync(ctx, rec).First()
	if err != nil {
		return TopicPartitionOffset{}, err
	}
	return TopicPartitionOffset{Topic: produced.Topic, Partition: produced.Partition, Offset: produced.Offset}, nil
}

// SendOffsetsToTransaction checks the offsets belong to owned partitions.
// The session commits the offsets of everything polled so far when the
// transaction ends, which covers these.
func (c *Client) SendOffsetsToTransaction(ctx context.Context, offsets []TopicPartitionOffset, group GroupMetadata) error {
	for _, o := range offsets {
		if _, ok := c.assigned[o.TopicPartition()]; !ok {
			return fmt.Errorf("send offsets for %s: %w", o, ErrRebalanced)
		}
	}
	c.log.Debug("Offsets added to transaction", "offsets", offsets, "generation", group.Generation)
	return nil
}

func (c *Client) CommitTransaction(ctx context.Context) error {
	committed, err := c.session.End(ctx, kgo.TryCommit)
	if err != nil {
		return fmt.Errorf("failed to end transaction: %w", err)
	}
	if !committed {
		return ErrRebalanced
	}
	return nil
}

func (c *Client) AbortTransaction(ctx context.Context) error {
	_, err := c.session.End(ctx, kgo.TryAbort)
	if err != nil {
		return fmt.Errorf("failed to abort transaction: %w", err)
	}
	return nil
}

// PollEvents is a no-op: franz-go runs produce promises on its own goroutines.
func (c *Client) PollEvents() {}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		if c.restore != nil {
			c.restore.Close()
			c.restore = nil
		}
		c.session.Close()
	})
	return nil
}

type manualTopicsPartitioner struct {
	manual   map[string]struct{}
	fallback kgo.Partitioner
}

func (p manualTopicsPartitioner) ForTopic(topic string) kgo.TopicPartitioner {
	if _, ok := p.manual[topic]; ok {
		return kgo.ManualPartitioner().ForTopic(topic)
	}
	return p.fallback.ForTopic(topic)
}

func toMessage(r *kgo.Record) *Message {
	m := &Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: r.Timestamp,
	}
	for _, h := range r.Headers {
		m.Headers = append(m.Headers, Header{Key: h.Key, Value: h.Value})
	}
	return m
}

func toTopicPartitions(m map[string][]int32) []TopicPartition {
	var out []TopicPartition
	for topic, partitions := range m {
		for _, p := range partitions {
			out = append(out, TopicPartition{Topic: topic, Partition: p})
		}
	}
	sortTopicPartitions(out)
	return out
}

func toPartitionMap(tps []TopicPartition) map[string][]int32 {
	m := make(map[string][]int32)
	for _, tp := range tps {
		m[tp.Topic] = append(m[tp.Topic], tp.Partition)
	}
	return m
}

func sortTopicPartitions(tps []TopicPartition) {
	slices.SortFunc(tps, func(a, b TopicPartition) int {
		if a.Topic != b.Topic {
			if a.Topic < b.Topic {
				return -1
			}
			return 1
		}
		return int(a.Partition - b.Partition)
	})
}
