package integrationtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/go-logr/stdr"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/birdayz/ktable"
)

// startRedpanda starts a single node cluster and returns its seed broker.
func startRedpanda(t *testing.T) []string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := redpanda.RunContainer(ctx)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	seed, err := container.KafkaSeedBroker(ctx)
	assert.NoError(t, err)
	return []string{seed}
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func createTopics(t *testing.T, brokers []string, partitions int32, topics ...string) {
	t.Helper()
	kcl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	assert.NoError(t, err)
	defer kcl.Close()

	resp, err := kadm.NewClient(kcl).CreateTopics(context.Background(), partitions, 1, nil, topics...)
	assert.NoError(t, err)
	for _, topic := range resp.Sorted() {
		if topic.Err != nil && !errors.Is(topic.Err, kerr.TopicAlreadyExists) {
			t.Fatalf("create topic %s: %v", topic.Topic, topic.Err)
		}
	}
}

func produce(t *testing.T, brokers []string, topic string, keys ...string) {
	t.Helper()
	kcl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	assert.NoError(t, err)
	defer kcl.Close()

	for _, k := range keys {
		r := kcl.ProduceSync(context.Background(), &kgo.Record{Topic: topic, Key: []byte(k), Value: []byte(k)})
		assert.NoError(t, r.FirstErr())
	}
}

// consumeCommitted reads n committed records of topic as key=value.
func consumeCommitted(t *testing.T, brokers []string, topic string, n int) []string {
	t.Helper()
	kcl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
	)
	assert.NoError(t, err)
	defer kcl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var got []string
	for len(got) < n {
		fetches := kcl.PollFetches(ctx)
		if ctx.Err() != nil {
			t.Fatalf("consumed %d of %d records from %s: %v", len(got), n, topic, got)
		}
		fetches.EachRecord(func(r *kgo.Record) {
			got = append(got, string(r.Key)+"="+string(r.Value))
		})
	}
	return got
}

func options(brokers []string, app string, opts ...ktable.Option) []ktable.Option {
	return append([]ktable.Option{
		ktable.WithAppName(app),
		ktable.WithBrokers(brokers),
		ktable.WithLogr(stdr.New(nil)),
		ktable.WithPollTimeout(time.Second),
	}, opts...)
}

type runner interface {
	Run(ctx context.Context) error
	Close() error
}

// run starts app and stops it when the test ends.
func run(t *testing.T, app runner) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- app.Run(context.Background()) }()
	t.Cleanup(func() {
		assert.NoError(t, app.Close())
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(30 * time.Second):
			t.Fatal("timed out waiting for app to stop")
		}
	})
}
