package ktable

import (
	"testing"
	"time"

	"github.com/birdayz/ktable/broker"
	"github.com/birdayz/ktable/broker/brokertest"
	"github.com/birdayz/ktable/kstore"
)

const (
	testGroup   = "test-group"
	testInput   = "input"
	testOutput  = "output"
	testApp     = "test-app"
	testChanges = testApp + "__changelog"
)

type harness struct {
	cluster  *brokertest.Cluster
	producer *brokertest.Producer
	consumer *brokertest.Consumer
}

// newHarness creates input, output and changelog topics with the given
// number of partitions.
func newHarness(t *testing.T, partitions int) *harness {
	t.Helper()
	cluster := brokertest.NewCluster()
	cluster.CreateTopic(testInput, partitions)
	cluster.CreateTopic(testOutput, partitions)
	cluster.CreateTopic(testChanges, partitions)
	return &harness{
		cluster:  cluster,
		producer: cluster.NewProducer(),
		consumer: cluster.NewConsumer(testGroup),
	}
}

func (h *harness) env(opts ...Option) *txnEnv {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newTxnEnv(&cfg, h.producer, h.consumer)
}

func (h *harness) options(opts ...Option) []Option {
	return append([]Option{
		WithAppName(testApp),
		WithGroup(testGroup),
		WithProducer(h.producer),
		WithConsumer(h.consumer),
	}, opts...)
}

func input(p int32) broker.TopicPartition {
	return broker.TopicPartition{Topic: testInput, Partition: p}
}

func changelog(p int32) broker.TopicPartition {
	return broker.TopicPartition{Topic: testChanges, Partition: p}
}

func message(p int32, offset int64, key, value string) *broker.Message {
	return &broker.Message{Topic: testInput, Partition: p, Offset: offset, Key: []byte(key), Value: []byte(value)}
}

// openRegistry returns a registry with partition p initialised.
func openRegistry(t *testing.T, opener kstore.Opener, partitions ...int32) *PartitionRegistry {
	t.Helper()
	r := NewPartitionRegistry(opener, nil)
	for _, p := range partitions {
		r.hold(p)
		if err := r.Init(p); err != nil {
			t.Fatalf("init partition %d: %v", p, err)
		}
	}
	t.Cleanup(func() { _ = r.CloseAll() })
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func values(msgs []broker.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Value))
	}
	return out
}
