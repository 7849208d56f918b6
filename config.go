package ktable

import (
	"log/slog"
	"time"

	"github.com/birdayz/ktable/broker"
	"github.com/birdayz/ktable/kstore"
	"github.com/go-logr/logr"
)

const (
	// DefaultRecoveryChecks is how many consecutive empty changelog polls
	// end a recovery batch.
	DefaultRecoveryChecks = 3
	// DefaultAbortTimeout bounds the abort of an in-flight transaction on
	// shutdown.
	DefaultAbortTimeout = 10 * time.Second
	DefaultPollTimeout  = 5 * time.Second
)

type config struct {
	appName         string
	brokers         []string
	group           string
	transactionalID string

	producer broker.Producer
	consumer broker.Consumer

	produceTopics []string

	log     *slog.Logger
	metrics *Metrics

	pollTimeout    time.Duration
	abortTimeout   time.Duration
	recoveryChecks int

	stateDir string
	opener   kstore.Opener
}

func defaultConfig() config {
	return config{
		brokers:        []string{"localhost:9092"},
		log:            NullLogger(),
		pollTimeout:    DefaultPollTimeout,
		abortTimeout:   DefaultAbortTimeout,
		recoveryChecks: DefaultRecoveryChecks,
	}
}

// Option configures a TransactionApp or TableApp.
type Option func(*config)

// WithAppName sets the application name. It names the changelog topic and
// defaults the consumer group.
var WithAppName = func(name string) Option {
	return func(c *config) {
		c.appName = name
	}
}

// WithBrokers sets the Kafka seed brokers.
var WithBrokers = func(brokers []string) Option {
	return func(c *config) {
		c.brokers = brokers
	}
}

// WithGroup sets the consumer group. Defaults to the app name.
var WithGroup = func(group string) Option {
	return func(c *config) {
		c.group = group
	}
}

// WithTransactionalID sets the transactional ID of the producer.
var WithTransactionalID = func(id string) Option {
	return func(c *config) {
		c.transactionalID = id
	}
}

// WithProducer injects the transactional producer, replacing the default
// franz-go client.
var WithProducer = func(p broker.Producer) Option {
	return func(c *config) {
		c.producer = p
	}
}

// WithConsumer injects the consumer, replacing the default franz-go client.
var WithConsumer = func(cons broker.Consumer) Option {
	return func(c *config) {
		c.consumer = cons
	}
}

// WithProduceTopics restricts the topics transactions may produce to. With
// no topics set every topic is permitted.
var WithProduceTopics = func(topics ...string) Option {
	return func(c *config) {
		c.produceTopics = append(c.produceTopics, topics...)
	}
}

// WithLogger sets the logger.
var WithLogger = func(log *slog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithLogr logs through a logr.Logger.
var WithLogr = func(log logr.Logger) Option {
	return func(c *config) {
		c.log = slog.New(logr.ToSlogHandler(log))
	}
}

// WithMetrics publishes processing metrics to m.
var WithMetrics = func(m *Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithPollTimeout sets how long a consume waits for a message.
var WithPollTimeout = func(timeout time.Duration) Option {
	return func(c *config) {
		c.pollTimeout = timeout
	}
}

// WithAbortTimeout bounds the abort of an in-flight transaction on
// shutdown.
var WithAbortTimeout = func(timeout time.Duration) Option {
	return func(c *config) {
		c.abortTimeout = timeout
	}
}

// WithRecoveryChecks sets how many consecutive empty polls end a changelog
// recovery batch.
var WithRecoveryChecks = func(n int) Option {
	return func(c *config) {
		c.recoveryChecks = n
	}
}

// WithStateDir sets the directory table partitions are stored in.
var WithStateDir = func(dir string) Option {
	return func(c *config) {
		c.stateDir = dir
	}
}

// WithStoreOpener replaces the pebble stores of a TableApp.
var WithStoreOpener = func(o kstore.Opener) Option {
	return func(c *config) {
		c.opener = o
	}
}

// NullWriter is a writer that discards all data
type NullWriter struct{}

func (NullWriter) Write(p []byte) (int, error) { return len(p), nil }

// NullLogger creates a logger that discards all output
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(NullWriter{}, nil))
}
