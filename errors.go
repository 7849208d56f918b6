package ktable

import (
	"errors"
	"fmt"

	"github.com/birdayz/ktable/broker"
	"github.com/birdayz/ktable/kstore"
	"github.com/twmb/franz-go/pkg/kerr"
)

// ErrNoMessage is returned by a consume that timed out. The driver loop
// treats it as an idle cycle.
var ErrNoMessage = broker.ErrNoMessage

// ErrKeyNotFound is returned by ReadTableEntry for keys without a value.
var ErrKeyNotFound = kstore.ErrKeyNotFound

// ErrTransactionClosed is returned when a transaction is used after it was
// committed or aborted.
var ErrTransactionClosed = errors.New("ktable: transaction already committed or aborted")

// ErrTopicNotPermitted is wrapped by a ProduceError for records addressed to
// a topic outside the app's produce topics.
var ErrTopicNotPermitted = errors.New("ktable: topic not permitted for produce")

// ErrReservedKey is returned for table writes to the key the store keeps its
// changelog offset under.
var ErrReservedKey = errors.New("ktable: key is reserved")

// ErrAppClosed is returned by Run once a previous Run returned. The broker
// clients are closed by then.
var ErrAppClosed = errors.New("ktable: app is closed")

// ProduceError is returned when a record could not be produced. The
// transaction it belongs to must be aborted.
type ProduceError struct {
	Topic string
	Err   error
}

func (e *ProduceError) Error() string {
	return fmt.Sprintf("ktable: produce to %s: %v", e.Topic, e.Err)
}

func (e *ProduceError) Unwrap() error { return e.Err }

// CommitError is returned when the broker did not commit a transaction. It
// is fatal to the message being processed; the driver aborts and moves on.
type CommitError struct {
	broker.TopicPartitionOffset
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("ktable: commit %s: %v", e.TopicPartitionOffset, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// IsFenced reports whether the commit failed because a newer producer or
// group generation took over.
func (e *CommitError) IsFenced() bool {
	return errors.Is(e.Err, broker.ErrRebalanced) ||
		errors.Is(e.Err, kerr.ProducerFenced) ||
		errors.Is(e.Err, kerr.InvalidProducerEpoch)
}
