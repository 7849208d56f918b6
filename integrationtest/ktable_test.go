package integrationtest

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/birdayz/ktable"
	"github.com/birdayz/ktable/broker"
)

func TestTransactionApp(t *testing.T) {
	brokers := startRedpanda(t)
	input, output := uniqueName("input"), uniqueName("output")
	createTopics(t, brokers, 3, input, output)
	produce(t, brokers, input, "a", "b", "c")

	app, err := ktable.NewTransactionApp(func(ctx context.Context, txn *ktable.Transaction) error {
		return txn.Produce(ctx, broker.Record{Topic: output, Key: txn.Key(), Value: bytes.ToUpper(txn.Value())})
	}, []string{input}, options(brokers, uniqueName("upper"))...)
	assert.NoError(t, err)
	run(t, app)

	got := consumeCommitted(t, brokers, output, 3)
	assert.Contains(t, strings.Join(got, "\n"), "a=A")
	assert.Contains(t, strings.Join(got, "\n"), "b=B")
	assert.Contains(t, strings.Join(got, "\n"), "c=C")
}

func TestAbortedTransactionIsInvisible(t *testing.T) {
	brokers := startRedpanda(t)
	input, output := uniqueName("input"), uniqueName("output")
	createTopics(t, brokers, 1, input, output)
	produce(t, brokers, input, "fail", "ok")

	boom := errors.New("boom")
	app, err := ktable.NewTransactionApp(func(ctx context.Context, txn *ktable.Transaction) error {
		if err := txn.Produce(ctx, broker.Record{Topic: output, Key: txn.Key(), Value: txn.Value()}); err != nil {
			return err
		}
		if string(txn.Key()) == "fail" {
			return boom
		}
		return nil
	}, []string{input}, options(brokers, uniqueName("abort"))...)
	assert.NoError(t, err)
	assert.IsError(t, app.Run(context.Background()), boom)

	kcl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(output),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
	)
	assert.NoError(t, err)
	defer kcl.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fetches := kcl.PollFetches(ctx)
	assert.Equal(t, 0, fetches.NumRecords())
}

type count struct {
	Count int `json:"count"`
}

func countKeys(output string) ktable.TableProcessFunc {
	return func(ctx context.Context, txn *ktable.TableTransaction) error {
		var c count
		entry, err := txn.ReadTableEntry()
		switch {
		case errors.Is(err, ktable.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := entry.Into(&c); err != nil {
				return err
			}
		}
		c.Count++
		if err := txn.UpdateTableEntry(c); err != nil {
			return err
		}
		value, err := ktable.Encode(c)
		if err != nil {
			return err
		}
		return txn.Produce(ctx, broker.Record{Topic: output, Key: txn.Key(), Value: value})
	}
}

func TestTableAppRestoresFromChangelog(t *testing.T) {
	brokers := startRedpanda(t)
	input, output := uniqueName("input"), uniqueName("output")
	app := uniqueName("counter")
	createTopics(t, brokers, 2, input, output)
	produce(t, brokers, input, "a", "b", "a")

	first, err := ktable.NewTableApp(countKeys(output), input, options(brokers, app, ktable.WithStateDir(t.TempDir()))...)
	assert.NoError(t, err)
	errc := make(chan error, 1)
	go func() { errc <- first.Run(context.Background()) }()

	got := consumeCommitted(t, brokers, output, 3)
	assert.Contains(t, strings.Join(got, "\n"), `a={"count":2}`)
	assert.Contains(t, strings.Join(got, "\n"), `b={"count":1}`)
	assert.NoError(t, first.Close())
	assert.NoError(t, <-errc)

	// Same app on an empty state directory: the table comes back from the
	// changelog topic created by the first run.
	second, err := ktable.NewTableApp(countKeys(output), input, options(brokers, app, ktable.WithStateDir(t.TempDir()))...)
	assert.NoError(t, err)
	run(t, second)

	produce(t, brokers, input, "a")
	got = consumeCommitted(t, brokers, output, 4)
	assert.Contains(t, strings.Join(got, "\n"), `a={"count":3}`)
}
