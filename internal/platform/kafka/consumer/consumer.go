// Package consumer runs a franz-go consumer group loop and hands records to
// a Handler one at a time, committing only what was handled.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is the transport-neutral view of a record.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Handler processes one message. Returning an error stops the batch so the
// record is redelivered; return nil for poison messages.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// Consumer polls a kgo client configured with a consumer group.
type Consumer struct {
	client  *kgo.Client
	handler Handler
	logger  *slog.Logger
	backoff time.Duration
}

func New(client *kgo.Client, handler Handler, logger *slog.Logger) *Consumer {
	return &Consumer{client: client, handler: handler, logger: logger, backoff: time.Second}
}

// GroupOpts returns the kgo options a client needs for Run.
func GroupOpts(group string, topics ...string) []kgo.Opt {
	return []kgo.Opt{
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if !errors.Is(err, context.Canceled) {
				c.logger.Warn("kafka fetch error", "topic", topic, "partition", partition, "error", err)
			}
		})

		var handled []*kgo.Record
		var failed error
		fetches.EachRecord(func(r *kgo.Record) {
			if failed != nil {
				return
			}
			msg := &Message{
				Topic:     r.Topic,
				Key:       r.Key,
				Value:     r.Value,
				Partition: r.Partition,
				Offset:    r.Offset,
				Timestamp: r.Timestamp,
			}
			if err := c.handler.Handle(ctx, msg); err != nil {
				failed = fmt.Errorf("handle %s/%d@%d: %w", r.Topic, r.Partition, r.Offset, err)
				return
			}
			handled = append(handled, r)
		})

		if len(handled) > 0 {
			if err := c.client.CommitRecords(ctx, handled...); err != nil && ctx.Err() == nil {
				c.logger.Error("kafka commit failed", "error", err)
			}
		}
		if failed != nil {
			c.logger.Error("kafka handler failed, rewinding", "error", failed)
			c.rewind(fetches, handled)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
		}
	}
}

// rewind moves partitions back to the first unhandled record so the next
// poll redelivers it.
func (c *Consumer) rewind(fetches kgo.Fetches, handled []*kgo.Record) {
	done := make(map[string]map[int32]int64)
	for _, r := range handled {
		if done[r.Topic] == nil {
			done[r.Topic] = make(map[int32]int64)
		}
		done[r.Topic][r.Partition] = r.Offset + 1
	}
	offsets := make(map[string]map[int32]kgo.EpochOffset)
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if len(p.Records) == 0 {
			return
		}
		next := p.Records[0].Offset
		if off, ok := done[p.Topic][p.Partition]; ok {
			next = off
		}
		if offsets[p.Topic] == nil {
			offsets[p.Topic] = make(map[int32]kgo.EpochOffset)
		}
		offsets[p.Topic][p.Partition] = kgo.EpochOffset{Epoch: -1, Offset: next}
	})
	c.client.SetOffsets(offsets)
}
