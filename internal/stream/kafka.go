package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/userjourney/exit-intervention/pkg/event"
	"github.com/userjourney/exit-intervention/pkg/pipeline"
)

// ConsumerConfig configures the Kafka event source.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer reads raw behavioral events from Kafka and feeds them into
// the worker pool. Offsets are committed by the consumer group after
// ReadMessage returns, so an event handed to the pool is owned by the
// pipeline from then on.
type Consumer struct {
	reader *kafka.Reader
	pool   *pipeline.Pool
	dead   pipeline.DeadLetter
}

// NewConsumer creates a consumer. dead receives messages that cannot be
// decoded into events at all.
func NewConsumer(cfg ConsumerConfig, pool *pipeline.Pool, dead pipeline.DeadLetter) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("no kafka topic configured")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: reader, pool: pool, dead: dead}, nil
}

// Run consumes until ctx is cancelled. Blocking; call from its own
// goroutine.
func (c *Consumer) Run(ctx context.Context) error {
	logrus.Infof("kafka consumer started on topic %s", c.reader.Config().Topic)

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logrus.Warnf("kafka read error: %v", err)
			continue
		}

		var ev event.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			// Not even parseable as an event: dead-letter the shell so
			// the payload is not lost silently.
			logrus.Warnf("undecodable message at offset %d: %v", msg.Offset, err)
			c.dead.OnUnrecoverable(ctx, &event.Event{ID: string(msg.Key)}, err)
			continue
		}

		if err := c.pool.Ingest(ctx, &ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logrus.Warnf("cannot enqueue event %s: %v", ev.ID, err)
		}
	}
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
