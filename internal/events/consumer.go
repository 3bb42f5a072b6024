package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const fetchRetryDelay = time.Second

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads lifecycle events from Kafka and hands each to a Publisher (the audit trail in
// the worker). Offsets are committed after the handler returns, so delivery is at-least-once.
type KafkaConsumer struct {
	reader  messageReader
	handler Publisher
	logger  *zap.Logger
}

// NewKafkaConsumer returns nil when brokers or topic are empty.
func NewKafkaConsumer(brokers []string, topic, groupID string, handler Publisher, logger *zap.Logger) *KafkaConsumer {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	return newKafkaConsumer(reader, handler, logger)
}

func newKafkaConsumer(r messageReader, handler Publisher, logger *zap.Logger) *KafkaConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaConsumer{reader: r, handler: handler, logger: logger}
}

// Run consumes until ctx is cancelled. Malformed messages are logged and skipped.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("events: kafka fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(fetchRetryDelay):
			}
			continue
		}
		c.handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Warn("events: kafka commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) {
	var e Event
	if err := json.Unmarshal(msg.Value, &e); err != nil || e.Type == "" {
		c.logger.Warn("events: skipping malformed message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return
	}
	hctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := c.handler.Publish(hctx, e); err != nil {
		c.logger.Warn("events: handler failed", zap.String("type", string(e.Type)), zap.String("account_id", e.AccountID), zap.Error(err))
	}
}
