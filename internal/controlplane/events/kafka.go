package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the subset of *kafka.Writer the forwarder uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a synchronous producer for the given brokers and topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	addrs := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// Forwarder mirrors bus events onto a Kafka topic, keyed by session or entity id
// so one session's events stay ordered within a partition.
type Forwarder struct {
	writer       MessageWriter
	logger       *zap.Logger
	writeTimeout time.Duration
	maxRetries   int
}

// NewForwarder creates a forwarder around a writer.
func NewForwarder(writer MessageWriter, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		writer:       writer,
		logger:       logger.Named("kafka-forwarder"),
		writeTimeout: 5 * time.Second,
		maxRetries:   3,
	}
}

// Run subscribes to the bus and forwards until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context, bus *Bus) {
	subID := "kafka-forwarder"
	ch := bus.Subscribe(subID)
	defer bus.Unsubscribe(subID)
	defer func() {
		if err := f.writer.Close(); err != nil {
			f.logger.Warn("close kafka writer", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := f.forward(ctx, evt); err != nil && ctx.Err() == nil {
				f.logger.Warn("event not forwarded",
					zap.String("type", string(evt.Type)),
					zap.String("key", evt.Key()),
					zap.Error(err),
				)
			}
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, evt Event) error {
	msg := kafka.Message{
		Key:     []byte(evt.Key()),
		Value:   evt.JSON(),
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(evt.Type)}},
		Time:    evt.Timestamp,
	}

	var err error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		writeCtx, cancel := context.WithTimeout(ctx, f.writeTimeout)
		err = f.writer.WriteMessages(writeCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		if !errors.Is(err, kafka.NotLeaderForPartition) && !errors.Is(err, kafka.LeaderNotAvailable) {
			return err
		}
	}
	return err
}
