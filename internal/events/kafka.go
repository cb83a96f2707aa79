package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher streams events to a Kafka topic keyed by outcome id, so
// all events of one outcome land on one partition in commit order.
//
// Publish only enqueues. A background loop writes batches; when the queue
// is full events are dropped and logged rather than stalling trading.
type KafkaPublisher struct {
	writer messageWriter
	queue  chan kafka.Message
	done   chan struct{}
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
// Call Run in a goroutine and Close on shutdown.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return newKafkaPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}, 1024)
}

func newKafkaPublisher(w messageWriter, buffer int) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		queue:  make(chan kafka.Message, buffer),
		done:   make(chan struct{}),
	}
}

func (p *KafkaPublisher) Publish(_ context.Context, evs ...Event) {
	for _, e := range evs {
		value, err := json.Marshal(e)
		if err != nil {
			slog.Error("kafka: marshal event", "type", e.Type, "err", err)
			continue
		}
		msg := kafka.Message{Key: []byte(e.OutcomeID), Value: value, Time: e.At}
		select {
		case p.queue <- msg:
		default:
			slog.Warn("kafka: queue full, dropping event", "type", e.Type, "outcome", e.OutcomeID)
		}
	}
}

// Run drains the queue until ctx is cancelled or Close is called.
func (p *KafkaPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case msg := <-p.queue:
			batch := []kafka.Message{msg}
		drain:
			for len(batch) < 100 {
				select {
				case m := <-p.queue:
					batch = append(batch, m)
				default:
					break drain
				}
			}
			if err := p.writer.WriteMessages(ctx, batch...); err != nil {
				slog.Error("kafka: write events", "count", len(batch), "err", err)
			}
		}
	}
}

// Close stops Run and closes the writer.
func (p *KafkaPublisher) Close() error {
	close(p.done)
	return p.writer.Close()
}
