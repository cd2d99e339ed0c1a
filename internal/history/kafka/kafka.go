// Package kafka publishes lifecycle transitions to a Kafka topic, keyed by
// bot name so one bot's transitions stay ordered within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/botvisor/botvisor/internal/history"
)

// Writer defines the subset of kafka.Writer used by the sink.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Sink struct {
	w     Writer
	topic string
}

// New builds a sink writing to topic on brokers.
func New(brokers []string, topic string) (*Sink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink: brokers required")
	}
	if topic == "" {
		return nil, errors.New("kafka sink: topic required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
	}
	return &Sink{w: w, topic: topic}, nil
}

// NewWithWriter wraps an existing writer.
func NewWithWriter(w Writer, topic string) *Sink {
	return &Sink{w: w, topic: topic}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(e.Transition.Bot),
		Value: b,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
			{Key: "run_id", Value: []byte(e.Transition.RunID)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka sink write %s: %w", s.topic, err)
	}
	return nil
}

func (s *Sink) Close() error { return s.w.Close() }
