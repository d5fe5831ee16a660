package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink appends every event to the operator stream, keyed by subject so
// events of one saga stay ordered within a partition.
type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaSink(writer MessageWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Debug().Msgf(msg, args...)
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Error().Msgf(msg, args...)
		}),
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.SubjectID),
		Value: payload,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	})
}
