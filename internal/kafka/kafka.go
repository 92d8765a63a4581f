package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"listing-analytics/internal/model"
)

// NewWriter returns a kafka-go writer keyed by listing id, so one listing's
// events land on one partition.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 50 * time.Millisecond,
		BatchSize:    100,
	}
}

// NewReader constructs a reader bound to a consumer group. Offsets are
// committed explicitly after a batch is stored.
func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:         brokers,
		Topic:           topic,
		GroupID:         group,
		MinBytes:        1e4,
		MaxBytes:        10e6,
		StartOffset:     kafka.FirstOffset,
		ReadLagInterval: 5 * time.Second,
		MaxWait:         time.Second,
	})
}

// MessageWriter is the subset of *kafka.Writer used by Sink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Sink publishes tracked events to a topic. A batch is written with one
// synchronous call; any failure fails the whole batch.
type Sink struct {
	w MessageWriter
}

// NewSink wraps a writer.
func NewSink(w MessageWriter) *Sink {
	return &Sink{w: w}
}

// AppendEvents encodes each event as JSON keyed by listing id.
func (s *Sink) AppendEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, evt := range events {
		msg, err := EncodeEvent(evt)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := s.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d events: %w", len(msgs), err)
	}
	return nil
}

// EncodeEvent builds the wire message for one event.
func EncodeEvent(evt model.Event) (kafka.Message, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event %s: %w", evt.ID, err)
	}
	return kafka.Message{
		Key:   []byte(evt.ListingID),
		Value: payload,
		Time:  evt.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
		},
	}, nil
}

// DecodeEvent parses a message written by EncodeEvent.
func DecodeEvent(msg kafka.Message) (model.Event, error) {
	var evt model.Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return model.Event{}, fmt.Errorf("decode event at offset %d: %w", msg.Offset, err)
	}
	if evt.ListingID == "" {
		return model.Event{}, fmt.Errorf("event at offset %d has no listing id", msg.Offset)
	}
	if _, err := model.ParseEventType(string(evt.EventType)); err != nil {
		return model.Event{}, fmt.Errorf("event at offset %d: %w", msg.Offset, err)
	}
	return evt, nil
}
