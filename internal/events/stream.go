package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	dErrors "dunning/pkg/domain-errors"
)

// Producer is the subset of *kgo.Client the stream publisher needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// StreamPublisher forwards every event to a Kafka topic for the retailer
// notification layer. Records are keyed by invoice so a consumer sees one
// invoice's transitions in order.
type StreamPublisher struct {
	producer Producer
	topic    string
}

func NewStreamPublisher(producer Producer, topic string) *StreamPublisher {
	return &StreamPublisher{producer: producer, topic: topic}
}

func (p *StreamPublisher) Handle(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(evt.InvoiceID.String()),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(evt.Type)},
			{Key: "event_id", Value: []byte(evt.ID.String())},
		},
	}
	if err := p.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTransientDependency, "publish event to stream")
	}
	return nil
}
