package kafkarepo

import (
	"context"
	"encoding/json"
	"fmt"

	"funding-service/internal/models"

	"github.com/segmentio/kafka-go"
)

type FundingEventRepository struct {
	writer *kafka.Writer
}

func NewFundingEventRepository(writer *kafka.Writer) *FundingEventRepository {
	return &FundingEventRepository{
		writer: writer,
	}
}

// PublishFunded sends a funded event to Kafka for notification collaborators
// (email/SMS). Delivery failure never rolls back the committed credit.
func (r *FundingEventRepository) PublishFunded(ctx context.Context, event models.FundedEvent) error {
	msgBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal funded event: %w", err)
	}

	// Use customerID as key to guarantee ordering of events for the same wallet
	err = r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.CustomerID),
		Value: msgBytes,
	})

	if err != nil {
		return fmt.Errorf("failed to write funded event to kafka: %w", err)
	}

	return nil
}
