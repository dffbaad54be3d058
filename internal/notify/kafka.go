package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"
)

// ConfirmationMessageType is the "type" header of published confirmations.
const ConfirmationMessageType = "registration-confirmed"

// producer is the part of *kafka.Producer the sink uses.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// KafkaSink publishes confirmations to a topic, keyed by registration id so
// every message of one registration lands on the same partition.
type KafkaSink struct {
	producer producer
	topic    string
	log      *logrus.Logger
}

// NewKafkaSink connects a producer to brokers (comma separated).
func NewKafkaSink(brokers, topic string, log *logrus.Logger) (*KafkaSink, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return &KafkaSink{producer: p, topic: topic, log: log}, nil
}

// Dispatch produces one message and waits for its delivery report.
func (s *KafkaSink) Dispatch(ctx context.Context, c Confirmation) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal confirmation: %w", err)
	}

	delivery := make(chan kafka.Event, 1)
	err = s.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &s.topic, Partition: kafka.PartitionAny},
		Key:            []byte(c.RegistrationID),
		Value:          body,
		Headers:        []kafka.Header{{Key: "type", Value: []byte(ConfirmationMessageType)}},
	}, delivery)
	if err != nil {
		return fmt.Errorf("produce: %w", err)
	}

	select {
	case e := <-delivery:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %v", e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery: %w", m.TopicPartition.Error)
		}
		s.log.WithFields(logrus.Fields{
			"registration_id": c.RegistrationID,
			"partition":       m.TopicPartition.Partition,
			"offset":          m.TopicPartition.Offset.String(),
		}).Debug("confirmation published")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes outstanding messages.
func (s *KafkaSink) Close() {
	if left := s.producer.Flush(5000); left > 0 {
		s.log.WithField("unflushed", left).Warn("kafka producer closed with pending messages")
	}
	s.producer.Close()
}
