package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// DefaultTopic receives every custody notification.
const DefaultTopic = "custody_notifications"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes notifications as JSON to a Kafka topic, keyed by
// destination so one principal's events stay ordered.
type KafkaNotifier struct {
	writer messageWriter
}

// NewKafkaNotifier builds a notifier writing to topic on brokers.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
	}
}

func (n *KafkaNotifier) Send(ctx context.Context, message Message) error {
	data, err := json.Marshal(stamp(message))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(message.Destination),
		Value: data,
	})
}

// Close flushes pending writes.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
