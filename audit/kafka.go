package audit

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/sfgrid-tech/sfgrid/core/logger"
)

// KafkaAppender exports audit events to a Kafka topic so that external
// compliance tooling can consume the trail.
type KafkaAppender struct {
	writer *kafka.Writer
}

// NewKafkaAppender creates an appender writing to the given brokers and topic.
func NewKafkaAppender(brokers []string, topic string) *KafkaAppender {
	return &KafkaAppender{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 100 * time.Millisecond,
			Async:        true,
		},
	}
}

// Append implements Appender. Writes are asynchronous; a failed export is
// logged and dropped, it never stalls the dispatch pipeline.
func (k *KafkaAppender) Append(ctx context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		logger.FromContext(ctx).Errorln("audit: marshal event:", err)
		return
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(string(event.Kind)),
		Value: value,
	})
	if err != nil {
		logger.FromContext(ctx).Errorln("audit: kafka export:", err)
	}
}

// Close flushes and closes the underlying writer.
func (k *KafkaAppender) Close() error {
	return k.writer.Close()
}
