// Package kafka publishes observer events to a Kafka topic. It is the alternative to the
// RabbitMQ mirror when OBSERVER_BROKER=kafka.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// Producer writes keyed JSON messages to a single topic.
type Producer struct {
	writer *kafkago.Writer
	topic  string
}

// NewProducer creates a writer for the comma separated broker list.
func NewProducer(brokers, topic string) (*Producer, error) {
	addrs := splitBrokers(brokers)
	if len(addrs) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errors.New("kafka: topic is required")
	}

	logger := log.New(os.Stdout, "kafka-writer: ", 0)
	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		ErrorLogger:  kafkago.LoggerFunc(logger.Printf),
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafkago.RequireOne,
	}
	return &Producer{writer: writer, topic: topic}, nil
}

// Publish writes body as JSON under key. Messages with the same key land on the same partition.
func (p *Producer) Publish(ctx context.Context, key string, body interface{}) error {
	value, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
	})
}

// Topic returns the destination topic.
func (p *Producer) Topic() string {
	return p.topic
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func splitBrokers(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
