package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/clearing-service/internal/domain"
	"github.com/transfa/clearing-service/pkg/rabbitmq"
)

const observerPublishTimeout = 5 * time.Second

// ObserverPublisher mirrors clearinghouse traffic to the back-office push channel.
type ObserverPublisher interface {
	PublishObservedEvent(ctx context.Context, event domain.ObservedEvent) error
}

// NewObservedEvent stamps an event with a fresh id.
func NewObservedEvent(bankID, eventType, movementID string, data json.RawMessage, detail string, now time.Time) domain.ObservedEvent {
	return domain.ObservedEvent{
		EventID:    uuid.NewString(),
		Type:       eventType,
		BankID:     bankID,
		MovementID: movementID,
		Data:       data,
		Detail:     detail,
		OccurredAt: now.UTC(),
	}
}

// RabbitObserver publishes to a topic exchange using the event type as routing key.
type RabbitObserver struct {
	producer rabbitmq.Publisher
	exchange string
}

func NewRabbitObserver(producer rabbitmq.Publisher, exchange string) *RabbitObserver {
	return &RabbitObserver{producer: producer, exchange: exchange}
}

func (o *RabbitObserver) PublishObservedEvent(ctx context.Context, event domain.ObservedEvent) error {
	return o.producer.Publish(ctx, o.exchange, event.Type, event)
}

// KeyedPublisher writes a message under a partitioning key.
type KeyedPublisher interface {
	Publish(ctx context.Context, key string, body interface{}) error
}

// KafkaObserver publishes to a Kafka topic keyed by movement id so one movement stays ordered.
type KafkaObserver struct {
	producer KeyedPublisher
}

func NewKafkaObserver(producer KeyedPublisher) *KafkaObserver {
	return &KafkaObserver{producer: producer}
}

func (o *KafkaObserver) PublishObservedEvent(ctx context.Context, event domain.ObservedEvent) error {
	key := event.MovementID
	if key == "" {
		key = event.BankID
	}
	return o.producer.Publish(ctx, key, event)
}

// LogObserver is used when no broker is configured.
type LogObserver struct{}

func (LogObserver) PublishObservedEvent(ctx context.Context, event domain.ObservedEvent) error {
	log.Printf("level=info component=observer mode=log msg=\"event observed\" type=%s movement_id=%s detail=%q", event.Type, event.MovementID, event.Detail)
	return nil
}

func publishObserved(observer ObserverPublisher, event domain.ObservedEvent) {
	if observer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), observerPublishTimeout)
	defer cancel()
	if err := observer.PublishObservedEvent(ctx, event); err != nil {
		log.Printf("level=warn component=observer msg=\"observer publish failed\" type=%s movement_id=%s err=%v", event.Type, event.MovementID, err)
	}
}
