package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agrolink/realtime/internal/database"
	"github.com/agrolink/realtime/internal/types"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, n database.Notification) error
	Close() error
}

// Sink stores notifications and fans them out to the configured publisher.
// The stored record is authoritative; a failed publish is only logged.
type Sink struct {
	log   *zap.Logger
	store database.NotificationStore
	pub   Publisher
}

func NewSink(logger *zap.Logger, store database.NotificationStore, pub Publisher) *Sink {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Sink{log: logger, store: store, pub: pub}
}

func (s *Sink) Create(ctx context.Context, params database.CreateNotificationParams) (database.Notification, error) {
	n, err := s.store.CreateNotification(ctx, params)
	if err != nil {
		return database.Notification{}, fmt.Errorf("create notification: %w", err)
	}

	if err := s.pub.Publish(ctx, n); err != nil {
		s.log.Warn("publish notification",
			zap.String("notification_id", n.Id),
			zap.String("recipient_id", n.RecipientId),
			zap.Error(err),
		)
	}
	return n, nil
}

func (s *Sink) Close() error {
	return s.pub.Close()
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, database.Notification) error { return nil }

func (NopPublisher) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each notification as JSON keyed by recipient id, so
// one recipient's notifications land on one partition in order.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			WriteTimeout:           10 * time.Second,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

func (k *KafkaPublisher) Publish(ctx context.Context, n database.Notification) error {
	value, err := json.Marshal(ToWire(n))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.RecipientId),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(n.Type)},
		},
	})
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

func ToWire(n database.Notification) types.Notification {
	return types.Notification{
		Id:          n.Id,
		RecipientId: n.RecipientId,
		SenderId:    n.SenderId,
		Type:        n.Type,
		Message:     n.Message,
		Link:        n.Link,
		Read:        n.Read,
		CreatedAt:   n.CreatedAt,
	}
}
