// Package events publishes OTP audit events to an external stream so that
// other services can follow issuances and verifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jaayvee/otpgateway/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// Publisher publishes audit events.
type Publisher interface {
	Publish(ctx context.Context, e models.Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, models.Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// Redis PUBLISHes events as JSON to a Redis PubSub channel.
type Redis struct {
	client  *redis.Client
	channel string
}

// NewRedis returns a Redis PubSub publisher.
func NewRedis(client *redis.Client, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

// Publish implements Publisher.
func (r *Redis) Publish(ctx context.Context, e models.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, b).Err()
}

// Close is a no-op; the client is owned by the store.
func (r *Redis) Close() error {
	return nil
}

// KafkaConf contains the Kafka publisher configuration.
type KafkaConf struct {
	Brokers      []string      `json:"brokers"`
	Topic        string        `json:"topic"`
	BatchTimeout time.Duration `json:"batch_timeout"`
	Async        bool          `json:"async"`
}

// Kafka writes events to a Kafka topic, keyed by OTP ID so that the events
// of one OTP land on the same partition in order.
type Kafka struct {
	w *kafka.Writer
}

// NewKafka returns a Kafka publisher.
func NewKafka(c KafkaConf) (*Kafka, error) {
	if len(c.Brokers) == 0 || c.Topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic are required")
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}

	return &Kafka{
		w: &kafka.Writer{
			Addr:         kafka.TCP(c.Brokers...),
			Topic:        c.Topic,
			Balancer:     &kafka.Hash{},
			MaxAttempts:  3,
			BatchTimeout: c.BatchTimeout,
			RequiredAcks: kafka.RequireOne,
			Async:        c.Async,
		},
	}, nil
}

// Publish implements Publisher.
func (k *Kafka) Publish(ctx context.Context, e models.Event) error {
	msg, err := toMessage(e)
	if err != nil {
		return err
	}
	return k.w.WriteMessages(ctx, msg)
}

// Close flushes pending messages and closes the writer.
func (k *Kafka) Close() error {
	return k.w.Close()
}

func toMessage(e models.Event) (kafka.Message, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.ID),
		Value: b,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	}, nil
}
