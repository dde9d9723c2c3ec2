package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// ReconciledEvent is published when a ghost entity is accepted by the
// reconciliation server for the first time, so downstream consumers
// (billing, analytics) see offline rides alongside online ones.
type ReconciledEvent struct {
	EntityType string    `json:"entity_type"`
	LocalID    string    `json:"local_id"`
	ServerID   string    `json:"server_id"`
	ReceivedAt time.Time `json:"received_at"`
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishReconciled(ev ReconciledEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(ev)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.LocalID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
