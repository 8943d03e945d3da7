package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// messageWriter is the slice of *kafka.Writer the dispatcher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcher writes events asynchronously, keyed by tenant so one
// tenant's events stay ordered within a partition.
type KafkaDispatcher struct {
	writer messageWriter
	log    *zap.Logger
}

func NewKafkaDispatcher(cfg KafkaConfig, log *zap.Logger) *KafkaDispatcher {
	log = log.Named("notification.kafka")
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  1,
		Async:        true,
		WriteTimeout: 5 * time.Second,
		Transport:    &kafka.Transport{ClientID: cfg.ClientID},
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warn("event delivery failed", zap.Int("messages", len(messages)), zap.Error(err))
			}
		},
	}
	return &KafkaDispatcher{writer: writer, log: log}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		d.log.Error("encode event", zap.String("event_type", evt.Type), zap.Error(err))
		return
	}

	headers := make([]kafka.Header, 0, len(evt.Headers)+1)
	headers = append(headers, kafka.Header{Key: "event_type", Value: []byte(evt.Type)})
	for k, v := range evt.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	msg := kafka.Message{
		Key:     []byte(evt.TenantID),
		Value:   payload,
		Headers: headers,
		Time:    evt.OccurredAt,
	}
	// Async writers return immediately; delivery errors surface in Completion.
	if err := d.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		d.log.Warn("enqueue event", zap.String("event_id", evt.ID), zap.String("event_type", evt.Type), zap.Error(err))
	}
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}
