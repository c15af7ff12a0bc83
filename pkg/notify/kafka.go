package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Mindburn-Labs/helm/guard/pkg/store"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the lifecycle event publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher publishes a StateChange per notification, keyed by request ID
// so that one request's events stay ordered within a partition.
type KafkaPublisher struct {
	writer kafkaWriter
	store  store.Store
	log    *slog.Logger
	clock  func() time.Time
}

func NewKafkaPublisher(cfg KafkaConfig, st store.Store) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	log := slog.Default().With("component", "kafka_publisher")
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Warn("lifecycle events not delivered", "count", len(msgs), "error", err)
			}
		},
	}
	return newKafkaPublisher(w, st, log), nil
}

func newKafkaPublisher(w kafkaWriter, st store.Store, log *slog.Logger) *KafkaPublisher {
	if log == nil {
		log = slog.Default().With("component", "kafka_publisher")
	}
	return &KafkaPublisher{writer: w, store: st, log: log, clock: time.Now}
}

// Notify implements Notifier.
func (p *KafkaPublisher) Notify(ctx context.Context, requestID string, ev Event) {
	r, err := p.store.GetByID(ctx, requestID)
	if err != nil {
		p.log.Debug("skipping event for unreadable request", "request_id", requestID, "error", err)
		return
	}
	b, err := json.Marshal(NewStateChange(ev, r, p.clock()))
	if err != nil {
		return
	}
	msg := kafka.Message{
		Key:   []byte(requestID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(ev)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Warn("publish lifecycle event failed", "request_id", requestID, "event", ev, "error", err)
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
