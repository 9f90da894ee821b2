package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaAlerter publishes alerts as JSON keyed by user id, so one user's alerts
// stay ordered within a partition.
type KafkaAlerter struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaWriter builds a synchronous writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 250 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// NewKafkaAlerter creates an alerter over writer.
func NewKafkaAlerter(writer messageWriter) *KafkaAlerter {
	return &KafkaAlerter{writer: writer, timeout: 5 * time.Second}
}

func (k *KafkaAlerter) Alert(ctx context.Context, a models.OpsAlert) {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := publishJSON(ctx, k.writer, a.UserID, a); err != nil {
		slog.Error("KafkaAlerter.Alert: publish failed", "kind", a.Kind, "eventID", a.EventID, "error", err)
	}
}

func publishJSON(ctx context.Context, w messageWriter, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: body,
		Time:  time.Now().UTC(),
	})
}
