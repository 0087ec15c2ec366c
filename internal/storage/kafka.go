package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-candle-pipeline/internal/config"
	"github.com/johnayoung/go-candle-pipeline/internal/models"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the sink uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes every row as one JSON message keyed by asset, so all
// rows of an asset land on the same partition. The destination table travels
// in the "table" header.
type KafkaSink struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// NewKafkaSink creates a sink writing to cfg.Topic
func NewKafkaSink(cfg config.KafkaConfig, logger *slog.Logger) (*KafkaSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, NewStorageError("open", "", "", fmt.Errorf("kafka brokers and topic are required"))
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
		Compression:  kafka.Zstd,
	}
	return newKafkaSink(w, cfg.Topic, logger), nil
}

func newKafkaSink(w messageWriter, topic string, logger *slog.Logger) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic, logger: logger}
}

// InsertBatch publishes rows with a single WriteMessages call
func (k *KafkaSink) InsertBatch(ctx context.Context, table models.Table, rows []models.StorageRow) error {
	if len(rows) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(rows))
	for _, r := range rows {
		payload, err := json.Marshal(r)
		if err != nil {
			return NewInsertError(table.Name, fmt.Errorf("encode row %s@%d: %w", r.ID, r.StartTime, err))
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(r.ID),
			Value:   payload,
			Time:    r.InsertedAt,
			Headers: []kafka.Header{{Key: "table", Value: []byte(table.Name)}},
		})
	}

	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return NewStorageError("insert", table.Name, k.topic, err)
	}
	return nil
}

// Close flushes and closes the writer
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

var _ Sink = (*KafkaSink)(nil)
