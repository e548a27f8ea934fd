package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"insiderwatch/internal/config"
	"insiderwatch/internal/normalize"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads producer lines from a topic. Offsets are committed
// after the event is handed to the recorder, so redelivery is possible and
// is absorbed by the recorder's dedupe window.
type KafkaConsumer struct {
	cfg    *config.Manager
	rec    Recorder
	logger *slog.Logger
	open   func(config.KafkaConfig) messageReader
}

func NewKafkaConsumer(cfg *config.Manager, rec Recorder, logger *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{cfg: cfg, rec: rec, logger: logger, open: openKafkaReader}
}

func openKafkaReader(c config.KafkaConfig) messageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.Brokers,
		Topic:    c.Topic,
		GroupID:  c.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
}

func (k *KafkaConsumer) Serve(ctx context.Context) error {
	current := k.cfg.Get().Ingest.Kafka
	if k.logger != nil {
		k.logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := k.open(current)
	defer reader.Close()
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if k.logger != nil {
				k.logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		k.handle(ctx, m.Value)
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil && k.logger != nil {
			k.logger.Warn("kafka commit error", "offset", m.Offset, "err", err)
		}
	}
}

func (k *KafkaConsumer) handle(ctx context.Context, value []byte) {
	fields, err := ParseLine(string(value))
	if err != nil || fields == nil {
		if err != nil && k.logger != nil {
			k.logger.Warn("kafka parse error", "err", err)
		}
		return
	}
	ev, err := normalize.Normalize(*fields, "kafka")
	if err != nil {
		if k.logger != nil {
			k.logger.Warn("kafka normalize error", "err", err)
		}
		return
	}
	if _, _, err := k.rec.RecordEvent(ctx, ev); err != nil && k.logger != nil {
		k.logger.Warn("kafka record error", "err", err)
	}
}

func (k *KafkaConsumer) String() string { return "ingest-kafka" }
