package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/dune-sync/pkg/backoff"
	"github.com/YaganovValera/dune-sync/pkg/logger"
)

// Retry bounds used when sinks.kafka.backoff sets neither max_retries nor
// max_elapsed_time.
const (
	DefaultKafkaMaxRetries = 3
	DefaultKafkaMaxElapsed = 30 * time.Second
)

// KafkaConfig configures update notifications.
type KafkaConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	Brokers      []string       `mapstructure:"brokers"`
	Topic        string         `mapstructure:"topic"`
	RequiredAcks string         `mapstructure:"required_acks"` // all | leader | none
	Compression  string         `mapstructure:"compression"`   // none | gzip | snappy | lz4 | zstd
	Timeout      time.Duration  `mapstructure:"timeout"`
	Backoff      backoff.Config `mapstructure:"backoff"`
}

func (c *KafkaConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.Topic == "" {
		c.Topic = "dune.snapshots"
	}
	// зеркало не должно держать прогон: без явных лимитов повторы конечны
	if c.Backoff.MaxRetries == 0 && c.Backoff.MaxElapsedTime <= 0 {
		c.Backoff.MaxRetries = DefaultKafkaMaxRetries
		c.Backoff.MaxElapsedTime = DefaultKafkaMaxElapsed
	}
}

func (c KafkaConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("sinks.kafka.brokers is required")
	}
	c.applyDefaults()
	_, err := buildSaramaConfig(c)
	return err
}

// SnapshotEvent announces that a query's file was refreshed. The payload
// itself is not included, consumers read it from the file or the bucket.
type SnapshotEvent struct {
	QueryID     int64     `json:"query_id"`
	Name        string    `json:"name"`
	OutputPath  string    `json:"output_path"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Rows        int       `json:"rows"`
	Bytes       int       `json:"bytes"`
	SyncedAt    time.Time `json:"synced_at"`
}

// KafkaSink publishes a SnapshotEvent per written snapshot, keyed by query id.
type KafkaSink struct {
	prod  sarama.SyncProducer
	topic string
	bo    backoff.Config
	log   *logger.Logger
}

func NewKafkaSink(ctx context.Context, cfg KafkaConfig, log *logger.Logger) (*KafkaSink, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-sink")

	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	var prod sarama.SyncProducer
	connect := func(ctx context.Context) error {
		p, err := sarama.NewSyncProducer(cfg.Brokers, sc)
		if err != nil {
			return err
		}
		prod = p
		return nil
	}
	ctxConn, span := tracer.Start(ctx, "KafkaSink.Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers)))
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, connect); err != nil {
		span.RecordError(err)
		span.End()
		return nil, fmt.Errorf("kafka sink: connect: %w", err)
	}
	span.End()

	log.Info("kafka sink ready", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return newKafkaSinkWithProducer(otelsarama.WrapSyncProducer(sc, prod), cfg, log), nil
}

func newKafkaSinkWithProducer(p sarama.SyncProducer, cfg KafkaConfig, log *logger.Logger) *KafkaSink {
	cfg.applyDefaults()
	return &KafkaSink{prod: p, topic: cfg.Topic, bo: cfg.Backoff, log: log}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Write(ctx context.Context, s Snapshot) error {
	ctx, span := tracer.Start(ctx, "KafkaSink.Write", trace.WithAttributes(attribute.String("topic", k.topic)))
	defer span.End()

	value, err := json.Marshal(SnapshotEvent{
		QueryID:     s.Query.ID,
		Name:        s.Query.Name,
		OutputPath:  s.Query.OutputPath,
		ExecutionID: s.ExecutionID,
		Rows:        s.Rows,
		Bytes:       len(s.Payload),
		SyncedAt:    s.SyncedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("kafka sink: marshal event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(s.Query.ID, 10)),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/json")},
			{Key: []byte("query-name"), Value: []byte(s.Query.Name)},
		},
	}
	err = backoff.Execute(ctx, k.bo, k.log, func(context.Context) error {
		_, _, err := k.prod.SendMessage(msg)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("kafka sink: publish: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error { return k.prod.Close() }

var (
	acksByName = map[string]sarama.RequiredAcks{
		"all":    sarama.WaitForAll,
		"leader": sarama.WaitForLocal,
		"none":   sarama.NoResponse,
	}
	codecByName = map[string]sarama.CompressionCodec{
		"none":   sarama.CompressionNone,
		"gzip":   sarama.CompressionGZIP,
		"snappy": sarama.CompressionSnappy,
		"lz4":    sarama.CompressionLZ4,
		"zstd":   sarama.CompressionZSTD,
	}
)

func buildSaramaConfig(c KafkaConfig) (*sarama.Config, error) {
	acks, ok := acksByName[strings.ToLower(c.RequiredAcks)]
	if !ok {
		return nil, fmt.Errorf("kafka sink: invalid required_acks %q", c.RequiredAcks)
	}
	codec, ok := codecByName[strings.ToLower(c.Compression)]
	if !ok {
		return nil, fmt.Errorf("kafka sink: invalid compression %q", c.Compression)
	}

	sc := sarama.NewConfig()
	sc.ClientID = "dune-sync"
	sc.Producer.RequiredAcks = acks
	sc.Producer.Compression = codec
	sc.Producer.Timeout = c.Timeout
	// SyncProducer требует оба канала
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	// идемпотентность требует acks=all и одного in-flight запроса
	if acks == sarama.WaitForAll {
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	}
	return sc, nil
}
