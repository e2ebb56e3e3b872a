package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
)

type ProducerMetrics struct {
	Published      *prometheus.CounterVec
	PublishLatency prometheus.Histogram
}

func NewProducerMetrics(registry *prometheus.Registry) *ProducerMetrics {
	m := &ProducerMetrics{
		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotcore_trade_events_published_total",
				Help: "Trade event publish attempts by topic and status.",
			},
			[]string{"topic", "status"},
		),
		PublishLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "spotcore_trade_event_publish_seconds",
				Help:    "Trade event publish latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	registry.MustRegister(m.Published, m.PublishLatency)
	return m
}

// Publisher is the engine-facing surface for trade event delivery.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

// Options configures the trade event producer.
type Options struct {
	Brokers []string
	// Version is the Kafka protocol version, e.g. "3.7.0".
	Version      string
	RetryMax     int
	RetryBackoff time.Duration
	// DLQTopic receives a DeadLetter copy of every event that fails to
	// publish. Empty disables the fallback.
	DLQTopic string
}

// Producer delivers trade notifications through an idempotent sarama
// sync producer. A failed publish is copied to the dead-letter topic
// before the error is returned to the caller.
type Producer struct {
	producer sarama.SyncProducer
	dlqTopic string
	logger   *slog.Logger
	metrics  *ProducerMetrics
}

var _ Publisher = (*Producer)(nil)

func NewProducer(opts Options, logger *slog.Logger, metrics *ProducerMetrics) (*Producer, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	version := sarama.V3_7_0_0
	if opts.Version != "" {
		parsed, err := sarama.ParseKafkaVersion(opts.Version)
		if err != nil {
			return nil, fmt.Errorf("parse kafka version %q: %w", opts.Version, err)
		}
		version = parsed
	}

	cfg := sarama.NewConfig()
	cfg.Version = version
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	// Idempotence needs a single in-flight request per connection.
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	if opts.RetryMax > 0 {
		cfg.Producer.Retry.Max = opts.RetryMax
	}
	if opts.RetryBackoff > 0 {
		cfg.Producer.Retry.Backoff = opts.RetryBackoff
	}

	producer, err := sarama.NewSyncProducer(opts.Brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &Producer{
		producer: producer,
		dlqTopic: opts.DLQTopic,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

func (p *Producer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	default:
	}

	body, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal event: %w", err)
	}

	partition, offset, err := p.send(topic, key, body)
	if err == nil {
		return partition, offset, nil
	}

	p.deadLetter(topic, key, value, err)
	return 0, 0, fmt.Errorf("publish %s: %w", topic, err)
}

func (p *Producer) send(topic, key string, body []byte) (int32, int64, error) {
	start := time.Now()
	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(body),
	})
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.Published.WithLabelValues(topic, status).Inc()
		p.metrics.PublishLatency.Observe(time.Since(start).Seconds())
	}
	return partition, offset, err
}

func (p *Producer) deadLetter(topic, key string, value any, cause error) {
	if p.dlqTopic == "" {
		return
	}
	body, err := json.Marshal(NewDeadLetter(topic, key, value, cause))
	if err != nil {
		p.logger.Error("marshal dead letter", "topic", topic, "error", err)
		return
	}
	if _, _, err := p.send(p.dlqTopic, key, body); err != nil {
		p.logger.Error("dead letter publish failed", "topic", p.dlqTopic, "source_topic", topic, "error", err)
	}
}

func (p *Producer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
