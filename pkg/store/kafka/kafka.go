// Package kafka publishes saved transcripts and usage increments to Kafka
// topics using segmentio/kafka-go. Messages carry a JSON value, the session
// id as key and an eventType header.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MrWong99/voxnote/pkg/store"
)

// Event types sent in the eventType header.
const (
	EventTranscriptSaved = "transcript.saved"
	EventUsageRecorded   = "usage.recorded"
)

var _ store.Backend = (*Publisher)(nil)

// Config configures a [Publisher].
type Config struct {
	Brokers []string
	// Topic receives transcript records.
	Topic string
	// UsageTopic receives usage increments. Defaults to Topic + ".usage".
	UsageTopic string
}

// messageWriter is the subset of *kafka.Writer used by Publisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements [store.Backend] on top of two Kafka writers.
type Publisher struct {
	records messageWriter
	usage   messageWriter
	brokers []string
	dialer  *kafka.Dialer
}

// New builds a Publisher. Connections are opened lazily by the writers.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka store: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka store: topic is required")
	}
	if cfg.UsageTopic == "" {
		cfg.UsageTopic = cfg.Topic + ".usage"
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{Dial: dialer.DialFunc}

	slog.Info("kafka store initialised", "brokers", cfg.Brokers, "topic", cfg.Topic, "usage_topic", cfg.UsageTopic)
	return &Publisher{
		records: newWriter(cfg.Brokers, cfg.Topic, transport),
		usage:   newWriter(cfg.Brokers, cfg.UsageTopic, transport),
		brokers: cfg.Brokers,
		dialer:  dialer,
	}, nil
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// Save publishes rec to the transcript topic.
func (p *Publisher) Save(ctx context.Context, rec store.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	return p.publish(ctx, p.records, EventTranscriptSaved, rec.Provenance.SessionID, rec)
}

// RecordUsage publishes u to the usage topic.
func (p *Publisher) RecordUsage(ctx context.Context, u store.Usage) error {
	return p.publish(ctx, p.usage, EventUsageRecorded, u.SessionID, u)
}

func (p *Publisher) publish(ctx context.Context, w messageWriter, eventType, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kafka store: marshal %s: %w", eventType, err)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "source", Value: []byte(store.SourceVoxnote)},
		},
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		slog.Error("kafka store: write failed", "event", eventType, "key", key, "err", err)
		return fmt.Errorf("kafka store: write %s: %w", eventType, err)
	}
	return nil
}

// Ping dials the first reachable broker.
func (p *Publisher) Ping(ctx context.Context) error {
	var errs []error
	for _, b := range p.brokers {
		conn, err := p.dialer.DialContext(ctx, "tcp", b)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("kafka store: ping: %w", errors.Join(errs...))
}

// Close flushes and closes both writers.
func (p *Publisher) Close() error {
	var errs []error
	if err := p.records.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kafka store: close records writer: %w", err))
	}
	if err := p.usage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kafka store: close usage writer: %w", err))
	}
	return errors.Join(errs...)
}
