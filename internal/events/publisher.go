// Package events mirrors the transcript to Kafka: every committed delta and
// every settled utterance is published to its own topic.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/bakkot/transcribe-to-gdocs/internal/models"
	"github.com/bakkot/transcribe-to-gdocs/internal/observability/metrics"
)

const (
	EventTypeDelta = "transcript.delta"
	EventTypeFinal = "transcript.final"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes transcript events to separate Kafka topics.
type Publisher struct {
	writerDelta messageWriter
	writerFinal messageWriter
	runID       string
	source      string
	topicDelta  string
	topicFinal  string
	enabled     bool
	metrics     *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers    []string
	TopicDelta string
	TopicFinal string
	// Source identifies this process in message headers.
	Source  string
	RunID   string
	Enabled bool
}

// New creates a Kafka publisher. With Kafka disabled or no brokers configured
// it only logs events.
func New(cfg *Config, m *metrics.Metrics) *Publisher {
	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{enabled: false, metrics: m}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			runID:      cfg.RunID,
			source:     cfg.Source,
			topicDelta: cfg.TopicDelta,
			topicFinal: cfg.TopicFinal,
			enabled:    false,
			metrics:    m,
		}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicDelta", cfg.TopicDelta).
		Str("topicFinal", cfg.TopicFinal).
		Str("source", cfg.Source).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerDelta: newWriter(cfg.TopicDelta),
		writerFinal: newWriter(cfg.TopicFinal),
		runID:       cfg.RunID,
		source:      cfg.Source,
		topicDelta:  cfg.TopicDelta,
		topicFinal:  cfg.TopicFinal,
		enabled:     true,
		metrics:     m,
	}
}

// PublishDelta publishes text that was just appended to the document.
func (p *Publisher) PublishDelta(ctx context.Context, epoch int64, text string) error {
	event := models.TranscriptDelta{
		EventType: EventTypeDelta,
		RunID:     p.runID,
		Epoch:     epoch,
		Timestamp: time.Now().UnixMilli(),
		Text:      text,
	}
	return p.publish(ctx, p.writerDelta, p.topicDelta, EventTypeDelta, p.runID, event)
}

// PublishFinal publishes a settled utterance.
func (p *Publisher) PublishFinal(ctx context.Context, u models.Utterance) error {
	event := models.TranscriptFinal{
		EventType:   EventTypeFinal,
		RunID:       p.runID,
		Epoch:       u.Epoch,
		UtteranceID: u.ID,
		Timestamp:   u.FinishedAt.UnixMilli(),
		Text:        u.Text,
	}
	return p.publish(ctx, p.writerFinal, p.topicFinal, EventTypeFinal, p.runID, event)
}

// Name implements reconcile.Archiver.
func (p *Publisher) Name() string {
	return "kafka"
}

// Archive implements reconcile.Archiver.
func (p *Publisher) Archive(ctx context.Context, u models.Utterance) error {
	return p.PublishFinal(ctx, u)
}

// publish writes one event to a specific Kafka writer. Events share the run ID
// as key so a run's messages stay ordered within one partition.
func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("source", p.source).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	// If Kafka is disabled, just log
	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "source", Value: []byte(p.source)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerDelta != nil {
		if e := p.writerDelta.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing delta writer")
			err = e
		}
	}
	if p.writerFinal != nil {
		if e := p.writerFinal.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing final writer")
			err = e
		}
	}
	return err
}
