package viewer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// NewReader reads partition 0 of topic without a consumer group, starting
// from messages published within lookback.
func NewReader(ctx context.Context, brokers []string, topic string, lookback time.Duration) *kafka.Reader {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	if err := reader.SetOffsetAt(ctx, time.Now().Add(-lookback)); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Failed to seek, reading from the start")
	}
	return reader
}

// Consume forwards every decodable message to hub until ctx is cancelled.
// Read errors are retried after retryDelay.
func Consume(ctx context.Context, r messageReader, hub *Hub, retryDelay time.Duration) {
	defer r.Close()

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("Kafka read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}

		var event Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			log.Warn().Err(err).Str("topic", msg.Topic).Msg("Skipping undecodable message")
			continue
		}

		log.Debug().
			Str("eventType", event.EventType).
			Int64("epoch", event.Epoch).
			Int("bytes", len(event.Text)).
			Msg("Received transcript event")
		hub.Publish(ctx, event)
	}
}
