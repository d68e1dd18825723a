package events

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/bakkot/transcribe-to-gdocs/internal/service/reconcile"
)

// MirrorAppender publishes each delta after the wrapped appender accepted it.
// Publish failures are logged and never fail the append.
// The event carries the epoch of the engine that produced the delta.
type MirrorAppender struct {
	next      reconcile.Appender
	publisher *Publisher
}

// NewMirrorAppender wraps next.
func NewMirrorAppender(next reconcile.Appender, p *Publisher) *MirrorAppender {
	return &MirrorAppender{next: next, publisher: p}
}

// Append implements reconcile.Appender.
func (m *MirrorAppender) Append(ctx context.Context, text string) error {
	if err := m.next.Append(ctx, text); err != nil {
		return err
	}
	if err := m.publisher.PublishDelta(ctx, reconcile.EpochFrom(ctx), text); err != nil {
		log.Warn().Err(err).Msg("Failed to mirror delta")
	}
	return nil
}
