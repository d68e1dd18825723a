package reconcile

import (
	"context"
	"strings"
	"sync"

	"github.com/bakkot/transcribe-to-gdocs/internal/models"
	"github.com/bakkot/transcribe-to-gdocs/internal/observability/metrics"
)

// Appender appends text to the end of the remote document.
// The sink is not idempotent; callers must not repeat a successful call.
type Appender interface {
	Append(ctx context.Context, text string) error
}

type epochKey struct{}

// WithEpoch returns a context carrying the session epoch whose engine produced
// the text being appended.
func WithEpoch(ctx context.Context, epoch int64) context.Context {
	return context.WithValue(ctx, epochKey{}, epoch)
}

// EpochFrom returns the epoch set by WithEpoch, or 0.
func EpochFrom(ctx context.Context) int64 {
	epoch, _ := ctx.Value(epochKey{}).(int64)
	return epoch
}

// AppenderFunc adapts a function to Appender.
type AppenderFunc func(ctx context.Context, text string) error

// Append calls f(ctx, text).
func (f AppenderFunc) Append(ctx context.Context, text string) error {
	return f(ctx, text)
}

// Archiver durably records settled utterances. Failures are contained by the
// engine and never stop reconciliation.
type Archiver interface {
	Name() string
	Archive(ctx context.Context, u models.Utterance) error
}

// DedupAppender drops the first word of a batch when it exactly repeats the last
// word appended. Utterances can abut with no punctuation in between and the
// recognizer sometimes hears the boundary word twice.
//
// The check is approximate: a word legitimately spoken twice across a batch
// boundary is dropped too, and a repeat that differs only in case or
// punctuation is kept.
//
// DedupAppender also serializes calls to next, since a draining epoch and the
// active epoch may append concurrently.
type DedupAppender struct {
	next    Appender
	metrics *metrics.Metrics

	mu       sync.Mutex
	lastWord string
}

// NewDedupAppender wraps next with duplicate-word suppression.
func NewDedupAppender(next Appender, m *metrics.Metrics) *DedupAppender {
	return &DedupAppender{next: next, metrics: m}
}

// Append forwards text minus a repeated leading word.
func (d *DedupAppender) Append(ctx context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	words := strings.Fields(text)
	if len(words) > 0 && d.lastWord != "" && words[0] == d.lastWord {
		d.metrics.RecordDuplicateDropped()
		words = words[1:]
		text = delta(words)
	}
	if len(words) == 0 {
		return nil
	}
	if err := d.next.Append(ctx, text); err != nil {
		return err
	}
	d.lastWord = words[len(words)-1]
	return nil
}

// ReplacingAppender applies a text transform just before the remote call.
type ReplacingAppender struct {
	next  Appender
	apply func(string) string
}

// NewReplacingAppender wraps next so every appended text passes through apply.
func NewReplacingAppender(next Appender, apply func(string) string) *ReplacingAppender {
	return &ReplacingAppender{next: next, apply: apply}
}

// Append transforms text and forwards it. Text that transforms to empty is dropped.
func (r *ReplacingAppender) Append(ctx context.Context, text string) error {
	text = r.apply(text)
	if text == "" {
		return nil
	}
	return r.next.Append(ctx, text)
}
