// Package reconcile turns a stream of overlapping recognizer hypotheses into
// append-only text deltas for the remote document.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bakkot/transcribe-to-gdocs/internal/models"
	"github.com/bakkot/transcribe-to-gdocs/internal/observability/logging"
	"github.com/bakkot/transcribe-to-gdocs/internal/observability/metrics"
	"github.com/bakkot/transcribe-to-gdocs/internal/service/segment"
)

// DefaultInterval is the reconciliation tick interval.
const DefaultInterval = 1100 * time.Millisecond

// Config holds per-epoch engine settings.
type Config struct {
	RunID  string
	Epoch  int64
	Margin Margin
	// OnError receives terminal recognizer errors for this epoch.
	OnError func(error)
}

// Engine owns the pending queue and cursor of one session epoch.
//
// Hypotheses arrive from the recognizer goroutine through OnPartial/OnFinal and
// are only queued there. All cursor state is touched inside Reconcile, which
// never runs twice at once.
type Engine struct {
	cfg       Config
	appender  Appender
	archivers []Archiver
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	tracker   *segment.Tracker
	ids       *segment.Generator

	mu    sync.Mutex
	queue []models.Hypothesis

	busy   atomic.Bool
	cursor Cursor

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates an engine for one epoch.
func New(cfg Config, appender Appender, archivers []Archiver, m *metrics.Metrics) *Engine {
	return &Engine{
		cfg:       cfg,
		appender:  appender,
		archivers: archivers,
		metrics:   m,
		logger:    logging.WithEpoch(cfg.RunID, cfg.Epoch).With().Str("component", "reconcile").Logger(),
		tracker:   segment.NewTracker(),
		ids:       segment.New(),
		stop:      make(chan struct{}),
	}
}

// OnPartial implements stt.Callback.
func (e *Engine) OnPartial(text string) {
	e.OnHypothesis(models.Hypothesis{
		Kind:       e.tracker.Observe(false),
		Text:       text,
		Epoch:      e.cfg.Epoch,
		ReceivedAt: time.Now(),
	})
}

// OnFinal implements stt.Callback.
func (e *Engine) OnFinal(text string, confidence float64) {
	e.OnHypothesis(models.Hypothesis{
		Kind:       e.tracker.Observe(true),
		Text:       text,
		Epoch:      e.cfg.Epoch,
		ReceivedAt: time.Now(),
	})
}

// OnError implements stt.Callback.
func (e *Engine) OnError(err error) {
	if e.cfg.OnError != nil {
		e.cfg.OnError(err)
	}
}

// OnHypothesis enqueues an event. It never blocks on downstream work.
// An Update directly following a queued Update replaces it.
func (e *Engine) OnHypothesis(h models.Hypothesis) {
	e.metrics.RecordHypothesis(h.Kind.String())

	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.queue); h.Kind == models.HypothesisUpdate && n > 0 && e.queue[n-1].Kind == models.HypothesisUpdate {
		e.queue[n-1] = h
		return
	}
	e.queue = append(e.queue, h)
}

// Pending returns the number of queued events.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Cursor returns a copy of the cursor. Only meaningful between ticks.
func (e *Engine) Cursor() Cursor {
	return e.cursor
}

func (e *Engine) drain() []models.Hypothesis {
	e.mu.Lock()
	defer e.mu.Unlock()
	batch := e.queue
	e.queue = nil
	return batch
}

// Reconcile runs one tick. It reports false when the tick was skipped because
// another tick is in progress. A returned error comes from the remote append and
// is fatal.
func (e *Engine) Reconcile(ctx context.Context) (bool, error) {
	if !e.busy.CompareAndSwap(false, true) {
		e.metrics.RecordTick("skipped", 0)
		return false, nil
	}
	defer e.busy.Store(false)

	batch := e.drain()
	if len(batch) == 0 {
		e.metrics.RecordTick("empty", 0)
		return true, nil
	}

	start := time.Now()
	err := e.apply(ctx, batch)
	e.metrics.RecordTick("run", time.Since(start).Seconds())
	return true, err
}

// apply processes one drained batch. Deltas from the whole batch go out in a
// single remote call; every Finish is then archived.
func (e *Engine) apply(ctx context.Context, batch []models.Hypothesis) error {
	ctx, span := tracer.Start(ctx, "reconcile tick")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("session.epoch", e.cfg.Epoch),
		attribute.Int("reconcile.events", len(batch)),
	)

	var (
		out     strings.Builder
		settled []models.Utterance
		pending string
		open    bool
		words   int
	)

	for _, h := range batch {
		switch h.Kind {
		case models.HypothesisInit:
			e.cursor.Reset()
			pending, open = h.Text, true
		case models.HypothesisUpdate:
			pending, open = h.Text, true
		case models.HypothesisFinish:
			open = false
			final := strings.Fields(h.Text)
			if e.cursor.CommittedWords < len(final) {
				tail := final[e.cursor.CommittedWords:]
				out.WriteString(delta(tail))
				words += len(tail)
			}
			settled = append(settled, models.Utterance{
				ID:         e.ids.Next(fmt.Sprintf("%s-e%d", e.cfg.RunID, e.cfg.Epoch)),
				Epoch:      e.cfg.Epoch,
				Text:       h.Text,
				FinishedAt: h.ReceivedAt,
			})
			e.cursor.Reset()
			e.metrics.RecordUtterance()
		}
	}

	if open {
		hyp := strings.Fields(pending)
		e.cursor.clamp(hyp)
		if stable := e.cfg.Margin.stableWords(pending); stable > e.cursor.CommittedWords {
			out.WriteString(delta(hyp[e.cursor.CommittedWords:stable]))
			words += stable - e.cursor.CommittedWords
			e.cursor.advance(hyp, stable)
		}
	}

	var appendErr error
	if text := out.String(); text != "" {
		appendErr = e.append(ctx, text)
		if appendErr == nil {
			e.metrics.RecordCommit(words)
		}
	}

	for _, u := range settled {
		e.archive(ctx, u)
	}

	if appendErr != nil {
		span.RecordError(appendErr)
		span.SetStatus(codes.Error, appendErr.Error())
		return appendErr
	}
	return nil
}

func (e *Engine) append(ctx context.Context, text string) error {
	ctx, span := tracer.Start(ctx, "remote append",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("delta.bytes", len(text))))
	defer span.End()

	start := time.Now()
	err := e.appender.Append(WithEpoch(ctx, e.cfg.Epoch), text)
	e.metrics.RecordAppend(err, time.Since(start).Seconds())
	if err != nil {
		err = fmt.Errorf("append to document: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	e.logger.Debug().Str("delta", text).Msg("Committed delta")
	return nil
}

func (e *Engine) archive(ctx context.Context, u models.Utterance) {
	for _, a := range e.archivers {
		err := a.Archive(ctx, u)
		e.metrics.RecordArchive(a.Name(), err)
		if err != nil {
			e.logger.Error().Err(err).
				Str("archiver", a.Name()).
				Str("utteranceId", u.ID).
				Msg("Failed to archive utterance")
		}
	}
	e.logger.Info().Str("utteranceId", u.ID).Str("text", u.Text).Msg("Utterance settled")
}

// Stop ends Run without cancelling a tick that is in flight.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Run ticks every interval until ctx is cancelled, Stop is called or an append
// fails. time.Ticker drops ticks while a reconcile is still running.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.stop:
			return nil
		case <-ticker.C:
			if _, err := e.Reconcile(ctx); err != nil {
				return err
			}
		}
	}
}

// Flush runs one final tick, waiting for an in-progress tick to finish first.
func (e *Engine) Flush(ctx context.Context) error {
	for {
		ran, err := e.Reconcile(ctx)
		if ran || err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
