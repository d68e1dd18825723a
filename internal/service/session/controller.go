package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bakkot/transcribe-to-gdocs/internal/observability/logging"
	"github.com/bakkot/transcribe-to-gdocs/internal/observability/metrics"
	"github.com/bakkot/transcribe-to-gdocs/internal/service/reconcile"
	"github.com/bakkot/transcribe-to-gdocs/internal/service/stt"
)

// Config holds session lifecycle settings.
type Config struct {
	RunID string
	// MaxLifetime is how long a session stays open before it is replaced.
	MaxLifetime time.Duration
	// DrainGrace is how long a replaced session keeps reconciling.
	DrainGrace   time.Duration
	TickInterval time.Duration
	Margin       reconcile.Margin
}

// DefaultConfig returns the lifecycle settings used against Google Speech,
// whose streams are cut off after roughly 29 seconds of audio.
func DefaultConfig() Config {
	return Config{
		MaxLifetime:  14500 * time.Millisecond,
		DrainGrace:   10 * time.Second,
		TickInterval: reconcile.DefaultInterval,
		Margin:       reconcile.DefaultMargin,
	}
}

// Status is a snapshot of the controller for diagnostics.
type Status struct {
	RunID            string    `json:"runId"`
	Epoch            int64     `json:"epoch"`
	State            string    `json:"state"`
	SessionStartedAt time.Time `json:"sessionStartedAt"`
	BufferedChunks   int       `json:"bufferedChunks"`
	DrainingSessions int       `json:"drainingSessions"`
	Restarts         int       `json:"restarts"`
}

type epoch struct {
	id        int64
	adapter   stt.Adapter
	engine    *reconcile.Engine
	state     State
	startedAt time.Time
}

// Controller runs one recognition session at a time, replacing it on a timer.
// Audio fed while no session is open is buffered and replayed, in order, ahead
// of the next chunk.
type Controller struct {
	cfg       Config
	factory   stt.Factory
	appender  reconcile.Appender
	archivers []reconcile.Archiver
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	// feedMu serializes audio delivery with session swaps so no chunk is sent
	// to a session that is being closed.
	feedMu sync.Mutex

	mu        sync.Mutex
	ctx       context.Context
	current   *epoch
	live      map[int64]*epoch
	buffer    [][]byte
	nextEpoch int64
	restarts  int
	ended     bool

	fatal   chan error
	expired chan int64
	wg      sync.WaitGroup
}

// NewController creates a controller. Sessions are opened by Run.
func NewController(cfg Config, factory stt.Factory, appender reconcile.Appender, archivers []reconcile.Archiver, m *metrics.Metrics) *Controller {
	def := DefaultConfig()
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = def.MaxLifetime
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = def.DrainGrace
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	return &Controller{
		cfg:       cfg,
		factory:   factory,
		appender:  appender,
		archivers: archivers,
		metrics:   m,
		logger:    logging.WithRun(cfg.RunID).With().Str("component", "session").Logger(),
		ctx:       context.Background(),
		live:      make(map[int64]*epoch),
		fatal:     make(chan error, 1),
		expired:   make(chan int64, 1),
	}
}

// Feed forwards one audio chunk to the active session, first replaying any
// chunks buffered while no session was open. The chunk is copied if buffered.
func (c *Controller) Feed(chunk []byte) error {
	c.metrics.RecordAudioReceived(len(chunk))

	c.feedMu.Lock()
	defer c.feedMu.Unlock()

	c.mu.Lock()
	ep := c.current
	if ep == nil {
		c.buffer = append(c.buffer, bytes.Clone(chunk))
		n := len(c.buffer)
		c.mu.Unlock()
		c.metrics.SetBufferedChunks(n)
		return nil
	}
	deferred := c.buffer
	c.buffer = nil
	ctx := c.ctx
	c.mu.Unlock()

	if len(deferred) > 0 {
		c.metrics.SetBufferedChunks(0)
		c.logger.Debug().Int64("epoch", ep.id).Int("chunks", len(deferred)).Msg("Flushing deferred audio")
		for _, d := range deferred {
			if err := ep.adapter.SendAudio(ctx, d); err != nil {
				return fmt.Errorf("send deferred audio to epoch %d: %w", ep.id, err)
			}
		}
	}
	if err := ep.adapter.SendAudio(ctx, chunk); err != nil {
		return fmt.Errorf("send audio to epoch %d: %w", ep.id, err)
	}
	return nil
}

// Run opens the first session and keeps one open until ctx is cancelled or a
// fatal error occurs. Expected session expiry is never fatal.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	started := time.Now()
	defer c.shutdown()

	if err := c.open(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.MaxLifetime)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-c.fatal:
			return err

		case <-timer.C:
			if c.audioEnded() {
				continue
			}
			if err := c.restart(ctx, "lifetime", started); err != nil {
				return err
			}
			timer.Reset(c.cfg.MaxLifetime)

		case id := <-c.expired:
			if !c.isCurrent(id) {
				continue
			}
			if err := c.restart(ctx, "expired", started); err != nil {
				return err
			}
			timer.Reset(c.cfg.MaxLifetime)
		}
	}
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		RunID:          c.cfg.RunID,
		State:          StateIdle.String(),
		BufferedChunks: len(c.buffer),
		Restarts:       c.restarts,
	}
	if c.current != nil {
		s.Epoch = c.current.id
		s.State = c.current.state.String()
		s.SessionStartedAt = c.current.startedAt
	}
	for _, ep := range c.live {
		if ep.state == StateDraining {
			s.DrainingSessions++
		}
	}
	return s
}

// EndOfAudio closes the active session once the audio source is exhausted so
// the recognizer settles the last utterance. The session drains for the usual
// grace window and no replacement is opened.
func (c *Controller) EndOfAudio() {
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()

	if old := c.retire(); old != nil {
		c.logger.Info().Int64("epoch", old.id).Msg("Audio ended, draining last session")
	}
}

func (c *Controller) audioEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *Controller) isCurrent(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && c.current.id == id
}

// open starts a new epoch and makes it current.
func (c *Controller) open(ctx context.Context) error {
	c.mu.Lock()
	c.nextEpoch++
	id := c.nextEpoch
	c.mu.Unlock()

	adapter, err := c.factory(ctx)
	if err != nil {
		return fmt.Errorf("create session %d: %w", id, err)
	}

	engine := reconcile.New(reconcile.Config{
		RunID:   c.cfg.RunID,
		Epoch:   id,
		Margin:  c.cfg.Margin,
		OnError: func(err error) { c.onSessionError(id, err) },
	}, c.appender, c.archivers, c.metrics)

	// The stream outlives ctx: shutdown half-closes it and waits for the last
	// results instead of cancelling it.
	if err := adapter.Start(context.WithoutCancel(ctx), engine); err != nil {
		return fmt.Errorf("start session %d: %w", id, err)
	}

	ep := &epoch{id: id, adapter: adapter, engine: engine, state: StateActive, startedAt: time.Now()}

	c.mu.Lock()
	c.current = ep
	c.live[id] = ep
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runEngine(ctx, ep)

	c.metrics.RecordSessionStart(id)
	c.logger.Info().Int64("epoch", id).Msg("Recognition session started")
	return nil
}

// restart closes the current epoch, leaves it draining and opens the next one
// without waiting for the grace window.
func (c *Controller) restart(ctx context.Context, reason string, started time.Time) error {
	c.retire()

	c.mu.Lock()
	c.restarts++
	c.mu.Unlock()

	c.metrics.RecordRestart(reason)
	c.logger.Info().
		Str("reason", reason).
		Dur("elapsed", time.Since(started)).
		Msg("Restarting recognition session")

	return c.open(ctx)
}

// retire closes the current epoch and leaves it draining until DrainGrace
// passes. Feed buffers audio until the next epoch opens.
func (c *Controller) retire() *epoch {
	c.feedMu.Lock()
	c.mu.Lock()
	old := c.current
	c.current = nil
	if old != nil {
		old.state = StateDraining
	}
	c.mu.Unlock()

	if old != nil {
		if err := old.adapter.Close(); err != nil {
			c.logger.Warn().Err(err).Int64("epoch", old.id).Msg("Failed to close recognition session")
		}
	}
	c.feedMu.Unlock()

	if old == nil {
		return nil
	}
	c.metrics.RecordDrainStart()
	time.AfterFunc(c.cfg.DrainGrace, old.engine.Stop)
	return old
}

// runEngine drives one epoch's reconciliation until it is stopped, then runs a
// final tick so results delivered during the grace window are committed.
// Cancelling ctx does not end the engine; shutdown stops it after the adapter
// has been closed.
func (c *Controller) runEngine(ctx context.Context, ep *epoch) {
	defer c.wg.Done()

	err := ep.engine.Run(context.WithoutCancel(ctx), c.cfg.TickInterval)
	if err == nil {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.DrainGrace)
		err = ep.engine.Flush(flushCtx)
		cancel()
	}

	c.mu.Lock()
	draining := ep.state == StateDraining
	delete(c.live, ep.id)
	c.mu.Unlock()
	if draining {
		c.metrics.RecordDrainEnd()
		c.logger.Debug().Int64("epoch", ep.id).Msg("Recognition session drained")
	}

	if err == nil {
		return
	}
	if ctx.Err() != nil {
		c.logger.Error().Err(err).Int64("epoch", ep.id).Msg("Final flush failed during shutdown")
		return
	}
	c.reportFatal(fmt.Errorf("epoch %d: %w", ep.id, err))
}

func (c *Controller) onSessionError(id int64, err error) {
	if stt.IsExpired(err) {
		c.logger.Debug().Int64("epoch", id).Err(err).Msg("Recognition session expired")
		select {
		case c.expired <- id:
		default:
		}
		return
	}
	c.logger.Error().Int64("epoch", id).Err(err).Msg("Recognition session failed")
	c.reportFatal(fmt.Errorf("recognition session %d: %w", id, err))
}

func (c *Controller) reportFatal(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

// shutdown closes every session, waits up to DrainGrace for results the
// recognizers deliver on close, then stops the engines and waits for their
// final ticks.
func (c *Controller) shutdown() {
	c.feedMu.Lock()
	c.mu.Lock()
	c.current = nil
	eps := make([]*epoch, 0, len(c.live))
	for _, ep := range c.live {
		eps = append(eps, ep)
	}
	c.mu.Unlock()

	for _, ep := range eps {
		if err := ep.adapter.Close(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn().Err(err).Int64("epoch", ep.id).Msg("Failed to close recognition session")
		}
	}
	c.feedMu.Unlock()

	graceCtx, cancel := context.WithTimeout(context.Background(), c.cfg.DrainGrace)
	defer cancel()
	for _, ep := range eps {
		f, ok := ep.adapter.(stt.Finisher)
		if !ok {
			continue
		}
		select {
		case <-f.Done():
		case <-graceCtx.Done():
			c.logger.Warn().Int64("epoch", ep.id).Msg("Recognition session did not finish before shutdown")
		}
	}

	for _, ep := range eps {
		ep.engine.Stop()
	}
	c.wg.Wait()
}
