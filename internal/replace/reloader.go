package replace

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bakkot/transcribe-to-gdocs/internal/observability/logging"
	"github.com/bakkot/transcribe-to-gdocs/internal/observability/metrics"
)

// DefaultPollInterval is how often the rule file is re-read.
const DefaultPollInterval = 2 * time.Second

// Reloader keeps the last good Table for a rule file and polls the file for
// changes. A source that failed to compile is remembered and not retried until
// its content changes.
type Reloader struct {
	path     string
	interval time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	current atomic.Pointer[Table]

	mu       sync.Mutex
	lastGood [sha256.Size]byte
	lastBad  [sha256.Size]byte
	hasBad   bool
}

// NewReloader creates a reloader for path. Call Load before use.
func NewReloader(path string, interval time.Duration, m *metrics.Metrics) *Reloader {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Reloader{
		path:     path,
		interval: interval,
		metrics:  m,
		logger:   logging.WithComponent("replace"),
	}
}

// Load performs the initial load. Unlike later reloads, failure here is fatal
// to the caller.
func (r *Reloader) Load() error {
	src, err := os.ReadFile(r.path)
	if err != nil {
		r.metrics.RecordRuleReload("error", 0)
		return fmt.Errorf("read rules %s: %w", r.path, err)
	}
	t, err := Compile(src)
	if err != nil {
		r.metrics.RecordRuleReload("error", 0)
		return fmt.Errorf("load rules %s: %w", r.path, err)
	}

	r.mu.Lock()
	r.lastGood = sha256.Sum256(src)
	r.hasBad = false
	r.mu.Unlock()

	r.current.Store(t)
	r.metrics.RecordRuleReload("ok", t.Len())
	r.logger.Info().Str("path", r.path).Int("rules", t.Len()).Msg("Replacement rules loaded")
	return nil
}

// Reload re-reads the rule file. Unchanged sources and sources already known
// to be bad are skipped. On failure the previous table stays active.
func (r *Reloader) Reload() error {
	src, err := os.ReadFile(r.path)
	if err != nil {
		r.metrics.RecordRuleReload("error", 0)
		return fmt.Errorf("read rules %s: %w", r.path, err)
	}
	sum := sha256.Sum256(src)

	r.mu.Lock()
	defer r.mu.Unlock()
	if sum == r.lastGood || (r.hasBad && sum == r.lastBad) {
		return nil
	}

	t, err := Compile(src)
	if err != nil {
		r.lastBad = sum
		r.hasBad = true
		r.metrics.RecordRuleReload("error", 0)
		return fmt.Errorf("reload rules %s: %w", r.path, err)
	}

	r.lastGood = sum
	r.hasBad = false
	r.current.Store(t)
	r.metrics.RecordRuleReload("ok", t.Len())
	r.logger.Info().Int("rules", t.Len()).Msg("Replacement rules reloaded")
	return nil
}

// Run polls the rule file until ctx is cancelled. Reload failures are logged
// and never stop the loop.
func (r *Reloader) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Reload(); err != nil {
				r.logger.Error().Err(err).Msg("Replacement rule reload failed; keeping previous rules")
			}
		}
	}
}

// Apply runs the active table over text.
func (r *Reloader) Apply(text string) string {
	return r.current.Load().Apply(text)
}

// Table returns the active table.
func (r *Reloader) Table() *Table {
	return r.current.Load()
}
