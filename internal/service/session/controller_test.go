package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bakkot/transcribe-to-gdocs/internal/models"
	"github.com/bakkot/transcribe-to-gdocs/internal/observability/metrics"
	"github.com/bakkot/transcribe-to-gdocs/internal/service/reconcile"
	"github.com/bakkot/transcribe-to-gdocs/internal/service/stt"
	"github.com/bakkot/transcribe-to-gdocs/internal/service/stt/mock"
)

// fakeAdapter records audio and exposes the callback it was started with.
type fakeAdapter struct {
	mu     sync.Mutex
	cb     stt.Callback
	chunks []string
	closed bool
}

func (a *fakeAdapter) Start(ctx context.Context, cb stt.Callback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cb = cb
	return nil
}

func (a *fakeAdapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chunks = append(a.chunks, string(audio))
	return nil
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *fakeAdapter) Chunks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.chunks...)
}

func (a *fakeAdapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *fakeAdapter) Callback() stt.Callback {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cb
}

// fakeFactory hands out fakeAdapters and remembers them.
type fakeFactory struct {
	mu       sync.Mutex
	adapters []*fakeAdapter
	err      error
}

func (f *fakeFactory) New(ctx context.Context) (stt.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	a := &fakeAdapter{}
	f.adapters = append(f.adapters, a)
	return a, nil
}

func (f *fakeFactory) Adapter(i int) *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.adapters) {
		return nil
	}
	return f.adapters[i]
}

func (f *fakeFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adapters)
}

type recordingAppender struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (a *recordingAppender) Append(ctx context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, text)
	return a.err
}

func (a *recordingAppender) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type recordingArchiver struct {
	mu    sync.Mutex
	texts []string
}

func (a *recordingArchiver) Name() string { return "test" }

func (a *recordingArchiver) Archive(ctx context.Context, u models.Utterance) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, u.Text)
	return nil
}

func testConfig() Config {
	return Config{
		RunID:        "run",
		MaxLifetime:  time.Hour,
		DrainGrace:   20 * time.Millisecond,
		TickInterval: 5 * time.Millisecond,
		Margin:       reconcile.Margin{},
	}
}

func newTestController(cfg Config, f *fakeFactory, app reconcile.Appender, archivers ...reconcile.Archiver) (*Controller, *metrics.Metrics) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	return NewController(cfg, f.New, app, archivers, m), m
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func startController(t *testing.T, c *Controller) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return cancel, done
}

func TestController_BufferedChunksFlushInOrder(t *testing.T) {
	f := &fakeFactory{}
	c, m := newTestController(testConfig(), f, &recordingAppender{})

	for _, chunk := range []string{"c1", "c2", "c3"} {
		if err := c.Feed([]byte(chunk)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := c.Status().BufferedChunks; got != 3 {
		t.Fatalf("expected 3 buffered chunks, got %d", got)
	}
	if got := testutil.ToFloat64(m.AudioChunksBuffered); got != 3 {
		t.Errorf("expected buffered gauge 3, got %v", got)
	}

	cancel, done := startController(t, c)
	defer func() { cancel(); <-done }()
	eventually(t, func() bool { return c.Status().State == "ACTIVE" }, "session never became active")

	if err := c.Feed([]byte("c4")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := f.Adapter(0).Chunks()
	want := []string{"c1", "c2", "c3", "c4"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if c.Status().BufferedChunks != 0 {
		t.Errorf("expected buffer cleared, got %d", c.Status().BufferedChunks)
	}
}

func TestController_BufferCopiesChunks(t *testing.T) {
	f := &fakeFactory{}
	c, _ := newTestController(testConfig(), f, &recordingAppender{})

	chunk := []byte("ab")
	c.Feed(chunk)
	chunk[0] = 'x'

	cancel, done := startController(t, c)
	defer func() { cancel(); <-done }()
	eventually(t, func() bool { return c.Status().State == "ACTIVE" }, "session never became active")
	c.Feed([]byte("cd"))

	if got := f.Adapter(0).Chunks(); got[0] != "ab" {
		t.Errorf("expected buffered chunk to be copied, got %q", got[0])
	}
}

func TestController_RestartsOnLifetime(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLifetime = 20 * time.Millisecond
	f := &fakeFactory{}
	c, m := newTestController(cfg, f, &recordingAppender{})

	cancel, done := startController(t, c)
	defer func() { cancel(); <-done }()

	eventually(t, func() bool { return f.Count() >= 2 }, "session was never restarted")
	eventually(t, func() bool { return f.Adapter(0).Closed() }, "old session was never closed")
	if got := testutil.ToFloat64(m.SessionRestarts.WithLabelValues("lifetime")); got < 1 {
		t.Errorf("expected lifetime restart recorded, got %v", got)
	}
}

func TestController_DrainingSessionCommitsLateResults(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLifetime = 30 * time.Millisecond
	cfg.DrainGrace = time.Second
	f := &fakeFactory{}
	app := &recordingAppender{}
	backup := &recordingArchiver{}
	c, _ := newTestController(cfg, f, app, backup)

	cancel, done := startController(t, c)
	defer func() { cancel(); <-done }()

	eventually(t, func() bool { return f.Count() >= 2 }, "session was never restarted")

	// The recognizer settles buffered audio after half-close.
	f.Adapter(0).Callback().OnFinal("late final words", 0.9)

	eventually(t, func() bool {
		calls := app.Calls()
		return len(calls) == 1 && calls[0] == " late final words"
	}, "draining engine never committed the late final")
}

func TestController_ExpiryRestartsWithoutFailing(t *testing.T) {
	f := &fakeFactory{}
	c, m := newTestController(testConfig(), f, &recordingAppender{})

	cancel, done := startController(t, c)
	eventually(t, func() bool { return c.Status().State == "ACTIVE" }, "session never became active")

	f.Adapter(0).Callback().OnError(fmt.Errorf("%w: out of range", stt.ErrSessionExpired))

	eventually(t, func() bool { return f.Count() == 2 && c.Status().Epoch == 2 }, "expiry did not restart the session")
	if got := testutil.ToFloat64(m.SessionRestarts.WithLabelValues("expired")); got != 1 {
		t.Errorf("expected 1 expiry restart, got %v", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
}

func TestController_ExpiryOfDrainingSessionIgnored(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLifetime = 30 * time.Millisecond
	f := &fakeFactory{}
	c, m := newTestController(cfg, f, &recordingAppender{})

	cancel, done := startController(t, c)
	defer func() { cancel(); <-done }()
	eventually(t, func() bool { return f.Count() >= 2 }, "session was never restarted")

	f.Adapter(0).Callback().OnError(stt.ErrSessionExpired)
	time.Sleep(10 * time.Millisecond)

	if got := testutil.ToFloat64(m.SessionRestarts.WithLabelValues("expired")); got != 0 {
		t.Errorf("expected old epoch expiry to be ignored, got %v restarts", got)
	}
}

func TestController_UnexpectedErrorIsFatal(t *testing.T) {
	f := &fakeFactory{}
	c, _ := newTestController(testConfig(), f, &recordingAppender{})

	cancel, done := startController(t, c)
	defer cancel()
	eventually(t, func() bool { return c.Status().State == "ACTIVE" }, "session never became active")

	cause := errors.New("permission denied")
	f.Adapter(0).Callback().OnError(cause)

	select {
	case err := <-done:
		if !errors.Is(err, cause) {
			t.Errorf("expected fatal error wrapping cause, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after fatal error")
	}
}

func TestController_AppendFailureIsFatal(t *testing.T) {
	f := &fakeFactory{}
	app := &recordingAppender{err: errors.New("document deleted")}
	c, _ := newTestController(testConfig(), f, app)

	cancel, done := startController(t, c)
	defer cancel()
	eventually(t, func() bool { return c.Status().State == "ACTIVE" }, "session never became active")

	f.Adapter(0).Callback().OnFinal("hello", 0.9)

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected append failure to stop the controller")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after append failure")
	}
}

func TestController_FactoryErrorIsFatal(t *testing.T) {
	f := &fakeFactory{err: errors.New("no credentials")}
	c, _ := newTestController(testConfig(), f, &recordingAppender{})

	if err := c.Run(context.Background()); err == nil {
		t.Error("expected factory error")
	}
}

func TestController_ShutdownFlushesPending(t *testing.T) {
	f := &fakeFactory{}
	app := &recordingAppender{}
	cfg := testConfig()
	cfg.TickInterval = time.Hour
	c, _ := newTestController(cfg, f, app)

	cancel, done := startController(t, c)
	eventually(t, func() bool { return c.Status().State == "ACTIVE" }, "session never became active")

	f.Adapter(0).Callback().OnFinal("goodbye everyone", 0.9)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := app.Calls()
	if len(calls) != 1 || calls[0] != " goodbye everyone" {
		t.Errorf("expected final tick on shutdown, got %q", calls)
	}
	if !f.Adapter(0).Closed() {
		t.Error("expected session closed on shutdown")
	}
}

func (a *recordingArchiver) Texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.texts...)
}

func TestController_ShutdownSettlesFinalDeliveredOnClose(t *testing.T) {
	for i := 0; i < 20; i++ {
		factory := mock.NewFactory(mock.Options{Utterances: []mock.SimulatedUtterance{{
			Partials:   []string{"hello there"},
			Final:      "hello there friend",
			Confidence: 0.9,
		}}})
		app := &recordingAppender{}
		backup := &recordingArchiver{}
		m := metrics.NewMetrics(prometheus.NewRegistry())
		c := NewController(testConfig(), factory, app, []reconcile.Archiver{backup}, m)

		cancel, done := startController(t, c)
		eventually(t, func() bool { return c.Status().State == "ACTIVE" }, "session never became active")
		if err := c.Feed([]byte("frame")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("run %d: unexpected error: %v", i, err)
		}

		if got := strings.Join(app.Calls(), ""); got != " hello there friend" {
			t.Fatalf("run %d: expected %q appended, got %q", i, " hello there friend", got)
		}
		if texts := backup.Texts(); len(texts) != 1 || texts[0] != "hello there friend" {
			t.Fatalf("run %d: expected final archived, got %q", i, texts)
		}
	}
}

// finishingAdapter delivers its final asynchronously after Close, the way a
// streaming recognizer answers a half-close.
type finishingAdapter struct {
	fakeAdapter
	final string
	done  chan struct{}
}

func (a *finishingAdapter) Close() error {
	a.fakeAdapter.Close()
	cb := a.Callback()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cb.OnFinal(a.final, 0.9)
		close(a.done)
	}()
	return nil
}

func (a *finishingAdapter) Done() <-chan struct{} { return a.done }

func TestController_ShutdownWaitsForFinisher(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = time.Hour
	cfg.DrainGrace = 2 * time.Second
	adapter := &finishingAdapter{final: "closing remarks", done: make(chan struct{})}
	factory := func(ctx context.Context) (stt.Adapter, error) { return adapter, nil }
	app := &recordingAppender{}
	c := NewController(cfg, factory, app, nil, metrics.NewMetrics(prometheus.NewRegistry()))

	cancel, done := startController(t, c)
	eventually(t, func() bool { return c.Status().State == "ACTIVE" }, "session never became active")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calls := app.Calls(); len(calls) != 1 || calls[0] != " closing remarks" {
		t.Errorf("expected final delivered after close to be committed, got %q", calls)
	}
}

func TestController_EndOfAudioClosesWithoutReplacement(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLifetime = 50 * time.Millisecond
	f := &fakeFactory{}
	c, _ := newTestController(cfg, f, &recordingAppender{})

	cancel, done := startController(t, c)
	defer func() { cancel(); <-done }()
	eventually(t, func() bool { return c.Status().State == "ACTIVE" }, "session never became active")

	c.EndOfAudio()

	if !f.Adapter(0).Closed() {
		t.Error("expected session closed at end of audio")
	}
	time.Sleep(150 * time.Millisecond)
	if f.Count() != 1 {
		t.Errorf("expected no replacement session, got %d sessions", f.Count())
	}
	if got := c.Status().State; got != "IDLE" {
		t.Errorf("expected IDLE after end of audio, got %s", got)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "IDLE"},
		{StateActive, "ACTIVE"},
		{StateDraining, "DRAINING"},
		{State(9), "UNKNOWN(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
