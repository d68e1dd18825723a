package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/bakkot/transcribe-to-gdocs/internal/config"
	"github.com/bakkot/transcribe-to-gdocs/internal/journal"
)

func writeSilence(t *testing.T, path string, samples, rate int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           make([]int, samples),
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	rules := filepath.Join(dir, "rules.yaml")
	src := "rules:\n  - pattern: objections\n    replace: OBJECTIONS\n"
	if err := os.WriteFile(rules, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Load()
	cfg.STT.Provider = "mock"
	cfg.STT.SampleRateHz = 1000
	cfg.Session.MaxLifetime = time.Minute
	cfg.Session.DrainGrace = 100 * time.Millisecond
	cfg.Reconcile.Interval = 20 * time.Millisecond
	cfg.Reconcile.Dedup = true
	cfg.Rules.Path = rules
	cfg.Backup.Path = filepath.Join(dir, "backup.txt")
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	cfg.Kafka.Enabled = false
	cfg.Audio.ChunkDuration = 10 * time.Millisecond
	cfg.Observability.HTTPAddr = ""
	cfg.Observability.LogLevel = "error"
	return cfg
}

func TestApplication_DryRunWithRecordedAudio(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	// 60 chunks of 10 samples: the mock emits one result every 5 chunks, which
	// plays the three scripted utterances exactly once.
	wavPath := filepath.Join(dir, "speech.wav")
	writeSilence(t, wavPath, 600, 1000)

	var out bytes.Buffer
	a := New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.Start(ctx, Options{AudioFile: wavPath, DryRun: true, Stdout: &out}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	a.Shutdown()

	want := " the quick brown fox jumps we should move on to the next item. any OBJECTIONS?"
	if out.String() != want {
		t.Errorf("unexpected transcript\n got: %q\nwant: %q", out.String(), want)
	}

	backup, err := os.ReadFile(cfg.Backup.Path)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(backup)), "\n")
	if len(lines) != 3 || lines[2] != "any objections?" {
		t.Errorf("unexpected backup %q", backup)
	}

	store, err := journal.Open(context.Background(), cfg.Journal.Path, "reader")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer store.Close()
	entries, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 3 || entries[0].RunID != a.RunID {
		t.Errorf("unexpected journal entries %+v", entries)
	}
}

func TestApplication_StartFailsWithoutRules(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Rules.Path = filepath.Join(dir, "missing.yaml")

	a := New(cfg)
	defer a.Shutdown()

	err := a.Start(context.Background(), Options{DryRun: true, Stdout: &bytes.Buffer{}})
	if err == nil || !strings.Contains(err.Error(), "load replacement rules") {
		t.Errorf("expected rule load failure, got %v", err)
	}
}

func TestApplication_StartRequiresDocument(t *testing.T) {
	a := New(testConfig(t, t.TempDir()))
	defer a.Shutdown()

	if err := a.Start(context.Background(), Options{Stdout: &bytes.Buffer{}}); err == nil {
		t.Error("expected error without a document ID")
	}
}
