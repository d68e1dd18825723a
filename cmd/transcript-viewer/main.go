// Command transcript-viewer shows the live transcript in a browser. It consumes
// the transcriber's Kafka topics and relays every event over WebSocket.
package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/bakkot/transcribe-to-gdocs/internal/observability/logging"
	"github.com/bakkot/transcribe-to-gdocs/internal/viewer"
)

//go:embed static/*
var staticFiles embed.FS

func main() {
	addr := flag.String("addr", ":8081", "HTTP listen address")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topicDelta := flag.String("topic-delta", "transcript.delta", "Committed delta topic")
	topicFinal := flag.String("topic-final", "transcript.final", "Settled utterance topic")
	lookback := flag.Duration("lookback", time.Hour, "Replay messages published within this window")
	flag.Parse()

	cfg := logging.DefaultConfig()
	cfg.Format = "console"
	logging.Init(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := viewer.NewHub()
	go hub.Run(ctx)

	brokerList := strings.Split(*brokers, ",")
	for _, topic := range []string{*topicDelta, *topicFinal} {
		go viewer.Consume(ctx, viewer.NewReader(ctx, brokerList, topic, *lookback), hub, time.Second)
	}

	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load static files")
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/ws", hub)
	r.Handle("/*", http.FileServer(http.FS(staticFS)))

	srv := &http.Server{Addr: *addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("addr", *addr).
		Strs("brokers", brokerList).
		Strs("topics", []string{*topicDelta, *topicFinal}).
		Msg("Transcript viewer starting")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Server error")
		os.Exit(1)
	}
}
