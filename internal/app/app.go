package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/bakkot/transcribe-to-gdocs/internal/backup"
	"github.com/bakkot/transcribe-to-gdocs/internal/capture"
	"github.com/bakkot/transcribe-to-gdocs/internal/config"
	"github.com/bakkot/transcribe-to-gdocs/internal/docs"
	"github.com/bakkot/transcribe-to-gdocs/internal/events"
	"github.com/bakkot/transcribe-to-gdocs/internal/journal"
	"github.com/bakkot/transcribe-to-gdocs/internal/observability"
	"github.com/bakkot/transcribe-to-gdocs/internal/observability/logging"
	"github.com/bakkot/transcribe-to-gdocs/internal/observability/metrics"
	"github.com/bakkot/transcribe-to-gdocs/internal/replace"
	"github.com/bakkot/transcribe-to-gdocs/internal/service/reconcile"
	"github.com/bakkot/transcribe-to-gdocs/internal/service/session"
	"github.com/bakkot/transcribe-to-gdocs/internal/service/stt"
	"github.com/bakkot/transcribe-to-gdocs/internal/service/stt/google"
	"github.com/bakkot/transcribe-to-gdocs/internal/service/stt/mock"
)

// Options are the per-invocation settings taken from the command line.
type Options struct {
	DocumentID string
	// AudioFile replays a WAV file instead of capturing the microphone.
	AudioFile string
	// DryRun writes the transcript to Stdout instead of the document.
	DryRun bool
	Stdout io.Writer
	// Prompt asks the user for the OAuth authorization code.
	Prompt docs.Prompt
}

// Application holds process-wide state for one transcription run.
type Application struct {
	StartupTime time.Time
	RunID       string
	Logger      zerolog.Logger
	Cfg         *config.Config
	Metrics     *metrics.Metrics

	rules      *replace.Reloader
	controller *session.Controller
	source     capture.Source
	publisher  *events.Publisher
	journal    *journal.Store
	speech     *speech.Client
	server     *observability.Server
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Config) *Application {
	a := &Application{
		RunID:   uuid.NewString(),
		Cfg:     cfg,
		Metrics: metrics.DefaultMetrics,
	}
	a.setupLogger()

	a.Logger.Info().Str("method", "New").Msg("Transcription application created")
	return a
}

// setupLogger configures zerolog for the process.
func (a *Application) setupLogger() {
	logging.Init(logging.Config{
		Level:      a.Cfg.Observability.LogLevel,
		Format:     a.Cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	})
	a.Logger = logging.WithRun(a.RunID).With().
		Str("service", a.Cfg.Service.Name).
		Str("component", "application").
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", a.Cfg.Service.Env).
		Msg("Logger setup completed")
}

// Start builds every component. It fails if the rules cannot be loaded or the
// document is not writable; both are fatal before any audio is captured.
func (a *Application) Start(ctx context.Context, opts Options) error {
	startLogger := a.Logger.With().Str("method", "Start").Logger()

	a.StartupTime = time.Now().UTC()
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Str("documentId", opts.DocumentID).
		Bool("dryRun", opts.DryRun).
		Msg("Transcription starting")

	a.rules = replace.NewReloader(a.Cfg.Rules.Path, a.Cfg.Rules.PollInterval, a.Metrics)
	if err := a.rules.Load(); err != nil {
		return fmt.Errorf("load replacement rules: %w", err)
	}

	remote, err := a.remoteAppender(ctx, opts)
	if err != nil {
		return err
	}

	a.publisher = events.New(&events.Config{
		Enabled:    a.Cfg.Kafka.Enabled,
		Brokers:    a.Cfg.Kafka.Brokers,
		TopicDelta: a.Cfg.Kafka.TopicDelta,
		TopicFinal: a.Cfg.Kafka.TopicFinal,
		Source:     a.Cfg.Kafka.Source,
		RunID:      a.RunID,
	}, a.Metrics)

	a.journal, err = journal.Open(ctx, a.Cfg.Journal.Path, a.RunID)
	if err != nil {
		return err
	}

	backupFile := backup.New(a.Cfg.Backup.Path)
	a.Logger.Info().Str("path", backupFile.Path()).Msg("Backing up settled utterances")

	archivers := []reconcile.Archiver{backupFile}
	if a.journal.Enabled() {
		archivers = append(archivers, a.journal)
	}
	if a.Cfg.Kafka.Enabled {
		archivers = append(archivers, a.publisher)
	}

	// engine -> dedup -> replacement -> kafka mirror -> document
	var sink reconcile.Appender = events.NewMirrorAppender(remote, a.publisher)
	sink = reconcile.NewReplacingAppender(sink, a.rules.Apply)
	if a.Cfg.Reconcile.Dedup {
		sink = reconcile.NewDedupAppender(sink, a.Metrics)
	}

	factory, err := a.sttFactory(ctx)
	if err != nil {
		return err
	}

	a.controller = session.NewController(session.Config{
		RunID:        a.RunID,
		MaxLifetime:  a.Cfg.Session.MaxLifetime,
		DrainGrace:   a.Cfg.Session.DrainGrace,
		TickInterval: a.Cfg.Reconcile.Interval,
		Margin: reconcile.Margin{
			Words: a.Cfg.Reconcile.MarginWords,
			Chars: a.Cfg.Reconcile.MarginChars,
		},
	}, factory, sink, archivers, a.Metrics)

	if opts.AudioFile != "" {
		a.source = capture.NewWAVFile(opts.AudioFile, a.Cfg.STT.SampleRateHz, a.Cfg.Audio.ChunkDuration)
	} else {
		a.source = capture.NewMicrophone(a.Cfg.STT.SampleRateHz, a.Cfg.Audio.ChunkDuration)
	}

	if a.Cfg.Observability.HTTPAddr != "" {
		var transcript observability.TranscriptReader
		if a.journal.Enabled() {
			transcript = a.journal
		}
		router := observability.NewRouter(prometheus.DefaultGatherer, a.controller, transcript)
		a.server = observability.NewServer(a.Cfg.Observability.HTTPAddr, router)
	}
	return nil
}

// remoteAppender returns the document sink, verifying write access first.
func (a *Application) remoteAppender(ctx context.Context, opts Options) (reconcile.Appender, error) {
	if opts.DryRun {
		a.Logger.Info().Msg("Dry run: transcript goes to stdout")
		return docs.NewStdoutAppender(opts.Stdout), nil
	}
	if opts.DocumentID == "" {
		return nil, errors.New("document ID is required")
	}

	client, err := docs.Authorize(ctx, a.Cfg.Docs.SecretFile, a.Cfg.Docs.TokenFile, opts.Prompt)
	if err != nil {
		return nil, err
	}
	appender, err := docs.NewAppender(ctx, opts.DocumentID, a.Cfg.Docs.AppendTimeout, option.WithHTTPClient(client))
	if err != nil {
		return nil, err
	}
	if err := appender.VerifyWritable(ctx); err != nil {
		return nil, err
	}
	a.Logger.Info().Str("documentId", opts.DocumentID).Msg("Document is writable")
	return appender, nil
}

func (a *Application) sttFactory(ctx context.Context) (stt.Factory, error) {
	switch a.Cfg.STT.Provider {
	case "mock":
		a.Logger.Info().Msg("Using mock recognizer")
		return mock.NewFactory(mock.Options{FramesPerResult: 5}), nil
	case "google":
		client, err := google.NewClient(ctx, a.Cfg.STT.CredentialsFile, a.Metrics)
		if err != nil {
			return nil, err
		}
		a.speech = client
		return google.NewFactory(client, google.Config{
			LanguageCode:   a.Cfg.STT.LanguageCode,
			SampleRateHz:   int32(a.Cfg.STT.SampleRateHz),
			InterimResults: a.Cfg.STT.InterimResults,
			AudioEncoding:  a.Cfg.STT.AudioEncoding,
			Model:          a.Cfg.STT.Model,
			UseEnhanced:    a.Cfg.STT.UseEnhanced,
			Punctuation:    a.Cfg.STT.Punctuation,
		}, a.Metrics), nil
	default:
		return nil, fmt.Errorf("unknown STT provider %q", a.Cfg.STT.Provider)
	}
}

// Run captures audio and keeps sessions open until ctx is cancelled, the audio
// source is exhausted, or a fatal error occurs.
func (a *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.controller.Run(gctx) })
	g.Go(func() error { return a.rules.Run(gctx) })
	if a.server != nil {
		g.Go(func() error { return a.server.Run(gctx) })
	}
	g.Go(func() error {
		err := a.source.Start(gctx, func(chunk []byte) {
			if err := a.controller.Feed(chunk); err != nil {
				a.Logger.Warn().Err(err).Msg("Failed to deliver audio")
			}
		})
		if err != nil {
			return fmt.Errorf("audio capture: %w", err)
		}
		if gctx.Err() != nil {
			return nil
		}

		// Half-close the session and give the recognizer time to return the
		// last results.
		a.Logger.Info().Dur("grace", a.Cfg.Session.DrainGrace).Msg("Audio source exhausted, draining")
		a.controller.EndOfAudio()
		select {
		case <-gctx.Done():
		case <-time.After(a.Cfg.Session.DrainGrace):
		}
		cancel()
		return nil
	})

	return g.Wait()
}

// Shutdown releases every component. It is safe to call after a failed Start.
func (a *Application) Shutdown() {
	shutdownLogger := a.Logger.With().Str("method", "Shutdown").Logger()

	if a.source != nil {
		if err := a.source.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Failed to close audio source")
		}
	}
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Failed to close journal")
		}
	}
	if a.speech != nil {
		if err := a.speech.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Failed to close speech client")
		}
	}

	shutdownLogger.Info().Msg("Transcription stopped")
}
