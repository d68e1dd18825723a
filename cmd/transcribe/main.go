// Command transcribe captures speech, recognizes it with Google Speech, and
// appends the transcript to the end of a Google Doc as it is spoken.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/bakkot/transcribe-to-gdocs/internal/app"
	"github.com/bakkot/transcribe-to-gdocs/internal/config"
	"github.com/bakkot/transcribe-to-gdocs/internal/docs"
)

func main() {
	audioFile := flag.String("audio", "", "Replay a 16-bit PCM WAV file instead of capturing the microphone")
	dryRun := flag.Bool("dry-run", false, "Write the transcript to stdout instead of the document")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <document-id>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	var documentID string
	switch {
	case flag.NArg() == 1:
		documentID = flag.Arg(0)
	case flag.NArg() == 0 && *dryRun:
	default:
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	application := app.New(cfg)
	if err := run(application, app.Options{
		DocumentID: documentID,
		AudioFile:  *audioFile,
		DryRun:     *dryRun,
		Stdout:     os.Stdout,
		Prompt:     docs.TerminalPrompt(os.Stdin, os.Stderr),
	}); err != nil {
		log.Error().Err(err).Msg("Transcription failed")
		os.Exit(1)
	}
}

func run(application *app.Application, opts app.Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer application.Shutdown()

	if err := application.Start(ctx, opts); err != nil {
		return err
	}
	return application.Run(ctx)
}
