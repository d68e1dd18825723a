package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog/log"
)

// ErrUnsupportedWAV is returned for files that are not 16-bit PCM WAV.
var ErrUnsupportedWAV = errors.New("unsupported WAV file")

// WAVFile replays a 16-bit PCM WAV file as if it were captured live.
type WAVFile struct {
	path       string
	sampleRate int
	chunk      time.Duration
	// Realtime paces delivery at one chunk per chunk duration.
	Realtime bool
}

// NewWAVFile creates a replay source. sampleRate is the rate the recognizer
// expects; a file with a different rate is replayed with a warning.
func NewWAVFile(path string, sampleRate int, chunk time.Duration) *WAVFile {
	return &WAVFile{path: path, sampleRate: sampleRate, chunk: chunk, Realtime: true}
}

// Start replays the file, downmixed to mono, and returns nil at end of file.
func (w *WAVFile) Start(ctx context.Context, onAudio func([]byte)) error {
	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return fmt.Errorf("%s: %w", w.path, ErrUnsupportedWAV)
	}
	if dec.WavAudioFormat != 1 || dec.BitDepth != 16 {
		return fmt.Errorf("%s: format=%d bitDepth=%d: %w", w.path, dec.WavAudioFormat, dec.BitDepth, ErrUnsupportedWAV)
	}

	channels := int(dec.NumChans)
	rate := int(dec.SampleRate)
	log.Info().
		Str("path", w.path).
		Int("channels", channels).
		Int("sampleRate", rate).
		Msg("Replaying WAV file")
	if rate != w.sampleRate {
		log.Warn().Int("sampleRate", rate).Int("expected", w.sampleRate).Msg("WAV sample rate differs from recognizer rate")
	}

	frames := int(int64(rate) * w.chunk.Milliseconds() / 1000)
	if frames <= 0 {
		frames = 1
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           make([]int, frames*channels),
		SourceBitDepth: 16,
	}

	var ticker *time.Ticker
	if w.Realtime {
		ticker = time.NewTicker(w.chunk)
		defer ticker.Stop()
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := dec.PCMBuffer(buf)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read audio: %w", err)
		}
		if n == 0 {
			return nil
		}
		onAudio(encodeS16LE(downmix(buf.Data[:n], channels)))

		if ticker != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}

// Close is a no-op; the file is closed when Start returns.
func (w *WAVFile) Close() error {
	return nil
}
