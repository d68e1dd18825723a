// Package mock provides a mock STT adapter for running without cloud credentials.
// It simulates recognizer behavior with progressive full-text partial hypotheses,
// exactly one final per utterance, and optional natural session expiry.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/bakkot/transcribe-to-gdocs/internal/service/stt"
)

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials   []string // Progressive partial hypotheses, each the full text so far
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"the", "the quick", "the quick brown", "the quick brown fox"},
		Final:      "the quick brown fox jumps",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"we should", "we should move", "we should move on to the"},
		Final:      "we should move on to the next item.",
		Confidence: 0.91,
	},
	{
		Partials:   []string{"any", "any objections"},
		Final:      "any objections?",
		Confidence: 0.97,
	},
}

// Options tune the simulation.
type Options struct {
	Utterances []SimulatedUtterance
	// FramesPerResult is the number of audio frames between two results.
	FramesPerResult int
	// ExpireAfterFrames ends the session with stt.ErrSessionExpired once this many
	// frames have been received. Zero disables expiry.
	ExpireAfterFrames int
}

// Adapter implements stt.Adapter with scripted responses.
type Adapter struct {
	opts Options

	mu            sync.Mutex
	cb            stt.Callback
	audioReceived int
	utterance     int
	partialIndex  int
	expired       bool
	closed        bool
}

// New creates a new mock STT adapter.
func New(opts Options) *Adapter {
	if len(opts.Utterances) == 0 {
		opts.Utterances = DefaultUtterances
	}
	if opts.FramesPerResult <= 0 {
		opts.FramesPerResult = 1
	}
	return &Adapter{opts: opts}
}

// NewFactory returns an stt.Factory producing fresh mock sessions.
func NewFactory(opts Options) stt.Factory {
	return func(ctx context.Context) (stt.Adapter, error) {
		return New(opts), nil
	}
}

// Start begins a mock transcription session.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cb != nil {
		return fmt.Errorf("mock session already started")
	}
	a.cb = cb
	return nil
}

// SendAudio advances the script by one frame and delivers the due result.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	if a.closed || a.expired || a.cb == nil {
		a.mu.Unlock()
		return nil
	}

	a.audioReceived++
	cb := a.cb

	if a.opts.ExpireAfterFrames > 0 && a.audioReceived >= a.opts.ExpireAfterFrames {
		a.expired = true
		a.mu.Unlock()
		cb.OnError(fmt.Errorf("%w: simulated maximum duration", stt.ErrSessionExpired))
		return nil
	}

	if a.audioReceived%a.opts.FramesPerResult != 0 {
		a.mu.Unlock()
		return nil
	}

	utt := a.opts.Utterances[a.utterance%len(a.opts.Utterances)]
	if a.partialIndex < len(utt.Partials) {
		text := utt.Partials[a.partialIndex]
		a.partialIndex++
		a.mu.Unlock()
		cb.OnPartial(text)
		return nil
	}

	a.partialIndex = 0
	a.utterance++
	a.mu.Unlock()
	cb.OnFinal(utt.Final, utt.Confidence)
	return nil
}

// Close ends the mock session. An utterance with pending partials is finalized,
// the way a recognizer settles buffered audio on half-close.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cb := a.cb
	pending := a.partialIndex > 0 && !a.expired
	utt := a.opts.Utterances[a.utterance%len(a.opts.Utterances)]
	a.mu.Unlock()

	if pending && cb != nil {
		cb.OnFinal(utt.Final, utt.Confidence)
	}
	return nil
}
