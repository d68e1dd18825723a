// Package stt defines the interface for Speech-to-Text session adapters.
package stt

import (
	"context"
	"errors"
)

// ErrSessionExpired marks the recognizer's natural end of a session (its maximum
// stream duration was reached). It is expected and never fatal.
var ErrSessionExpired = errors.New("recognition session expired")

// Callback receives transcript results from the STT provider.
type Callback interface {
	// OnPartial is called when an interim transcript is received.
	// text is the full current hypothesis for the open utterance.
	OnPartial(text string)

	// OnFinal is called when a final transcript is received.
	OnFinal(text string, confidence float64)

	// OnError is called when the session terminates with an error.
	OnError(err error)
}

// Adapter defines one streaming recognition session.
// A session is started once and closed once; restarts open a new Adapter.
type Adapter interface {
	// Start opens the streaming session and begins delivering results to cb.
	Start(ctx context.Context, cb Callback) error

	// SendAudio sends audio bytes to the STT provider.
	SendAudio(ctx context.Context, audio []byte) error

	// Close asks the provider to finish the session gracefully. Results already
	// in flight may still be delivered after Close returns.
	Close() error
}

// Finisher is implemented by adapters that keep delivering results after Close.
// Done is closed once no further callbacks will be made.
type Finisher interface {
	Done() <-chan struct{}
}

// Factory opens a fresh Adapter for each session epoch.
type Factory func(ctx context.Context) (Adapter, error)

// IsExpired reports whether err signals natural session expiry.
func IsExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}
