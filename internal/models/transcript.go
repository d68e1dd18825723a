// Package models defines the data structures shared between the recognizer,
// the reconciliation engine and the downstream sinks.
package models

import (
	"fmt"
	"time"
)

// HypothesisKind classifies a recognizer result relative to its utterance.
type HypothesisKind int

const (
	// HypothesisInit is the first interim result of a new utterance.
	HypothesisInit HypothesisKind = iota
	// HypothesisUpdate is a later interim result for the open utterance.
	HypothesisUpdate
	// HypothesisFinish is the final result that settles the utterance.
	HypothesisFinish
)

// String returns the string representation of the kind.
func (k HypothesisKind) String() string {
	switch k {
	case HypothesisInit:
		return "init"
	case HypothesisUpdate:
		return "update"
	case HypothesisFinish:
		return "finish"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Hypothesis is one recognizer result. Text always carries the full current
// hypothesis for the utterance, never a delta.
type Hypothesis struct {
	Kind       HypothesisKind
	Text       string
	Epoch      int64
	ReceivedAt time.Time
}

// Utterance is a settled utterance: its final text is the authoritative record.
type Utterance struct {
	ID         string
	Epoch      int64
	Text       string
	FinishedAt time.Time
}

// TranscriptDelta is published for every committed delta.
type TranscriptDelta struct {
	EventType string `json:"eventType"`
	RunID     string `json:"runId"`
	Epoch     int64  `json:"epoch"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
}

// TranscriptFinal is published for every settled utterance.
type TranscriptFinal struct {
	EventType   string `json:"eventType"`
	RunID       string `json:"runId"`
	Epoch       int64  `json:"epoch"`
	UtteranceID string `json:"utteranceId"`
	Timestamp   int64  `json:"timestamp"`
	Text        string `json:"text"`
}
