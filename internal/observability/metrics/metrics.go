// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "transcribe_docs"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Reconciliation metrics
	TicksTotal     *prometheus.CounterVec
	TickDuration   prometheus.Histogram
	Hypotheses     *prometheus.CounterVec
	CommittedWords prometheus.Counter
	DuplicateWords prometheus.Counter
	Utterances     prometheus.Counter

	// Remote append metrics
	AppendTotal   *prometheus.CounterVec
	AppendLatency prometheus.Histogram

	// Backup / archive metrics
	ArchiveTotal *prometheus.CounterVec

	// Session lifecycle metrics
	SessionsStarted  prometheus.Counter
	SessionRestarts  *prometheus.CounterVec
	SessionEpoch     prometheus.Gauge
	SessionsDraining prometheus.Gauge

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioChunksReceived prometheus.Counter
	AudioChunksBuffered prometheus.Gauge

	// STT metrics
	STTErrors         *prometheus.CounterVec
	STTStreamsActive  prometheus.Gauge
	STTStreamDuration *prometheus.HistogramVec

	// Replacement rule metrics
	RuleReloads *prometheus.CounterVec
	RulesActive prometheus.Gauge

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Reconciliation metrics
		TicksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_ticks_total",
			Help:      "Reconciliation ticks by outcome",
		}, []string{"outcome"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_tick_duration_seconds",
			Help:      "Duration of reconciliation ticks that drained events",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		Hypotheses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hypotheses_total",
			Help:      "Hypothesis events received by kind",
		}, []string{"kind"}),
		CommittedWords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committed_words_total",
			Help:      "Words committed to the remote document",
		}),
		DuplicateWords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_words_dropped_total",
			Help:      "Leading words dropped because they repeated the last appended word",
		}),
		Utterances: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Utterances settled by a final result",
		}),

		// Remote append metrics
		AppendTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_append_total",
			Help:      "Remote document append calls by result",
		}, []string{"result"}),
		AppendLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_append_latency_seconds",
			Help:      "Remote document append latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		// Backup / archive metrics
		ArchiveTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_writes_total",
			Help:      "Settled utterance writes by archiver and result",
		}, []string{"archiver", "result"}),

		// Session lifecycle metrics
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Recognition sessions opened",
		}),
		SessionRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_restarts_total",
			Help:      "Recognition session restarts by reason",
		}, []string{"reason"}),
		SessionEpoch: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_epoch",
			Help:      "Epoch of the active recognition session",
		}),
		SessionsDraining: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_draining",
			Help:      "Recognition sessions inside their drain grace window",
		}),

		// Audio metrics
		AudioBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received from capture",
		}),
		AudioChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_received_total",
			Help:      "Total audio chunks received from capture",
		}),
		AudioChunksBuffered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audio_chunks_buffered",
			Help:      "Audio chunks held while no session is active",
		}),

		// STT metrics
		STTErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),
		STTStreamsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stt_streams_active",
			Help:      "Number of open STT gRPC streams",
		}),
		STTStreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_stream_duration_seconds",
			Help:      "Duration of STT gRPC streams in seconds",
			Buckets:   []float64{1, 5, 10, 15, 30, 60, 120, 300},
		}, []string{"code"}),

		// Replacement rule metrics
		RuleReloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_reloads_total",
			Help:      "Replacement rule reload attempts by result",
		}, []string{"result"}),
		RulesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_active",
			Help:      "Number of replacement rules in the active table",
		}),

		// Kafka publish metrics
		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// The Record* and Set* helpers are no-ops on a nil *Metrics.

// RecordTick records a reconciliation tick outcome.
func (m *Metrics) RecordTick(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TicksTotal.WithLabelValues(outcome).Inc()
	if durationSeconds > 0 {
		m.TickDuration.Observe(durationSeconds)
	}
}

// RecordHypothesis records a hypothesis event of the given kind.
func (m *Metrics) RecordHypothesis(kind string) {
	if m == nil {
		return
	}
	m.Hypotheses.WithLabelValues(kind).Inc()
}

// RecordCommit records the number of words committed in one tick.
func (m *Metrics) RecordCommit(words int) {
	if m == nil {
		return
	}
	m.CommittedWords.Add(float64(words))
}

// RecordDuplicateDropped records a suppressed duplicate leading word.
func (m *Metrics) RecordDuplicateDropped() {
	if m == nil {
		return
	}
	m.DuplicateWords.Inc()
}

// RecordUtterance records a settled utterance.
func (m *Metrics) RecordUtterance() {
	if m == nil {
		return
	}
	m.Utterances.Inc()
}

// RecordAppend records a remote append attempt.
func (m *Metrics) RecordAppend(err error, latencySeconds float64) {
	if m == nil {
		return
	}
	m.AppendLatency.Observe(latencySeconds)
	if err != nil {
		m.AppendTotal.WithLabelValues("error").Inc()
		return
	}
	m.AppendTotal.WithLabelValues("ok").Inc()
}

// RecordArchive records a settled utterance write to one archiver.
func (m *Metrics) RecordArchive(archiver string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ArchiveTotal.WithLabelValues(archiver, result).Inc()
}

// RecordSessionStart records a new recognition session epoch.
func (m *Metrics) RecordSessionStart(epoch int64) {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionEpoch.Set(float64(epoch))
}

// RecordRestart records a session restart.
func (m *Metrics) RecordRestart(reason string) {
	if m == nil {
		return
	}
	m.SessionRestarts.WithLabelValues(reason).Inc()
}

// RecordDrainStart records an old session entering its grace window.
func (m *Metrics) RecordDrainStart() {
	if m == nil {
		return
	}
	m.SessionsDraining.Inc()
}

// RecordDrainEnd records an old session leaving its grace window.
func (m *Metrics) RecordDrainEnd() {
	if m == nil {
		return
	}
	m.SessionsDraining.Dec()
}

// RecordAudioReceived records one captured audio chunk.
func (m *Metrics) RecordAudioReceived(bytes int) {
	if m == nil {
		return
	}
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioChunksReceived.Inc()
}

// SetBufferedChunks records the number of chunks waiting for a session.
func (m *Metrics) SetBufferedChunks(n int) {
	if m == nil {
		return
	}
	m.AudioChunksBuffered.Set(float64(n))
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	if m == nil {
		return
	}
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordStreamStart records an STT stream opening.
func (m *Metrics) RecordStreamStart() {
	if m == nil {
		return
	}
	m.STTStreamsActive.Inc()
}

// RecordStreamEnd records an STT stream ending with the given status code.
func (m *Metrics) RecordStreamEnd(code string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.STTStreamsActive.Dec()
	m.STTStreamDuration.WithLabelValues(code).Observe(durationSeconds)
}

// RecordRuleReload records a replacement rule reload attempt.
func (m *Metrics) RecordRuleReload(result string, rules int) {
	if m == nil {
		return
	}
	m.RuleReloads.WithLabelValues(result).Inc()
	if result == "ok" {
		m.RulesActive.Set(float64(rules))
	}
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	if m == nil {
		return
	}
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
