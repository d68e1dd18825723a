package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetrics_HelpersAreNoops(t *testing.T) {
	var m *Metrics
	err := errors.New("boom")

	m.RecordTick("run", 0.1)
	m.RecordHypothesis("init")
	m.RecordCommit(3)
	m.RecordDuplicateDropped()
	m.RecordUtterance()
	m.RecordAppend(err, 0.2)
	m.RecordArchive("backup", err)
	m.RecordSessionStart(1)
	m.RecordRestart("lifetime")
	m.RecordDrainStart()
	m.RecordDrainEnd()
	m.RecordAudioReceived(320)
	m.SetBufferedChunks(2)
	m.RecordSTTError("google", "fatal")
	m.RecordStreamStart()
	m.RecordStreamEnd("OK", 1)
	m.RecordRuleReload("ok", 4)
	m.RecordKafkaPublish("transcript.delta", "delta", err, 0.01)
}

func TestMetrics_RecordAppend(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordAppend(nil, 0.1)
	m.RecordAppend(errors.New("forbidden"), 0.1)
	m.RecordAppend(nil, 0.1)

	if got := testutil.ToFloat64(m.AppendTotal.WithLabelValues("ok")); got != 2 {
		t.Errorf("expected 2 ok appends, got %v", got)
	}
	if got := testutil.ToFloat64(m.AppendTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 failed append, got %v", got)
	}
}
