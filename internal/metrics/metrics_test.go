package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordEpisode("completed", 250*time.Millisecond)
	m.RecordEpisode("completed", time.Second)
	m.RecordEpisode("timeout", time.Second)
	m.RecordRepairLogResponse("accepted")
	m.RecordRepairLogResponse("stale")
	m.UpdateUnionRecords(42)
	m.RecordHandleRegression()
	m.RecordRepairCommands(3)
	m.RecordReplicaRepair(true)
	m.RecordReplicaRepair(false)
	m.RecordReplicaRepair(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EpisodesTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EpisodesTotal.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RepairLogResponses.WithLabelValues("stale")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.UnionRecords))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandleRegressions))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RepairCommands))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReplicaRepairsApplied.WithLabelValues("false")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.EpisodeDuration))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordEpisode("completed", time.Second)
		m.RecordRepairLogResponse("accepted")
		m.UpdateUnionRecords(1)
		m.RecordHandleRegression()
		m.RecordRepairCommands(1)
		m.RecordReplicaRepair(true)
	})
}
