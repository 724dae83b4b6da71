package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/stats"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.RecordsProcessed("cases", "success", 9)
	c.RecordsProcessed("cases", "failed", 1)
	c.RecordsProcessed("cases", "duplicate", 0)
	c.PageProcessed("cases")
	c.Routed("cases", "page")
	c.RetryAttempted("cases", "failed")
	c.HardStopped("cases")
	c.ObserveStage("cases", "page", 150*time.Millisecond)
	c.SetDepth("cases-dlq", 3)

	assert.Equal(t, 9.0, testutil.ToFloat64(c.records.WithLabelValues("cases", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.records.WithLabelValues("cases", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pages.WithLabelValues("cases")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.hardStops.WithLabelValues("cases")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.depth.WithLabelValues("cases-dlq")))

	n, err := testutil.GatherAndCount(reg, "dataflows_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSetStatusIsExclusive(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.SetStatus("trustees", "IN_PROGRESS")
	c.SetStatus("trustees", "COMPLETED")

	assert.Equal(t, 0.0, testutil.ToFloat64(c.status.WithLabelValues("trustees", "IN_PROGRESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.status.WithLabelValues("trustees", "COMPLETED")))
}

func TestNewPanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestSetPool(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.SetPool(stats.PoolStats{Name: "source", MaxConns: 8, ActiveConns: 3, IdleConns: 1})

	assert.Equal(t, 3.0, testutil.ToFloat64(c.conns.WithLabelValues("source", "active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.conns.WithLabelValues("source", "idle")))
	assert.Equal(t, 8.0, testutil.ToFloat64(c.conns.WithLabelValues("source", "max")))
}
