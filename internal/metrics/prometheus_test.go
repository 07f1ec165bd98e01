package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegisterOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("node-1", reg)

	m.RecordOperation("put", time.Now(), nil)
	m.RecordOperation("put", time.Now(), errors.New("boom"))
	m.RecordCompactionJob("major", "completed", time.Second, 100, 40)
	m.RecordResize("split", time.Second, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("put", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("put", "error")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.CompactionBytesWritten))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
	for _, f := range families {
		assert.Contains(t, f.GetName(), "bboxkv_")
	}

	// A second registry accepts the same metric names.
	assert.NotPanics(t, func() { NewMetrics("node-1", prometheus.NewRegistry()) })
}

func TestNilMetricsDiscard(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordOperation("get", time.Now(), nil)
		m.RecordMemtableFlush(time.Millisecond)
		m.AddSegments(1, 10)
		m.RecordRecovery(time.Second, 3, 1)
		m.UpdateDiskStats(1, 2, 50)
	})
}
