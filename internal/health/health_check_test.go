package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/metrics"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/storage/diskmanager"
)

type mockPinger struct{ mock.Mock }

func (m *mockPinger) ListDistributionGroups(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	groups, _ := args.Get(0).([]string)
	return groups, args.Error(1)
}

func newPinger(err error) *mockPinger {
	p := &mockPinger{}
	p.On("ListDistributionGroups", mock.Anything).Return([]string{"geo"}, err)
	return p
}

func newTestChecker(t *testing.T, available uint64, coord CoordinatorPinger) *HealthChecker {
	t.Helper()
	dir := t.TempDir()
	cfg := diskmanager.DefaultConfig([]string{dir}, 0.95, 1<<62)
	cfg.Stat = func(string) (uint64, uint64, error) { return 1000, available, nil }
	dm, err := diskmanager.NewDiskManager(cfg, zap.NewNop())
	require.NoError(t, err)
	return NewHealthChecker(&HealthCheckConfig{NodeID: "n1", Directories: []string{dir}},
		dm, coord, metrics.NewMetrics("n1", prometheus.NewRegistry()), zap.NewNop())
}

func TestHealthStatus(t *testing.T) {
	tests := []struct {
		name      string
		available uint64
		coordErr  error
		status    model.NodeStatus
		ready     bool
	}{
		{"healthy", 900, nil, model.NodeStatusHealthy, true},
		{"disk throttled", 80, nil, model.NodeStatusDegraded, true},
		{"coordinator down", 900, fmt.Errorf("connection refused"), model.NodeStatusDegraded, true},
		{"disk full", 20, nil, model.NodeStatusUnhealthy, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPinger(tt.coordErr)
			h := newTestChecker(t, tt.available, p)
			h.SetReadiness(true)
			h.RunChecks(context.Background())
			p.AssertCalled(t, "ListDistributionGroups", mock.Anything)

			assert.Equal(t, tt.status, h.GetStatus().Status)
			assert.Equal(t, tt.ready, h.IsReady())
			assert.True(t, h.IsLive())
			assert.Contains(t, h.GetChecks(), "disk_space")
			assert.Contains(t, h.GetChecks(), "coordinator")
		})
	}
}

func TestNotReadyBeforeRecovery(t *testing.T) {
	h := newTestChecker(t, 900, newPinger(nil))
	h.RunChecks(context.Background())
	assert.False(t, h.IsReady())

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReadiness(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, "healthy", body["status"])
}

func TestUnwritableDirectoryIsCritical(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "n1", Directories: []string{"/nonexistent/bboxkv"}},
		nil, nil, nil, zap.NewNop())
	h.SetReadiness(true)
	h.RunChecks(context.Background())
	assert.Equal(t, model.NodeStatusUnhealthy, h.GetStatus().Status)
	assert.False(t, h.IsReady())

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
