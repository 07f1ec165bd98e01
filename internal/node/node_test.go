package node

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/bbox"
	"github.com/devrev/bboxkv/internal/config"
	"github.com/devrev/bboxkv/internal/coordinator"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/partition"
	"github.com/devrev/bboxkv/internal/storage/metastore"
)

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return port
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	port := freePort(t)
	cfg, err := config.Parse([]byte(`
node:
  node_id: n1
  host: 127.0.0.1
  port: ` + strconv.Itoa(port) + `
  shutdown_timeout: 5s
storage:
  directories: [` + dir + `]
recovery:
  enabled: true
coordinator:
  retry_interval: 10ms
  max_retries: 2
`))
	require.NoError(t, err)
	return cfg
}

func TestNodeLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	coord := coordinator.NewMemoryCoordinator()
	_, err := coord.CreateDistributionGroup(ctx, coordinator.GroupConfig{
		Name: "geo", Dimensions: 2, ReplicationFactor: 1,
	}, []model.NodeID{"n1"})
	require.NoError(t, err)

	cfg := testConfig(t, dir)
	n, err := New(ctx, cfg, coord, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	require.NoError(t, n.State().AwaitRunning(ctx))

	assert.Equal(t, model.NodeStateReady, coord.NodeState("n1"))
	assert.True(t, n.Report().Complete())
	assert.Equal(t, 1, n.Report().Groups)
	assert.True(t, n.Health().IsReady())
	assert.NotEmpty(t, n.Addr())

	e, err := n.storage.CreateEngine(model.NewTableName("geo", "points", partition.RootRegionID))
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, &model.Record{Key: "a", Region: bbox.Point(1, 1), Value: []byte("v")}))

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, n.Stop(stopCtx))
	assert.Equal(t, model.ServiceTerminated, n.State().Status())
	assert.False(t, n.Health().IsReady())

	meta, err := metastore.Open(filepath.Join(dir, "meta.db"), zap.NewNop())
	require.NoError(t, err)
	defer meta.Close()
	clean, err := meta.TakeCleanShutdown()
	require.NoError(t, err)
	assert.True(t, clean)
	version, ok, err := meta.GroupVersion("geo")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, version)
}

func TestNodeFailsOnVersionMismatchAfterCrash(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	coord := coordinator.NewMemoryCoordinator()
	_, err := coord.CreateDistributionGroup(ctx, coordinator.GroupConfig{
		Name: "geo", Dimensions: 1, ReplicationFactor: 1,
	}, []model.NodeID{"n1"})
	require.NoError(t, err)

	meta, err := metastore.Open(filepath.Join(dir, "meta.db"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, meta.SetGroupVersion("geo", "stale-version"))
	require.NoError(t, meta.Close())

	n, err := New(ctx, testConfig(t, dir), coord, zap.NewNop())
	require.NoError(t, err)
	err = n.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, model.ServiceFailed, n.State().Status())
	assert.Equal(t, model.NodeStateOutdated, coord.NodeState("n1"))
}

func TestConnectMemoryCoordinator(t *testing.T) {
	coord, err := connectCoordinator(context.Background(), &config.CoordinatorConfig{Type: "memory"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &coordinator.MemoryCoordinator{}, coord)
	require.NoError(t, coord.Close())
}
