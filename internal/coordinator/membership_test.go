package coordinator

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/metrics"
	"github.com/devrev/bboxkv/internal/model"
)

type recordingBook struct {
	mu    sync.Mutex
	nodes map[model.NodeID]model.NodeInfo
}

func (b *recordingBook) UpdateNode(info model.NodeInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[info.ID] = info
}

func (b *recordingBook) RemoveNode(id model.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, id)
}

func (b *recordingBook) get(id model.NodeID) (model.NodeInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.nodes[id]
	return info, ok
}

func newTestMember(t *testing.T, id model.NodeID, book AddressBook, seeds ...string) *MembershipService {
	t.Helper()
	s, err := NewMembershipService(&MembershipConfig{
		BindAddr:       "127.0.0.1",
		SeedNodes:      seeds,
		GossipInterval: 20 * time.Millisecond,
		ProbeInterval:  100 * time.Millisecond,
		ProbeTimeout:   50 * time.Millisecond,
	}, model.NodeInfo{ID: id, Address: "127.0.0.1:5" + string(id[1:]), State: model.NodeStateOutdated},
		book, metrics.NewMetrics(string(id), prometheus.NewRegistry()), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestMembershipPublishesPeers(t *testing.T) {
	book := &recordingBook{nodes: make(map[model.NodeID]model.NodeInfo)}
	first := newTestMember(t, "n1", book)
	defer first.Shutdown(time.Second)
	second := newTestMember(t, "n2", nil, first.GossipAddr())

	require.Eventually(t, func() bool {
		_, ok := book.get("n2")
		return ok && len(first.Members()) == 2 &&
			testutil.ToFloat64(first.metrics.GossipMembersTotal) == 2
	}, 5*time.Second, 20*time.Millisecond)
	info, _ := book.get("n2")
	assert.Equal(t, "127.0.0.1:52", info.Address)
	assert.Equal(t, model.NodeStateOutdated, info.State)

	require.NoError(t, second.SetState(model.NodeStateReady))
	require.Eventually(t, func() bool {
		info, _ := book.get("n2")
		return info.State == model.NodeStateReady
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, second.Shutdown(time.Second))
	require.Eventually(t, func() bool {
		_, ok := book.get("n2")
		return !ok && testutil.ToFloat64(first.metrics.GossipMembersTotal) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []model.NodeInfo{first.LocalNode()}, first.Members())
}
