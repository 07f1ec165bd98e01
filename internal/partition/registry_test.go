package partition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	mu    sync.Mutex
	snaps map[string]*Snapshot
	reads int
}

func (f *fakeSource) ReadPartitionTree(_ context.Context, group string) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	s, ok := f.snaps[group]
	if !ok {
		return nil, errors.New("unknown group")
	}
	return s, nil
}

func (f *fakeSource) set(s *Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[s.Group] = s
}

func TestRegistryLoadsAndCaches(t *testing.T) {
	tree := newTestTree(t, 2)
	src := &fakeSource{snaps: map[string]*Snapshot{"testgroup": tree.Snapshot()}}
	reg := NewRegistry(src, zap.NewNop())

	got, err := reg.Tree(context.Background(), "testgroup")
	require.NoError(t, err)
	again, err := reg.Tree(context.Background(), "testgroup")
	require.NoError(t, err)
	assert.Same(t, got, again)
	assert.Equal(t, 1, src.reads)

	_, err = reg.Tree(context.Background(), "missing")
	assert.Error(t, err)

	reg.Invalidate("testgroup")
	_, ok := reg.Cached("testgroup")
	assert.False(t, ok)
}

func TestRegistryRefreshKeepsNewerTree(t *testing.T) {
	tree := newTestTree(t, 2)
	src := &fakeSource{snaps: map[string]*Snapshot{}}
	reg := NewRegistry(src, zap.NewNop())

	published := tree.PublishSnapshot()
	tree.MarkPublished(published.Version)
	reg.Put(tree)

	// An older snapshot from the source does not replace the cached tree.
	src.set(&Snapshot{Group: "testgroup", Dimensions: 2, Version: 0, Regions: published.Regions})
	got, err := reg.Refresh(context.Background(), "testgroup")
	require.NoError(t, err)
	assert.Same(t, tree, got)

	newer := tree.PublishSnapshot()
	src.set(newer)
	var notified []string
	reg.OnChange(func(group string, _ *Tree) { notified = append(notified, group) })
	got, err = reg.Refresh(context.Background(), "testgroup")
	require.NoError(t, err)
	assert.NotSame(t, tree, got)
	assert.Equal(t, newer.Version, got.Version())
	assert.Equal(t, []string{"testgroup"}, notified)
	assert.Equal(t, []string{"testgroup"}, reg.Groups())
}

func TestRegistryWatch(t *testing.T) {
	tree := newTestTree(t, 1)
	src := &fakeSource{snaps: map[string]*Snapshot{}}
	reg := NewRegistry(src, zap.NewNop())
	reg.Put(tree)

	remote := tree.Clone()
	splitAndActivate(t, remote, RootRegionID, 0)
	src.set(remote.PublishSnapshot())

	events := make(chan TreeEvent, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		reg.Watch(ctx, events)
		close(done)
	}()

	events <- TreeEvent{Group: "testgroup", Version: 1}
	require.Eventually(t, func() bool {
		got, ok := reg.Cached("testgroup")
		return ok && got.Version() == 1
	}, time.Second, 10*time.Millisecond)

	events <- TreeEvent{Group: "testgroup", Deleted: true}
	require.Eventually(t, func() bool {
		_, ok := reg.Cached("testgroup")
		return !ok
	}, time.Second, 10*time.Millisecond)

	close(events)
	<-done
}
