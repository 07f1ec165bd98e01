package coordinator

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/devrev/bboxkv/internal/errors"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/partition"
)

const watchBuffer = 64

type memoryGroup struct {
	config      GroupConfig
	tree        *partition.Snapshot
	nextRegion  int64
	tables      []string
	checkpoints map[int64]map[model.NodeID]int64
}

// MemoryCoordinator keeps all metadata in process. It serves tests and
// single node deployments.
type MemoryCoordinator struct {
	mu      sync.Mutex
	groups  map[string]*memoryGroup
	nodes   map[model.NodeID]model.NodeInfo
	trees   []chan partition.TreeEvent
	members []chan MembershipEvent
	closed  bool
}

// NewMemoryCoordinator creates an empty coordinator
func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		groups: make(map[string]*memoryGroup),
		nodes:  make(map[model.NodeID]model.NodeInfo),
	}
}

func (c *MemoryCoordinator) group(name string) (*memoryGroup, error) {
	if c.closed {
		return nil, errors.CoordinatorUnavailable("memory coordinator", fmt.Errorf("closed"))
	}
	g, ok := c.groups[name]
	if !ok {
		return nil, errors.GroupNotFound(name)
	}
	return g, nil
}

// GetDistributionGroupConfig implements Coordinator.
func (c *MemoryCoordinator) GetDistributionGroupConfig(_ context.Context, group string) (*GroupConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, err := c.group(group)
	if err != nil {
		return nil, err
	}
	cfg := g.config
	return &cfg, nil
}

// ListDistributionGroups implements Coordinator.
func (c *MemoryCoordinator) ListDistributionGroups(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.groups))
	for name := range c.groups {
		out = append(out, name)
	}
	slices.Sort(out)
	return out, nil
}

// CreateDistributionGroup implements Coordinator.
func (c *MemoryCoordinator) CreateDistributionGroup(_ context.Context, cfg GroupConfig, owners []model.NodeID) (*GroupConfig, error) {
	tree, err := partition.NewTree(cfg.Name, cfg.Dimensions, owners)
	if err != nil {
		return nil, errors.InvalidArgument("invalid distribution group", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.groups[cfg.Name]; exists {
		return nil, errors.InvalidArgument(fmt.Sprintf("distribution group %s already exists", cfg.Name), nil)
	}
	cfg.Version = uuid.NewString()
	snap := tree.PublishSnapshot()
	c.groups[cfg.Name] = &memoryGroup{
		config:      cfg,
		tree:        snap,
		nextRegion:  snap.NextRegionID,
		checkpoints: make(map[int64]map[model.NodeID]int64),
	}
	c.notifyTreeLocked(partition.TreeEvent{Group: cfg.Name, Version: snap.Version})
	return &cfg, nil
}

// DeleteDistributionGroup implements Coordinator.
func (c *MemoryCoordinator) DeleteDistributionGroup(_ context.Context, group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.group(group); err != nil {
		return err
	}
	delete(c.groups, group)
	c.notifyTreeLocked(partition.TreeEvent{Group: group, Deleted: true})
	return nil
}

// GetGroupVersion implements Coordinator.
func (c *MemoryCoordinator) GetGroupVersion(_ context.Context, group string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, err := c.group(group)
	if err != nil {
		return "", err
	}
	return g.config.Version, nil
}

// CreateTable implements Coordinator.
func (c *MemoryCoordinator) CreateTable(_ context.Context, group, table string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, err := c.group(group)
	if err != nil {
		return err
	}
	if !slices.Contains(g.tables, table) {
		g.tables = append(g.tables, table)
		slices.Sort(g.tables)
	}
	return nil
}

// ListTables implements Coordinator.
func (c *MemoryCoordinator) ListTables(_ context.Context, group string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, err := c.group(group)
	if err != nil {
		return nil, err
	}
	return slices.Clone(g.tables), nil
}

// ReadPartitionTree implements partition.TreeSource.
func (c *MemoryCoordinator) ReadPartitionTree(_ context.Context, group string) (*partition.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, err := c.group(group)
	if err != nil {
		return nil, err
	}
	return cloneSnapshot(g.tree), nil
}

// PublishPartitionTree implements Coordinator.
func (c *MemoryCoordinator) PublishPartitionTree(_ context.Context, snap *partition.Snapshot) error {
	if _, err := partition.FromSnapshot(snap); err != nil {
		return errors.InvalidArgument("malformed partition tree", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	g, err := c.group(snap.Group)
	if err != nil {
		return err
	}
	if g.tree.Version != snap.BaseVersion || snap.Version <= g.tree.Version {
		return errors.VersionConflict(snap.Group, snap.BaseVersion, g.tree.Version)
	}
	g.tree = cloneSnapshot(snap)
	g.nextRegion = max(g.nextRegion, snap.NextRegionID)
	c.notifyTreeLocked(partition.TreeEvent{Group: snap.Group, Version: snap.Version})
	return nil
}

// NextRegionID implements Coordinator.
func (c *MemoryCoordinator) NextRegionID(_ context.Context, group string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, err := c.group(group)
	if err != nil {
		return 0, err
	}
	id := g.nextRegion
	g.nextRegion++
	return id, nil
}

// WatchPartitionTrees implements Coordinator. The channel is closed when
// ctx is done; slow consumers miss events.
func (c *MemoryCoordinator) WatchPartitionTrees(ctx context.Context) (<-chan partition.TreeEvent, error) {
	ch := make(chan partition.TreeEvent, watchBuffer)
	c.mu.Lock()
	c.trees = append(c.trees, ch)
	c.mu.Unlock()
	go func() {
		<-ctx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		if i := slices.Index(c.trees, ch); i >= 0 {
			c.trees = slices.Delete(c.trees, i, i+1)
			close(ch)
		}
	}()
	return ch, nil
}

func (c *MemoryCoordinator) notifyTreeLocked(ev partition.TreeEvent) {
	for _, ch := range c.trees {
		select {
		case ch <- ev:
		default:
		}
	}
}

// RegisterNode implements Coordinator.
func (c *MemoryCoordinator) RegisterNode(_ context.Context, info model.NodeInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, known := c.nodes[info.ID]
	c.nodes[info.ID] = info
	ev := MemberJoined
	if known {
		ev = MemberUpdated
	}
	c.notifyMemberLocked(MembershipEvent{Type: ev, Node: info})
	return nil
}

// ListNodes implements Coordinator.
func (c *MemoryCoordinator) ListNodes(context.Context) ([]model.NodeInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.NodeInfo, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b model.NodeInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// SetLocalNodeState implements Coordinator.
func (c *MemoryCoordinator) SetLocalNodeState(_ context.Context, node model.NodeID, state model.NodeState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.nodes[node]
	info.ID = node
	info.State = state
	c.nodes[node] = info
	c.notifyMemberLocked(MembershipEvent{Type: MemberUpdated, Node: info})
	return nil
}

// RemoveNode drops a node, as a failed heartbeat would.
func (c *MemoryCoordinator) RemoveNode(node model.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.nodes[node]
	if !ok {
		return
	}
	delete(c.nodes, node)
	c.notifyMemberLocked(MembershipEvent{Type: MemberLeft, Node: info})
}

// NodeState returns the state last set for node.
func (c *MemoryCoordinator) NodeState(node model.NodeID) model.NodeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.nodes[node]; ok {
		return info.State
	}
	return model.NodeStateUnknown
}

// WatchMembership implements Coordinator.
func (c *MemoryCoordinator) WatchMembership(ctx context.Context) (<-chan MembershipEvent, error) {
	ch := make(chan MembershipEvent, watchBuffer)
	c.mu.Lock()
	c.members = append(c.members, ch)
	c.mu.Unlock()
	go func() {
		<-ctx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		if i := slices.Index(c.members, ch); i >= 0 {
			c.members = slices.Delete(c.members, i, i+1)
			close(ch)
		}
	}()
	return ch, nil
}

func (c *MemoryCoordinator) notifyMemberLocked(ev MembershipEvent) {
	for _, ch := range c.members {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SetRegionCheckpoint implements Coordinator. Checkpoints never move
// backwards.
func (c *MemoryCoordinator) SetRegionCheckpoint(_ context.Context, group string, regionID int64, node model.NodeID, checkpoint int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, err := c.group(group)
	if err != nil {
		return err
	}
	byNode, ok := g.checkpoints[regionID]
	if !ok {
		byNode = make(map[model.NodeID]int64)
		g.checkpoints[regionID] = byNode
	}
	byNode[node] = max(byNode[node], checkpoint)
	return nil
}

// GetRegionCheckpoints implements Coordinator.
func (c *MemoryCoordinator) GetRegionCheckpoints(_ context.Context, group string, regionID int64) (map[model.NodeID]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, err := c.group(group)
	if err != nil {
		return nil, err
	}
	out := make(map[model.NodeID]int64, len(g.checkpoints[regionID]))
	for n, ts := range g.checkpoints[regionID] {
		out[n] = ts
	}
	return out, nil
}

// Close implements Coordinator.
func (c *MemoryCoordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func cloneSnapshot(s *partition.Snapshot) *partition.Snapshot {
	out := *s
	out.Regions = slices.Clone(s.Regions)
	for i := range out.Regions {
		out.Regions[i].Owners = slices.Clone(out.Regions[i].Owners)
	}
	return &out
}
