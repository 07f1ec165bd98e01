// Package partition holds the binary spatial tree that maps a distribution
// group's space onto regions and the registry that owns one tree per group.
package partition

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/devrev/bboxkv/internal/bbox"
	"github.com/devrev/bboxkv/internal/model"
)

// RootRegionID is the region id of every tree's root.
const RootRegionID int64 = 0

const noIndex = -1

var (
	ErrRegionNotFound = errors.New("region not found")
	ErrHasChildren    = errors.New("region already has children")
	ErrNoChildren     = errors.New("region has no children")
	ErrNotMergeable   = errors.New("children are not both leaves")
	ErrNoOwners       = errors.New("region has no owning nodes")
	ErrIllegalState   = errors.New("illegal region state transition")
)

// node is an arena slot. Links are arena indexes, never pointers.
type node struct {
	regionID   int64
	region     bbox.BoundingRegion
	splitValue float64
	hasSplit   bool
	parent     int
	left       int
	right      int
	level      int
	state      RegionState
	owners     []model.NodeID
}

// Region is an immutable copy of one tree node handed out to callers.
type Region struct {
	ID             int64               `json:"id"`
	ParentID       int64               `json:"parent_id"`
	LeftID         int64               `json:"left_id"`
	RightID        int64               `json:"right_id"`
	Region         bbox.BoundingRegion `json:"region"`
	SplitValue     *float64            `json:"split_value,omitempty"`
	SplitDimension int                 `json:"split_dimension"`
	Level          int                 `json:"level"`
	State          RegionState         `json:"state"`
	Owners         []model.NodeID      `json:"owners"`
}

// IsRoot reports whether the region has no parent.
func (r Region) IsRoot() bool { return r.ParentID == model.NoRegion }

// HasChildren reports whether the region has been split.
func (r Region) HasChildren() bool { return r.LeftID != model.NoRegion }

// IsOwnedBy reports whether id is one of the owners.
func (r Region) IsOwnedBy(id model.NodeID) bool { return slices.Contains(r.Owners, id) }

// Tree is the partition tree of one distribution group. All methods are
// safe for concurrent use; multi-step mutations such as a region split are
// serialised by the caller.
type Tree struct {
	mu         sync.RWMutex
	group      string
	dimensions int
	nodes      []*node
	free       []int
	byID       map[int64]int
	root       int
	nextID     int64
	version    uint64
	dirty      bool
}

// NewTree returns a tree whose root covers the full space. The root is ACTIVE
// when owners are given and CREATING otherwise.
func NewTree(group string, dimensions int, owners []model.NodeID) (*Tree, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}
	return NewBoundedTree(group, bbox.FullSpace(dimensions), owners)
}

// NewBoundedTree is NewTree for a root covering space instead of the full
// domain.
func NewBoundedTree(group string, space bbox.BoundingRegion, owners []model.NodeID) (*Tree, error) {
	if space.Dimensions() == 0 {
		return nil, fmt.Errorf("root region of %s has no dimensions", group)
	}
	t := &Tree{
		group:      group,
		dimensions: space.Dimensions(),
		byID:       make(map[int64]int),
		nextID:     RootRegionID + 1,
	}
	state := StateCreating
	if len(owners) > 0 {
		state = StateActive
	}
	t.root = t.alloc(&node{
		regionID: RootRegionID,
		region:   space,
		parent:   noIndex,
		left:     noIndex,
		right:    noIndex,
		state:    state,
		owners:   normaliseOwners(owners),
	})
	return t, nil
}

func (t *Tree) alloc(n *node) int {
	var idx int
	if len(t.free) > 0 {
		idx = t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		t.nodes[idx] = n
	} else {
		idx = len(t.nodes)
		t.nodes = append(t.nodes, n)
	}
	t.byID[n.regionID] = idx
	return idx
}

func (t *Tree) release(idx int) {
	delete(t.byID, t.nodes[idx].regionID)
	t.nodes[idx] = nil
	t.free = append(t.free, idx)
}

func (t *Tree) lookup(regionID int64) (*node, int, error) {
	idx, ok := t.byID[regionID]
	if !ok {
		return nil, noIndex, fmt.Errorf("%w: %s/%d", ErrRegionNotFound, t.group, regionID)
	}
	return t.nodes[idx], idx, nil
}

func (t *Tree) idOf(idx int) int64 {
	if idx == noIndex {
		return model.NoRegion
	}
	return t.nodes[idx].regionID
}

func (t *Tree) export(n *node) Region {
	r := Region{
		ID:             n.regionID,
		ParentID:       t.idOf(n.parent),
		LeftID:         t.idOf(n.left),
		RightID:        t.idOf(n.right),
		Region:         n.region,
		SplitDimension: n.level % t.dimensions,
		Level:          n.level,
		State:          n.state,
		Owners:         slices.Clone(n.owners),
	}
	if n.hasSplit {
		v := n.splitValue
		r.SplitValue = &v
	}
	return r
}

func (t *Tree) touch() { t.dirty = true }

// Group returns the distribution group name.
func (t *Tree) Group() string { return t.group }

// Dimensions returns D.
func (t *Tree) Dimensions() int { return t.dimensions }

// Version returns the coordinator version this tree was loaded from or last
// published as.
func (t *Tree) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Dirty reports whether the tree has local mutations not yet published.
func (t *Tree) Dirty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dirty
}

// Root returns the root region.
func (t *Tree) Root() Region {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.export(t.nodes[t.root])
}

// Region returns the region with the given id.
func (t *Tree) Region(regionID int64) (Region, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, _, err := t.lookup(regionID)
	if err != nil {
		return Region{}, err
	}
	return t.export(n), nil
}

// Parent returns the parent region of regionID; ok is false for the root.
func (t *Tree) Parent(regionID int64) (Region, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, _, err := t.lookup(regionID)
	if err != nil {
		return Region{}, false, err
	}
	if n.parent == noIndex {
		return Region{}, false, nil
	}
	return t.export(t.nodes[n.parent]), true, nil
}

// Children returns both children of regionID.
func (t *Tree) Children(regionID int64) (Region, Region, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, _, err := t.lookup(regionID)
	if err != nil {
		return Region{}, Region{}, err
	}
	if n.left == noIndex {
		return Region{}, Region{}, fmt.Errorf("%w: %d", ErrNoChildren, regionID)
	}
	return t.export(t.nodes[n.left]), t.export(t.nodes[n.right]), nil
}

// Level returns the depth of regionID; the root is at level 0.
func (t *Tree) Level(regionID int64) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, _, err := t.lookup(regionID)
	if err != nil {
		return 0, err
	}
	return n.level, nil
}

// SplitDimension returns the dimension a split of regionID cuts.
func (t *Tree) SplitDimension(regionID int64) (int, error) {
	level, err := t.Level(regionID)
	if err != nil {
		return 0, err
	}
	return level % t.dimensions, nil
}

// TotalLevels returns the number of levels in the tree, i.e. max depth + 1.
func (t *Tree) TotalLevels() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	levels := 0
	for _, n := range t.nodes {
		if n != nil && n.level+1 > levels {
			levels = n.level + 1
		}
	}
	return levels
}

// Split creates two CREATING children of regionID cut at value, allocating
// region ids from the tree itself.
func (t *Tree) Split(regionID int64, value float64) (int64, int64, error) {
	t.mu.Lock()
	left, right := t.nextID, t.nextID+1
	t.mu.Unlock()
	if err := t.SplitWithIDs(regionID, value, left, right); err != nil {
		return 0, 0, err
	}
	return left, right, nil
}

// SplitWithIDs is Split with caller-provided child ids, used when ids are
// handed out by the coordinator.
func (t *Tree) SplitWithIDs(regionID int64, value float64, leftID, rightID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, idx, err := t.lookup(regionID)
	if err != nil {
		return err
	}
	if n.left != noIndex {
		return fmt.Errorf("%w: %d", ErrHasChildren, regionID)
	}
	if leftID == rightID {
		return fmt.Errorf("child ids must differ, both are %d", leftID)
	}
	for _, id := range []int64{leftID, rightID} {
		if id < 0 {
			return fmt.Errorf("invalid region id %d", id)
		}
		if _, taken := t.byID[id]; taken {
			return fmt.Errorf("region id %d already in use", id)
		}
	}

	dim := n.level % t.dimensions
	leftBox, rightBox, err := n.region.Split(dim, value)
	if err != nil {
		return fmt.Errorf("split region %d: %w", regionID, err)
	}

	n.left = t.alloc(&node{regionID: leftID, region: leftBox, parent: idx,
		left: noIndex, right: noIndex, level: n.level + 1, state: StateCreating})
	n.right = t.alloc(&node{regionID: rightID, region: rightBox, parent: idx,
		left: noIndex, right: noIndex, level: n.level + 1, state: StateCreating})
	n.splitValue = value
	n.hasSplit = true
	t.nextID = max(t.nextID, leftID+1, rightID+1)
	t.touch()
	return nil
}

// ActivateChildren makes both children of regionID ACTIVE. It is a no-op
// when the region has no children. This is the point from which routing
// targets the children instead of regionID.
func (t *Tree) ActivateChildren(regionID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, _, err := t.lookup(regionID)
	if err != nil {
		return err
	}
	if n.left == noIndex || n.right == noIndex {
		return nil
	}
	children := []*node{t.nodes[n.left], t.nodes[n.right]}
	for _, c := range children {
		if len(c.owners) == 0 {
			return fmt.Errorf("%w: %d", ErrNoOwners, c.regionID)
		}
		if c.state != StateCreating && c.state != StateActive {
			return fmt.Errorf("%w: child %d is %s", ErrIllegalState, c.regionID, c.state)
		}
	}
	for _, c := range children {
		c.state = StateActive
	}
	t.touch()
	return nil
}

// Merge drops both children of regionID and resets its split value. Both
// children must be leaves without descendants.
func (t *Tree) Merge(regionID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, _, err := t.lookup(regionID)
	if err != nil {
		return err
	}
	if n.left == noIndex {
		return fmt.Errorf("%w: %d", ErrNoChildren, regionID)
	}
	if t.nodes[n.left].left != noIndex || t.nodes[n.right].left != noIndex {
		return fmt.Errorf("%w: %d", ErrNotMergeable, regionID)
	}
	t.release(n.left)
	t.release(n.right)
	n.left, n.right = noIndex, noIndex
	n.splitValue = 0
	n.hasSplit = false
	t.touch()
	return nil
}

// IsLeaf reports whether regionID is the routing target for its space: it
// has no children, or at least one child is still CREATING or UNKNOWN.
func (t *Tree) IsLeaf(regionID int64) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, _, err := t.lookup(regionID)
	if err != nil {
		return false, err
	}
	return t.isLeaf(n), nil
}

func (t *Tree) isLeaf(n *node) bool {
	if n.left == noIndex || n.right == noIndex {
		return true
	}
	for _, c := range []*node{t.nodes[n.left], t.nodes[n.right]} {
		if c.state == StateCreating || c.state == StateUnknown {
			return true
		}
	}
	return false
}

// FindCoveringRegions returns every node of the tree, inner nodes included,
// whose covering region overlaps query.
func (t *Tree) FindCoveringRegions(query bbox.BoundingRegion) []Region {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Region
	t.walk(t.root, func(n *node) bool {
		if !n.region.Overlaps(query) {
			return false
		}
		out = append(out, t.export(n))
		return true
	})
	return out
}

// FindLeafRegions returns the routing targets overlapping query.
func (t *Tree) FindLeafRegions(query bbox.BoundingRegion) []Region {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Region
	t.walk(t.root, func(n *node) bool {
		if !n.region.Overlaps(query) {
			return false
		}
		if t.isLeaf(n) {
			out = append(out, t.export(n))
			return false
		}
		return true
	})
	return out
}

// Leaves returns all routing targets.
func (t *Tree) Leaves() []Region {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Region
	t.walk(t.root, func(n *node) bool {
		if t.isLeaf(n) {
			out = append(out, t.export(n))
			return false
		}
		return true
	})
	return out
}

// All returns every node in pre-order.
func (t *Tree) All() []Region {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Region
	t.walk(t.root, func(n *node) bool {
		out = append(out, t.export(n))
		return true
	})
	return out
}

// LeavesOwnedBy returns the routing targets owned by id.
func (t *Tree) LeavesOwnedBy(id model.NodeID) []Region {
	var out []Region
	for _, r := range t.Leaves() {
		if r.IsOwnedBy(id) {
			out = append(out, r)
		}
	}
	return out
}

// walk visits nodes in pre-order; visit returns whether to descend.
func (t *Tree) walk(idx int, visit func(*node) bool) {
	if idx == noIndex {
		return
	}
	n := t.nodes[idx]
	if !visit(n) {
		return
	}
	t.walk(n.left, visit)
	t.walk(n.right, visit)
}

// Transition moves regionID to state, enforcing the region state machine.
func (t *Tree) Transition(regionID int64, to RegionState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, _, err := t.lookup(regionID)
	if err != nil {
		return err
	}
	if !n.state.canTransition(to) {
		return fmt.Errorf("%w: region %d %s -> %s", ErrIllegalState, regionID, n.state, to)
	}
	if to == StateActive && len(n.owners) == 0 {
		return fmt.Errorf("%w: %d", ErrNoOwners, regionID)
	}
	n.state = to
	t.touch()
	return nil
}

// SetOwners replaces the owning node set of regionID.
func (t *Tree) SetOwners(regionID int64, owners []model.NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, _, err := t.lookup(regionID)
	if err != nil {
		return err
	}
	if len(owners) == 0 && n.state == StateActive {
		return fmt.Errorf("%w: %d", ErrNoOwners, regionID)
	}
	n.owners = normaliseOwners(owners)
	t.touch()
	return nil
}

func normaliseOwners(owners []model.NodeID) []model.NodeID {
	out := slices.Clone(owners)
	slices.Sort(out)
	return slices.Compact(out)
}
