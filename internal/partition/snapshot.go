package partition

import (
	"fmt"

	"github.com/devrev/bboxkv/internal/model"
)

// Snapshot is the serialisable form of a tree exchanged with the
// coordinator and shown to operators.
type Snapshot struct {
	Group        string   `json:"group"`
	Dimensions   int      `json:"dimensions"`
	Version      uint64   `json:"version"`
	BaseVersion  uint64   `json:"base_version"`
	NextRegionID int64    `json:"next_region_id"`
	Regions      []Region `json:"regions"`
}

// Snapshot returns a deep copy of the tree in pre-order.
func (t *Tree) Snapshot() *Snapshot {
	regions := t.All()
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &Snapshot{
		Group:        t.group,
		Dimensions:   t.dimensions,
		Version:      t.version,
		BaseVersion:  t.version,
		NextRegionID: t.nextID,
		Regions:      regions,
	}
}

// PublishSnapshot returns the snapshot to hand to the coordinator: its
// version is one past the version the local changes were based on.
func (t *Tree) PublishSnapshot() *Snapshot {
	s := t.Snapshot()
	s.Version = s.BaseVersion + 1
	return s
}

// MarkPublished records that version has been accepted by the coordinator.
func (t *Tree) MarkPublished(version uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.version = version
	t.dirty = false
}

// FromSnapshot rebuilds a tree. The snapshot must contain exactly one root
// and every inner node must have exactly two children.
func FromSnapshot(s *Snapshot) (*Tree, error) {
	if s == nil {
		return nil, fmt.Errorf("nil snapshot")
	}
	if s.Dimensions <= 0 {
		return nil, fmt.Errorf("snapshot of %s: invalid dimensions %d", s.Group, s.Dimensions)
	}
	t := &Tree{
		group:      s.Group,
		dimensions: s.Dimensions,
		byID:       make(map[int64]int, len(s.Regions)),
		root:       noIndex,
		nextID:     max(s.NextRegionID, RootRegionID+1),
		version:    s.Version,
	}

	for _, r := range s.Regions {
		if _, dup := t.byID[r.ID]; dup {
			return nil, fmt.Errorf("snapshot of %s: duplicate region %d", s.Group, r.ID)
		}
		if r.Region.Dimensions() != s.Dimensions {
			return nil, fmt.Errorf("snapshot of %s: region %d has %d dimensions", s.Group, r.ID, r.Region.Dimensions())
		}
		n := &node{
			regionID: r.ID,
			region:   r.Region,
			parent:   noIndex,
			left:     noIndex,
			right:    noIndex,
			state:    r.State,
			owners:   normaliseOwners(r.Owners),
		}
		if r.SplitValue != nil {
			n.splitValue = *r.SplitValue
			n.hasSplit = true
		}
		idx := t.alloc(n)
		if r.ID >= t.nextID {
			t.nextID = r.ID + 1
		}
		if r.ParentID == model.NoRegion {
			if t.root != noIndex {
				return nil, fmt.Errorf("snapshot of %s: more than one root", s.Group)
			}
			t.root = idx
		}
	}
	if t.root == noIndex {
		return nil, fmt.Errorf("snapshot of %s: no root region", s.Group)
	}

	for _, r := range s.Regions {
		idx := t.byID[r.ID]
		n := t.nodes[idx]
		if (r.LeftID == model.NoRegion) != (r.RightID == model.NoRegion) {
			return nil, fmt.Errorf("snapshot of %s: region %d has a single child", s.Group, r.ID)
		}
		if r.LeftID == model.NoRegion {
			continue
		}
		for _, child := range []struct {
			id   int64
			slot *int
		}{{r.LeftID, &n.left}, {r.RightID, &n.right}} {
			cidx, ok := t.byID[child.id]
			if !ok {
				return nil, fmt.Errorf("snapshot of %s: region %d references missing child %d", s.Group, r.ID, child.id)
			}
			if cidx == t.root || t.nodes[cidx].parent != noIndex {
				return nil, fmt.Errorf("snapshot of %s: region %d has two parents", s.Group, child.id)
			}
			*child.slot = cidx
			t.nodes[cidx].parent = idx
		}
	}

	// Levels are derived from structure, and every node must hang off the root.
	reached := 0
	var assign func(idx, level int)
	assign = func(idx, level int) {
		if idx == noIndex {
			return
		}
		reached++
		t.nodes[idx].level = level
		assign(t.nodes[idx].left, level+1)
		assign(t.nodes[idx].right, level+1)
	}
	assign(t.root, 0)
	if reached != len(s.Regions) {
		return nil, fmt.Errorf("snapshot of %s: %d regions unreachable from root", s.Group, len(s.Regions)-reached)
	}
	return t, nil
}

// Clone returns an independent copy of the tree.
func (t *Tree) Clone() *Tree {
	c, err := FromSnapshot(t.Snapshot())
	if err != nil {
		// A snapshot of a live tree is always well formed.
		panic(err)
	}
	t.mu.RLock()
	c.dirty = t.dirty
	t.mu.RUnlock()
	return c
}
