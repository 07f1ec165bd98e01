// Package coordinator is the client side of the cluster metadata store:
// distribution groups, partition trees, node states and region checkpoints.
package coordinator

import (
	"context"

	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/partition"
)

// GroupConfig describes a distribution group.
type GroupConfig struct {
	Name              string `json:"name" msgpack:"name"`
	Dimensions        int    `json:"dimensions" msgpack:"dimensions"`
	ReplicationFactor int    `json:"replication_factor" msgpack:"replication_factor"`
	// Version changes whenever the group is recreated.
	Version string `json:"version" msgpack:"version"`
}

// MembershipEventType classifies membership changes
type MembershipEventType string

const (
	MemberJoined  MembershipEventType = "joined"
	MemberLeft    MembershipEventType = "left"
	MemberUpdated MembershipEventType = "updated"
)

// MembershipEvent reports a node coming, going or changing state.
type MembershipEvent struct {
	Type MembershipEventType
	Node model.NodeInfo
}

// Coordinator is the authoritative metadata store. Every method may fail
// with a CoordinatorUnavailable error, which is retryable.
type Coordinator interface {
	partition.TreeSource

	GetDistributionGroupConfig(ctx context.Context, group string) (*GroupConfig, error)
	ListDistributionGroups(ctx context.Context) ([]string, error)
	// CreateDistributionGroup creates the group with a root region owned by
	// owners and a fresh version.
	CreateDistributionGroup(ctx context.Context, cfg GroupConfig, owners []model.NodeID) (*GroupConfig, error)
	DeleteDistributionGroup(ctx context.Context, group string) error
	GetGroupVersion(ctx context.Context, group string) (string, error)

	CreateTable(ctx context.Context, group, table string) error
	ListTables(ctx context.Context, group string) ([]string, error)

	// PublishPartitionTree installs snap if the published version still is
	// snap.BaseVersion, and fails with VersionConflict otherwise.
	PublishPartitionTree(ctx context.Context, snap *partition.Snapshot) error
	// NextRegionID hands out a region id unique within the group.
	NextRegionID(ctx context.Context, group string) (int64, error)
	WatchPartitionTrees(ctx context.Context) (<-chan partition.TreeEvent, error)

	RegisterNode(ctx context.Context, info model.NodeInfo) error
	ListNodes(ctx context.Context) ([]model.NodeInfo, error)
	SetLocalNodeState(ctx context.Context, node model.NodeID, state model.NodeState) error
	WatchMembership(ctx context.Context) (<-chan MembershipEvent, error)

	// SetRegionCheckpoint records the newest durable InsertedAt node holds
	// for a region.
	SetRegionCheckpoint(ctx context.Context, group string, regionID int64, node model.NodeID, checkpoint int64) error
	GetRegionCheckpoints(ctx context.Context, group string, regionID int64) (map[model.NodeID]int64, error)

	Close() error
}
