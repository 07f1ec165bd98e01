package model

// EngineState gates writes into a storage engine.
type EngineState int32

const (
	EngineReadWrite EngineState = iota
	EngineReadOnly
)

func (s EngineState) String() string {
	if s == EngineReadOnly {
		return "READ_ONLY"
	}
	return "READ_WRITE"
}

// NodeState is the state a node advertises to the cluster.
type NodeState string

const (
	NodeStateUnknown  NodeState = "unknown"
	NodeStateOutdated NodeState = "outdated"
	NodeStateReady    NodeState = "ready"
)

// NodeID identifies a cluster member.
type NodeID string

// NodeInfo is the membership record of a node.
type NodeInfo struct {
	ID      NodeID    `json:"id" msgpack:"id"`
	Address string    `json:"address" msgpack:"address"`
	State   NodeState `json:"state" msgpack:"state"`
}
