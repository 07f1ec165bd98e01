package model

// HealthStatus represents the health state of a storage node
type HealthStatus struct {
	NodeID    string     `json:"node_id"`
	Status    NodeStatus `json:"status"`
	Timestamp int64      `json:"timestamp"`
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)
