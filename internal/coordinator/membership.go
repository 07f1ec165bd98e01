package coordinator

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/metrics"
	"github.com/devrev/bboxkv/internal/model"
)

// AddressBook learns peer addresses from membership changes.
type AddressBook interface {
	UpdateNode(info model.NodeInfo)
	RemoveNode(id model.NodeID)
}

// MembershipConfig holds gossip protocol configuration
type MembershipConfig struct {
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// MembershipService gossips node identity, peer address and node state
// with memberlist. Every node advertises its model.NodeInfo as node meta.
type MembershipService struct {
	config     *MembershipConfig
	memberlist *memberlist.Memberlist
	book       AddressBook
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu     sync.RWMutex
	local  model.NodeInfo
	events chan MembershipEvent

	// remote is maintained from delegate callbacks, which run under
	// memberlist's node lock and must not call back into it.
	remoteMu sync.Mutex
	remote   map[string]struct{}
}

// NewMembershipService creates the local member and joins the seed nodes.
// book may be nil.
func NewMembershipService(cfg *MembershipConfig, local model.NodeInfo, book AddressBook, m *metrics.Metrics, logger *zap.Logger) (*MembershipService, error) {
	s := &MembershipService{
		config:  cfg,
		book:    book,
		metrics: m,
		logger:  logger,
		local:   local,
		events:  make(chan MembershipEvent, watchBuffer),
		remote:  make(map[string]struct{}),
	}
	m.UpdateGossipStats(1)

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = string(local.ID)
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = s
	mlConfig.Events = &membershipEventDelegate{service: s}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		n, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Int("joined", n), zap.Error(err))
		}
	}
	return s, nil
}

// NodeMeta implements memberlist.Delegate
func (s *MembershipService) NodeMeta(limit int) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := msgpack.Marshal(s.local)
	if err != nil || len(data) > limit {
		s.logger.Error("Node meta does not fit", zap.Int("limit", limit), zap.Error(err))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *MembershipService) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *MembershipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *MembershipService) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *MembershipService) MergeRemoteState(buf []byte, join bool) {}

// SetState advertises a new state of the local node.
func (s *MembershipService) SetState(state model.NodeState) error {
	s.mu.Lock()
	s.local.State = state
	s.mu.Unlock()
	return s.memberlist.UpdateNode(5 * time.Second)
}

// LocalNode returns what this node advertises.
func (s *MembershipService) LocalNode() model.NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

// GossipAddr returns the address other members join through.
func (s *MembershipService) GossipAddr() string {
	return s.memberlist.LocalNode().Address()
}

// Members returns every live member, sorted by id.
func (s *MembershipService) Members() []model.NodeInfo {
	var out []model.NodeInfo
	for _, n := range s.memberlist.Members() {
		if info, ok := s.decode(n); ok {
			out = append(out, info)
		}
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
	return out
}

// Events returns membership changes of remote nodes. Events are dropped
// when nobody drains the channel.
func (s *MembershipService) Events() <-chan MembershipEvent {
	return s.events
}

// Shutdown leaves the cluster and stops gossiping.
func (s *MembershipService) Shutdown(timeout time.Duration) error {
	if err := s.memberlist.Leave(timeout); err != nil {
		s.logger.Warn("Failed to leave cluster gracefully", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

func (s *MembershipService) decode(n *memberlist.Node) (model.NodeInfo, bool) {
	var info model.NodeInfo
	if err := msgpack.Unmarshal(n.Meta, &info); err != nil || info.ID == "" {
		s.logger.Warn("Ignoring member with unreadable meta", zap.String("member", n.Name), zap.Error(err))
		return info, false
	}
	return info, true
}

func (s *MembershipService) notify(kind MembershipEventType, n *memberlist.Node) {
	// Create announces the local node before s.memberlist is set.
	if n.Name == string(s.LocalNode().ID) {
		return
	}
	info, ok := s.decode(n)
	if !ok {
		return
	}
	if s.book != nil {
		if kind == MemberLeft {
			s.book.RemoveNode(info.ID)
		} else {
			s.book.UpdateNode(info)
		}
	}
	s.metrics.UpdateGossipStats(s.track(kind, n.Name))
	select {
	case s.events <- MembershipEvent{Type: kind, Node: info}:
	default:
	}
}

// track records a remote member change and returns the member count
// including the local node.
func (s *MembershipService) track(kind MembershipEventType, name string) int {
	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()
	if kind == MemberLeft {
		delete(s.remote, name)
	} else {
		s.remote[name] = struct{}{}
	}
	return len(s.remote) + 1
}

// membershipEventDelegate handles memberlist events
type membershipEventDelegate struct {
	service *MembershipService
}

// NotifyJoin is called when a node joins
func (d *membershipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Address()))
	d.service.notify(MemberJoined, node)
}

// NotifyLeave is called when a node leaves
func (d *membershipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
	d.service.notify(MemberLeft, node)
}

// NotifyUpdate is called when a node is updated
func (d *membershipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
	d.service.notify(MemberUpdated, node)
}
