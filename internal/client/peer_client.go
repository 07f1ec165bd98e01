package client

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/devrev/bboxkv/internal/errors"
	"github.com/devrev/bboxkv/internal/metrics"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/pkg/peerrpc"
)

// NodeLister resolves node addresses the pool has not been told about.
type NodeLister interface {
	ListNodes(ctx context.Context) ([]model.NodeInfo, error)
}

// PeerPoolConfig holds peer client configuration
type PeerPoolConfig struct {
	RequestTimeout time.Duration
	MaxRetries     int
	MaxMessageSize int
	// DialOptions are appended to the defaults; tests use them to dial
	// in-memory listeners.
	DialOptions []grpc.DialOption
}

type peerConn struct {
	addr   string
	conn   *grpc.ClientConn
	client peerrpc.PeerClient
}

// PeerPool caches one connection per peer node.
type PeerPool struct {
	config  *PeerPoolConfig
	lister  NodeLister
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu        sync.Mutex
	addresses map[model.NodeID]string
	conns     map[model.NodeID]*peerConn
	closed    bool
}

// NewPeerPool creates a new peer pool
func NewPeerPool(cfg *PeerPoolConfig, lister NodeLister, m *metrics.Metrics, logger *zap.Logger) *PeerPool {
	return &PeerPool{
		config:    cfg,
		lister:    lister,
		metrics:   m,
		logger:    logger,
		addresses: make(map[model.NodeID]string),
		conns:     make(map[model.NodeID]*peerConn),
	}
}

// UpdateNode records the address of a node. A changed address drops the
// cached connection.
func (p *PeerPool) UpdateNode(info model.NodeInfo) {
	if info.Address == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addresses[info.ID] = info.Address
	if c, ok := p.conns[info.ID]; ok && c.addr != info.Address {
		_ = c.conn.Close()
		delete(p.conns, info.ID)
	}
}

// RemoveNode forgets a node and closes its connection.
func (p *PeerPool) RemoveNode(id model.NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.addresses, id)
	if c, ok := p.conns[id]; ok {
		_ = c.conn.Close()
		delete(p.conns, id)
	}
}

func (p *PeerPool) resolve(ctx context.Context, id model.NodeID) (string, error) {
	p.mu.Lock()
	addr, ok := p.addresses[id]
	p.mu.Unlock()
	if ok {
		return addr, nil
	}
	if p.lister == nil {
		return "", errors.PeerUnavailable(string(id), fmt.Errorf("address unknown"))
	}
	nodes, err := p.lister.ListNodes(ctx)
	if err != nil {
		return "", errors.PeerUnavailable(string(id), err)
	}
	for _, n := range nodes {
		p.UpdateNode(n)
		if n.ID == id && n.Address != "" {
			addr, ok = n.Address, true
		}
	}
	if !ok {
		return "", errors.PeerUnavailable(string(id), fmt.Errorf("node not registered"))
	}
	return addr, nil
}

func (p *PeerPool) client(ctx context.Context, id model.NodeID) (peerrpc.PeerClient, error) {
	addr, err := p.resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.Unavailable("peer pool closed", nil)
	}
	if c, ok := p.conns[id]; ok && c.addr == addr {
		return c.client, nil
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if p.config.MaxMessageSize > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(p.config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(p.config.MaxMessageSize)))
	}
	opts = append(opts, p.config.DialOptions...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errors.PeerUnavailable(string(id), err)
	}
	c := &peerConn{addr: addr, conn: conn, client: peerrpc.NewPeerClient(conn)}
	p.conns[id] = c
	p.logger.Debug("Opened peer connection", zap.String("node_id", string(id)), zap.String("addr", addr))
	return c.client, nil
}

func (p *PeerPool) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(p.config.MaxRetries, 0))), ctx)
}

// Put forwards rec into table on node, retrying retryable failures with
// exponential backoff.
func (p *PeerPool) Put(ctx context.Context, node model.NodeID, table model.TableName, rec *model.Record) error {
	req := &peerrpc.PutRequest{Table: table, Record: rec}
	attempt := 0
	op := func() error {
		attempt++
		c, err := p.client(ctx, node)
		if err != nil {
			return retryable(err)
		}
		callCtx, cancel := p.withTimeout(ctx)
		defer cancel()
		_, err = c.Put(callCtx, req)
		err = errors.FromGRPCError(err)
		p.metrics.RecordPeerRequest("client_put", err)
		return retryable(err)
	}
	err := backoff.Retry(op, p.retryPolicy(ctx))
	if err != nil && attempt > 1 {
		p.logger.Warn("Peer put failed after retries",
			zap.String("node_id", string(node)),
			zap.Stringer("table", table),
			zap.Int("attempts", attempt),
			zap.Error(err))
	}
	return err
}

func (p *PeerPool) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.config.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.config.RequestTimeout)
}

// retryable marks non-retryable errors permanent for backoff.Retry.
func retryable(err error) error {
	if err == nil || errors.IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

// QueryByTimestamp streams every record of table on node with
// InsertedAt >= since into fn and returns how many were received. Opening
// the stream is retried; a stream broken midway is not, since fn has already
// seen part of it.
func (p *PeerPool) QueryByTimestamp(ctx context.Context, node model.NodeID, table model.TableName, since int64, fn func(*model.Record) error) (int64, error) {
	var stream peerrpc.QueryByTimestampClient
	open := func() error {
		c, err := p.client(ctx, node)
		if err != nil {
			return retryable(err)
		}
		stream, err = c.QueryByTimestamp(ctx, &peerrpc.QueryByTimestampRequest{Table: table, Since: since})
		return retryable(errors.FromGRPCError(err))
	}
	if err := backoff.Retry(open, p.retryPolicy(ctx)); err != nil {
		p.metrics.RecordPeerRequest("client_query_by_timestamp", err)
		return 0, err
	}

	var received int64
	for {
		batch, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			err = errors.FromGRPCError(err)
			p.metrics.RecordPeerRequest("client_query_by_timestamp", err)
			return received, err
		}
		for _, rec := range batch.Records {
			if err := fn(rec); err != nil {
				return received, err
			}
			received++
		}
	}
	p.metrics.RecordPeerRequest("client_query_by_timestamp", nil)
	return received, nil
}

// Close closes every cached connection.
func (p *PeerPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, c := range p.conns {
		if err := c.conn.Close(); err != nil {
			p.logger.Warn("Failed to close peer connection", zap.String("node_id", string(id)), zap.Error(err))
		}
	}
	p.conns = make(map[model.NodeID]*peerConn)
	return nil
}
