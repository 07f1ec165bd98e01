package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devrev/bboxkv/internal/errors"
	"github.com/devrev/bboxkv/internal/metrics"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/partition"
)

// PeerWriter forwards a record to a table on another node.
type PeerWriter interface {
	Put(ctx context.Context, node model.NodeID, table model.TableName, rec *model.Record) error
}

// TupleSink receives the records routed to one destination region.
type TupleSink interface {
	Sink(ctx context.Context, rec *model.Record) error
	// Kind is "local" or "network".
	Kind() string
	// Target names the node and table written to.
	Target() string
}

// LocalTupleSink writes directly into a co-located engine.
type LocalTupleSink struct {
	engine *Engine
}

// NewLocalTupleSink creates a sink writing into engine.
func NewLocalTupleSink(engine *Engine) *LocalTupleSink {
	return &LocalTupleSink{engine: engine}
}

// Sink implements TupleSink.
func (s *LocalTupleSink) Sink(ctx context.Context, rec *model.Record) error {
	return s.engine.Put(ctx, rec)
}

// Kind implements TupleSink.
func (s *LocalTupleSink) Kind() string { return "local" }

// Target implements TupleSink.
func (s *LocalTupleSink) Target() string { return "local:" + s.engine.Name().String() }

// Engine returns the engine written to.
func (s *LocalTupleSink) Engine() *Engine { return s.engine }

// NetworkTupleSink forwards records to an owning node of the destination.
type NetworkTupleSink struct {
	peers   PeerWriter
	node    model.NodeID
	table   model.TableName
	limiter *rate.Limiter
}

// NewNetworkTupleSink creates a sink forwarding to table on node. A nil
// limiter disables throttling.
func NewNetworkTupleSink(peers PeerWriter, node model.NodeID, table model.TableName, limiter *rate.Limiter) *NetworkTupleSink {
	return &NetworkTupleSink{peers: peers, node: node, table: table, limiter: limiter}
}

// Sink implements TupleSink.
func (s *NetworkTupleSink) Sink(ctx context.Context, rec *model.Record) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return s.peers.Put(ctx, s.node, s.table, rec)
}

// Kind implements TupleSink.
func (s *NetworkTupleSink) Kind() string { return "network" }

// Target implements TupleSink.
func (s *NetworkTupleSink) Target() string { return string(s.node) + ":" + s.table.String() }

// RedistributorConfig holds redistribution throttling settings
type RedistributorConfig struct {
	LocalNode model.NodeID
	// Rate and Burst throttle each network sink; zero rate disables it.
	Rate  float64
	Burst int
}

type destination struct {
	region partition.Region
	sinks  []TupleSink
	count  int64
}

// TupleRedistributor routes the records of one source table to every
// registered destination region whose covering region overlaps them.
type TupleRedistributor struct {
	config   *RedistributorConfig
	source   model.TableName
	registry *StorageRegistry
	peers    PeerWriter
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu           sync.Mutex
	destinations []*destination
	total        int64
}

// NewTupleRedistributor creates a redistributor for source.
func NewTupleRedistributor(cfg *RedistributorConfig, source model.TableName, registry *StorageRegistry, peers PeerWriter, m *metrics.Metrics, logger *zap.Logger) *TupleRedistributor {
	return &TupleRedistributor{
		config:   cfg,
		source:   source,
		registry: registry,
		peers:    peers,
		metrics:  m,
		logger:   logger,
	}
}

// RegisterRegion adds a destination. Each owner of region gets a sink: a
// local one when the owner is this node, a network one otherwise.
func (r *TupleRedistributor) RegisterRegion(region partition.Region) error {
	if len(region.Owners) == 0 {
		return fmt.Errorf("%w: %d", partition.ErrNoOwners, region.ID)
	}
	table := r.source.WithRegion(region.ID)
	dest := &destination{region: region}
	for _, owner := range region.Owners {
		if owner == r.config.LocalNode {
			e, err := r.registry.CreateEngine(table)
			if err != nil {
				return fmt.Errorf("open local sink %s: %w", table, err)
			}
			dest.sinks = append(dest.sinks, NewLocalTupleSink(e))
			continue
		}
		if r.peers == nil {
			return errors.PeerUnavailable(string(owner), fmt.Errorf("no peer client configured"))
		}
		var limiter *rate.Limiter
		if r.config.Rate > 0 {
			limiter = rate.NewLimiter(rate.Limit(r.config.Rate), max(r.config.Burst, 1))
		}
		dest.sinks = append(dest.sinks, NewNetworkTupleSink(r.peers, owner, table, limiter))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.destinations {
		if d.region.ID == region.ID {
			return fmt.Errorf("region %d registered twice", region.ID)
		}
	}
	r.destinations = append(r.destinations, dest)
	r.logger.Debug("Registered redistribution target",
		zap.Stringer("source", r.source),
		zap.Int64("region_id", region.ID),
		zap.Stringer("region", region.Region),
		zap.Int("sinks", len(dest.sinks)))
	return nil
}

// Redistribute sends rec to every destination overlapping its region. A
// record on a boundary lands in more than one destination; a record that
// matches none is an error.
func (r *TupleRedistributor) Redistribute(ctx context.Context, rec *model.Record) error {
	r.mu.Lock()
	dests := slices.Clone(r.destinations)
	r.mu.Unlock()

	matched := 0
	for _, d := range dests {
		if !d.region.Region.Overlaps(rec.Region) {
			continue
		}
		matched++
		for _, sink := range d.sinks {
			if err := sink.Sink(ctx, rec); err != nil {
				return fmt.Errorf("redistribute %q to %s: %w", rec.Key, sink.Target(), err)
			}
			r.metrics.RecordRedistributed(sink.Kind(), 1)
		}
		r.mu.Lock()
		d.count++
		r.mu.Unlock()
	}
	if matched == 0 {
		return errors.InvalidRegion(fmt.Sprintf("record %q with region %s matches no destination of %s",
			rec.Key, rec.Region, r.source))
	}
	r.mu.Lock()
	r.total++
	r.mu.Unlock()
	return nil
}

// RedistributeCursor drains c through Redistribute and returns the number of
// source records read.
func (r *TupleRedistributor) RedistributeCursor(ctx context.Context, c *Cursor) (int64, error) {
	defer c.Close()
	var n int64
	for c.Next() {
		if err := r.Redistribute(ctx, c.Record()); err != nil {
			return n, err
		}
		n++
	}
	return n, c.Err()
}

// LocalEngines returns the engines behind local sinks.
func (r *TupleRedistributor) LocalEngines() []*Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Engine
	for _, d := range r.destinations {
		for _, s := range d.sinks {
			if l, ok := s.(*LocalTupleSink); ok {
				out = append(out, l.Engine())
			}
		}
	}
	return out
}

// RedistributionStats counts routed records.
type RedistributionStats struct {
	Source    model.TableName
	Total     int64
	PerRegion map[int64]int64
}

// Percentage returns the share of the input routed to regionID. Shares add
// up to more than 100 when records landed in several regions.
func (s RedistributionStats) Percentage(regionID int64) float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.PerRegion[regionID]) / float64(s.Total) * 100
}

// String renders a one line summary for logs.
func (s RedistributionStats) String() string {
	ids := make([]int64, 0, len(s.PerRegion))
	for id := range s.PerRegion {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d records", s.Source, s.Total)
	for _, id := range ids {
		fmt.Fprintf(&b, ", region %d: %d (%.2f%%)", id, s.PerRegion[id], s.Percentage(id))
	}
	return b.String()
}

// Statistics returns the counters so far.
func (r *TupleRedistributor) Statistics() RedistributionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RedistributionStats{
		Source:    r.source,
		Total:     r.total,
		PerRegion: make(map[int64]int64, len(r.destinations)),
	}
	for _, d := range r.destinations {
		st.PerRegion[d.region.ID] = d.count
	}
	return st
}
