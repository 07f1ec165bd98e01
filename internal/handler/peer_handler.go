package handler

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/devrev/bboxkv/internal/errors"
	"github.com/devrev/bboxkv/internal/metrics"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/service"
	"github.com/devrev/bboxkv/internal/validation"
	"github.com/devrev/bboxkv/pkg/peerrpc"
)

const defaultBatchSize = 256

// PeerHandler implements the peer gRPC service on top of the local storage
// registry.
type PeerHandler struct {
	registry  *service.StorageRegistry
	metrics   *metrics.Metrics
	logger    *zap.Logger
	batchSize int
}

// NewPeerHandler creates a new peer handler
func NewPeerHandler(registry *service.StorageRegistry, m *metrics.Metrics, logger *zap.Logger) *PeerHandler {
	return &PeerHandler{
		registry:  registry,
		metrics:   m,
		logger:    logger,
		batchSize: defaultBatchSize,
	}
}

// Put handles a forwarded write. The table engine is created when this node
// does not hold it yet, which is the case for the children of a region being
// split on another node.
func (h *PeerHandler) Put(ctx context.Context, req *peerrpc.PutRequest) (_ *peerrpc.PutResponse, err error) {
	defer func() { h.metrics.RecordPeerRequest("put", err) }()

	if err := validation.ValidateTableName(req.Table); err != nil {
		return nil, toStatus(err)
	}
	if req.Record == nil {
		return nil, status.Error(codes.InvalidArgument, "record is required")
	}
	e, err := h.registry.CreateEngine(req.Table)
	if err != nil {
		h.logger.Error("Failed to open engine for peer write",
			zap.Stringer("table", req.Table), zap.Error(err))
		return nil, toStatus(err)
	}
	rec := *req.Record
	if rec.InsertedAt == 0 {
		rec.InsertedAt = model.NowMicros()
	}
	if err := e.Put(ctx, &rec); err != nil {
		if !errors.IsRetryable(err) {
			h.logger.Warn("Peer write failed",
				zap.Stringer("table", req.Table),
				zap.String("key", rec.Key),
				zap.Error(err))
		}
		return nil, toStatus(err)
	}
	return &peerrpc.PutResponse{InsertedAt: rec.InsertedAt}, nil
}

// QueryByTimestamp streams every record of the table, tombstones included,
// inserted at or after req.Since.
func (h *PeerHandler) QueryByTimestamp(req *peerrpc.QueryByTimestampRequest, stream peerrpc.QueryByTimestampServer) (err error) {
	defer func() { h.metrics.RecordPeerRequest("query_by_timestamp", err) }()

	e, err := h.registry.GetEngine(req.Table)
	if err != nil {
		return toStatus(err)
	}
	ctx := stream.Context()
	cursor, err := e.Scan(ctx, service.InsertedSince(req.Since), service.ScanOptions{IncludeDeleted: true})
	if err != nil {
		return toStatus(err)
	}
	defer cursor.Close()

	batch := make([]*model.Record, 0, h.batchSize)
	sent := 0
	for cursor.Next() {
		batch = append(batch, cursor.Record())
		if len(batch) == h.batchSize {
			if err := stream.Send(&peerrpc.RecordBatch{Records: batch}); err != nil {
				return err
			}
			sent += len(batch)
			batch = make([]*model.Record, 0, h.batchSize)
		}
	}
	if err := cursor.Err(); err != nil {
		return toStatus(err)
	}
	if len(batch) > 0 {
		if err := stream.Send(&peerrpc.RecordBatch{Records: batch}); err != nil {
			return err
		}
		sent += len(batch)
	}
	h.logger.Debug("Served timestamp query",
		zap.Stringer("table", req.Table),
		zap.Int64("since", req.Since),
		zap.Int("records", sent))
	return nil
}

func toStatus(err error) error {
	if se, ok := errors.AsStorageError(err); ok {
		return se.ToGRPCStatus().Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}
