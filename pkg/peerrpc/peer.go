// Package peerrpc is the node to node RPC used by redistribution and
// recovery. Messages are plain Go structs carried by the msgpack codec.
package peerrpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/devrev/bboxkv/internal/model"
)

const (
	ServiceName            = "bboxkv.peer.v1.Peer"
	PutMethod              = "/" + ServiceName + "/Put"
	QueryByTimestampMethod = "/" + ServiceName + "/QueryByTimestamp"
)

// PutRequest writes one record into a table of the receiving node.
type PutRequest struct {
	Table  model.TableName `msgpack:"table"`
	Record *model.Record   `msgpack:"record"`
}

// PutResponse acknowledges a PutRequest.
type PutResponse struct {
	InsertedAt int64 `msgpack:"inserted_at"`
}

// QueryByTimestampRequest asks for every record, tombstones included, with
// InsertedAt >= Since.
type QueryByTimestampRequest struct {
	Table model.TableName `msgpack:"table"`
	Since int64           `msgpack:"since"`
}

// RecordBatch is one message of the QueryByTimestamp stream.
type RecordBatch struct {
	Records []*model.Record `msgpack:"records"`
}

// PeerServer is the server API of the peer service.
type PeerServer interface {
	Put(context.Context, *PutRequest) (*PutResponse, error)
	QueryByTimestamp(*QueryByTimestampRequest, QueryByTimestampServer) error
}

// QueryByTimestampServer is the server side of the record stream.
type QueryByTimestampServer interface {
	Send(*RecordBatch) error
	grpc.ServerStream
}

type queryByTimestampServer struct {
	grpc.ServerStream
}

func (x *queryByTimestampServer) Send(m *RecordBatch) error {
	return x.ServerStream.SendMsg(m)
}

func putHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PutMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerServer).Put(ctx, req.(*PutRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func queryByTimestampHandler(srv any, stream grpc.ServerStream) error {
	in := new(QueryByTimestampRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(PeerServer).QueryByTimestamp(in, &queryByTimestampServer{stream})
}

// ServiceDesc describes the peer service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PeerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Put", Handler: putHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "QueryByTimestamp", Handler: queryByTimestampHandler, ServerStreams: true},
	},
	Metadata: "bboxkv/peer/v1",
}

// RegisterPeerServer registers srv on s.
func RegisterPeerServer(s grpc.ServiceRegistrar, srv PeerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// PeerClient is the client API of the peer service.
type PeerClient interface {
	Put(ctx context.Context, in *PutRequest, opts ...grpc.CallOption) (*PutResponse, error)
	QueryByTimestamp(ctx context.Context, in *QueryByTimestampRequest, opts ...grpc.CallOption) (QueryByTimestampClient, error)
}

// QueryByTimestampClient is the client side of the record stream. Recv
// returns io.EOF after the last batch.
type QueryByTimestampClient interface {
	Recv() (*RecordBatch, error)
	grpc.ClientStream
}

type peerClient struct {
	cc grpc.ClientConnInterface
}

// NewPeerClient returns a client using cc.
func NewPeerClient(cc grpc.ClientConnInterface) PeerClient {
	return &peerClient{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *peerClient) Put(ctx context.Context, in *PutRequest, opts ...grpc.CallOption) (*PutResponse, error) {
	out := new(PutResponse)
	if err := c.cc.Invoke(ctx, PutMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *peerClient) QueryByTimestamp(ctx context.Context, in *QueryByTimestampRequest, opts ...grpc.CallOption) (QueryByTimestampClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], QueryByTimestampMethod, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &queryByTimestampClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type queryByTimestampClient struct {
	grpc.ClientStream
}

func (x *queryByTimestampClient) Recv() (*RecordBatch, error) {
	m := new(RecordBatch)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
