package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/devrev/pairdb/promoter/internal/model"
)

// ServiceName is the fully qualified gRPC service name of the replica service
const ServiceName = "pairdb.promoter.v1.ReplicaService"

const (
	repairMethod    = "/" + ServiceName + "/Repair"
	repairLogMethod = "/" + ServiceName + "/RepairLog"
)

// ReplicaServer is the server API of the replica service
type ReplicaServer interface {
	// RepairLog streams the replica's repair log for one partition
	RepairLog(req *model.RepairLogRequest, stream RepairLogServerStream) error
	// Repair applies one missing record
	Repair(ctx context.Context, cmd *model.RepairCommand) (*model.RepairAck, error)
}

// RepairLogServerStream is the server side of a RepairLog call
type RepairLogServerStream interface {
	Send(*model.RepairLogResponse) error
	grpc.ServerStream
}

// RepairLogClientStream is the client side of a RepairLog call
type RepairLogClientStream interface {
	Recv() (*model.RepairLogResponse, error)
	grpc.ClientStream
}

// ReplicaServiceDesc describes the replica service for grpc.Server.RegisterService
var ReplicaServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReplicaServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Repair",
			Handler:    repairHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "RepairLog",
			Handler:       repairLogHandler,
			ServerStreams: true,
		},
	},
	Metadata: "pairdb/promoter/v1/replica.json",
}

// RegisterReplicaServer registers srv with a gRPC server
func RegisterReplicaServer(s grpc.ServiceRegistrar, srv ReplicaServer) {
	s.RegisterService(&ReplicaServiceDesc, srv)
}

func repairHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(model.RepairCommand)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Repair(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: repairMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicaServer).Repair(ctx, req.(*model.RepairCommand))
	}
	return interceptor(ctx, in, info, handler)
}

func repairLogHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(model.RepairLogRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ReplicaServer).RepairLog(in, &repairLogServerStream{stream})
}

type repairLogServerStream struct {
	grpc.ServerStream
}

func (x *repairLogServerStream) Send(m *model.RepairLogResponse) error {
	return x.ServerStream.SendMsg(m)
}

// ReplicaClient is the client API of the replica service
type ReplicaClient struct {
	cc grpc.ClientConnInterface
}

// NewReplicaClient creates a client over an existing connection
func NewReplicaClient(cc grpc.ClientConnInterface) *ReplicaClient {
	return &ReplicaClient{cc: cc}
}

// Repair sends one repair command
func (c *ReplicaClient) Repair(ctx context.Context, cmd *model.RepairCommand, opts ...grpc.CallOption) (*model.RepairAck, error) {
	out := new(model.RepairAck)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, repairMethod, cmd, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RepairLog opens a repair log stream
func (c *ReplicaClient) RepairLog(ctx context.Context, req *model.RepairLogRequest, opts ...grpc.CallOption) (RepairLogClientStream, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ReplicaServiceDesc.Streams[0], repairLogMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &repairLogClientStream{stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type repairLogClientStream struct {
	grpc.ClientStream
}

func (x *repairLogClientStream) Recv() (*model.RepairLogResponse, error) {
	m := new(model.RepairLogResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
