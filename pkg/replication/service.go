package replication

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "lens.replication.v1.Replicator"

// ReplicatorServer is the server side of the replication service.
type ReplicatorServer interface {
	Exchange(context.Context, *ExchangeRequest) (*ExchangeResponse, error)
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	Head(context.Context, *HeadRequest) (*HeadResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	List(context.Context, *ListRequest) (*ListResponse, error)
	Can(context.Context, *CanRequest) (*CanResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
}

// ServiceDesc describes the replication service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReplicatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Exchange", ReplicatorServer.Exchange),
		unary("Submit", ReplicatorServer.Submit),
		unary("Head", ReplicatorServer.Head),
		unary("Get", ReplicatorServer.Get),
		unary("List", ReplicatorServer.List),
		unary("Can", ReplicatorServer.Can),
		unary("Status", ReplicatorServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lens/replication/v1",
}

// RegisterReplicatorServer registers srv on s.
func RegisterReplicatorServer(s grpc.ServiceRegistrar, srv ReplicatorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(ReplicatorServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ReplicatorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ReplicatorServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
