// Package replication copies disk generations between nodes. A Source
// serves generation metadata and byte ranges over gRPC; a Destination pulls
// a generation into its own volume and registers it with its file service.
package replication

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName      = "indy.replication.FileSync"
	describeMethod   = "/" + serviceName + "/Describe"
	pullMethod       = "/" + serviceName + "/Pull"
	defaultChunkSize = 64 * 1024
)

// fileSyncServer is implemented by Source. Describe takes a file key and
// returns the marshalled catalog record; Pull takes a marshalled Descriptor
// and streams the compressed range.
type fileSyncServer interface {
	Describe(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Pull(req *wrapperspb.BytesValue, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
}

var fileSyncServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*fileSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Describe", Handler: describeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Pull", Handler: pullHandler, ServerStreams: true},
	},
	Metadata: "indy/replication/filesync.proto",
}

func describeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(fileSyncServer).Describe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: describeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(fileSyncServer).Describe(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func pullHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(fileSyncServer).Pull(in, &grpc.GenericServerStream[wrapperspb.BytesValue, wrapperspb.BytesValue]{ServerStream: stream})
}
