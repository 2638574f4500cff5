package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "pixelsorter.PixelSorter"

// PixelSorterServer is the service implemented by Server. Messages are
// protobuf well-known types so no generated code is needed.
type PixelSorterServer interface {
	Sort(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAlgorithms(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SubmitJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchJobs(*emptypb.Empty, JobEventStream) error
}

// JobEventStream is the server side of WatchJobs.
type JobEventStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type jobEventStream struct {
	grpc.ServerStream
}

func (s *jobEventStream) Send(m *structpb.Struct) error { return s.ServerStream.SendMsg(m) }

func unaryHandler[Req any](method string, call func(PixelSorterServer, context.Context, *Req) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PixelSorterServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(PixelSorterServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchJobsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(PixelSorterServer).WatchJobs(in, &jobEventStream{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PixelSorterServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Sort",
			Handler:    unaryHandler("Sort", PixelSorterServer.Sort),
		},
		{
			MethodName: "ListAlgorithms",
			Handler:    unaryHandler("ListAlgorithms", PixelSorterServer.ListAlgorithms),
		},
		{
			MethodName: "SubmitJob",
			Handler:    unaryHandler("SubmitJob", PixelSorterServer.SubmitJob),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchJobs",
			Handler:       watchJobsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "pixelsorter.proto",
}

// RegisterPixelSorterServer registers srv with s.
func RegisterPixelSorterServer(s grpc.ServiceRegistrar, srv PixelSorterServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Client calls a remote PixelSorter service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Sort(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Sort", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListAlgorithms(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/ListAlgorithms", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SubmitJob(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SubmitJob", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// JobEventReceiver is the client side of WatchJobs.
type JobEventReceiver struct {
	grpc.ClientStream
}

func (r *JobEventReceiver) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := r.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Client) WatchJobs(ctx context.Context, opts ...grpc.CallOption) (*JobEventReceiver, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], "/"+serviceName+"/WatchJobs", opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &JobEventReceiver{stream}, nil
}
