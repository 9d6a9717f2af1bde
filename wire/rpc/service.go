package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the worker-side service name every method below is
// registered under.
const ServiceName = "orchestrator.WorkerService"

// WorkerServiceServer is the unary + streaming surface a task-runtime
// worker exposes (spec §4.8). The control plane dials it as a client.
type WorkerServiceServer interface {
	DispatchJob(context.Context, *DispatchJobRequest) (*DispatchJobReply, error)
	StopJob(context.Context, *StopJobRequest) (*StopJobReply, error)
	CheckHealth(context.Context, *CheckHealthRequest) (*CheckHealthReply, error)
	StartCommand(context.Context, *StartCommandRequest) (*StartCommandReply, error)
	CancelCommand(context.Context, *CancelCommandRequest) (*CancelCommandReply, error)
	GetCommandStatus(context.Context, *GetCommandStatusRequest) (*GetCommandStatusReply, error)
	ListRuntimeFiles(context.Context, *ListRuntimeFilesRequest) (*ListRuntimeFilesReply, error)
	CreateRuntimeFile(context.Context, *CreateRuntimeFileRequest) (*CreateRuntimeFileReply, error)
	ReadRuntimeFile(context.Context, *ReadRuntimeFileRequest) (*ReadRuntimeFileReply, error)
	DeleteRuntimeFile(context.Context, *DeleteRuntimeFileRequest) (*DeleteRuntimeFileReply, error)
	ListRuntimeContainers(context.Context, *ListRuntimeContainersRequest) (*ListRuntimeContainersReply, error)
	SubscribeEvents(*SubscribeRequest, WorkerService_SubscribeEventsServer) error
}

// WorkerService_SubscribeEventsServer is the server-side handle for the
// SubscribeEvents server-streaming RPC.
type WorkerService_SubscribeEventsServer interface {
	Send(*JobEventFrame) error
	Context() context.Context
}

type subscribeEventsServer struct {
	grpc.ServerStream
}

func (s *subscribeEventsServer) Send(m *JobEventFrame) error {
	return s.ServerStream.SendMsg(m)
}

// RegisterWorkerServiceServer registers srv's methods with s using the
// JSON codec declared in codec.go.
func RegisterWorkerServiceServer(s *grpc.Server, srv WorkerServiceServer) {
	s.RegisterService(&workerServiceDesc, srv)
}

var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("DispatchJob", func(s any) unaryHandler {
			return func(ctx context.Context, req any) (any, error) {
				return s.(WorkerServiceServer).DispatchJob(ctx, req.(*DispatchJobRequest))
			}
		}),
		unaryMethod("StopJob", func(s any) unaryHandler {
			return func(ctx context.Context, req any) (any, error) {
				return s.(WorkerServiceServer).StopJob(ctx, req.(*StopJobRequest))
			}
		}),
		unaryMethod("CheckHealth", func(s any) unaryHandler {
			return func(ctx context.Context, req any) (any, error) {
				return s.(WorkerServiceServer).CheckHealth(ctx, req.(*CheckHealthRequest))
			}
		}),
		unaryMethod("StartCommand", func(s any) unaryHandler {
			return func(ctx context.Context, req any) (any, error) {
				return s.(WorkerServiceServer).StartCommand(ctx, req.(*StartCommandRequest))
			}
		}),
		unaryMethod("CancelCommand", func(s any) unaryHandler {
			return func(ctx context.Context, req any) (any, error) {
				return s.(WorkerServiceServer).CancelCommand(ctx, req.(*CancelCommandRequest))
			}
		}),
		unaryMethod("GetCommandStatus", func(s any) unaryHandler {
			return func(ctx context.Context, req any) (any, error) {
				return s.(WorkerServiceServer).GetCommandStatus(ctx, req.(*GetCommandStatusRequest))
			}
		}),
		unaryMethod("ListRuntimeFiles", func(s any) unaryHandler {
			return func(ctx context.Context, req any) (any, error) {
				return s.(WorkerServiceServer).ListRuntimeFiles(ctx, req.(*ListRuntimeFilesRequest))
			}
		}),
		unaryMethod("CreateRuntimeFile", func(s any) unaryHandler {
			return func(ctx context.Context, req any) (any, error) {
				return s.(WorkerServiceServer).CreateRuntimeFile(ctx, req.(*CreateRuntimeFileRequest))
			}
		}),
		unaryMethod("ReadRuntimeFile", func(s any) unaryHandler {
			return func(ctx context.Context, req any) (any, error) {
				return s.(WorkerServiceServer).ReadRuntimeFile(ctx, req.(*ReadRuntimeFileRequest))
			}
		}),
		unaryMethod("DeleteRuntimeFile", func(s any) unaryHandler {
			return func(ctx context.Context, req any) (any, error) {
				return s.(WorkerServiceServer).DeleteRuntimeFile(ctx, req.(*DeleteRuntimeFileRequest))
			}
		}),
		unaryMethod("ListRuntimeContainers", func(s any) unaryHandler {
			return func(ctx context.Context, req any) (any, error) {
				return s.(WorkerServiceServer).ListRuntimeContainers(ctx, req.(*ListRuntimeContainersRequest))
			}
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				req := new(SubscribeRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(WorkerServiceServer).SubscribeEvents(req, &subscribeEventsServer{stream})
			},
		},
	},
	Metadata: "orchestrator/worker_service.rpc",
}

type unaryHandler func(ctx context.Context, req any) (any, error)

// unaryMethod adapts a (server -> handler) factory into the
// grpc.MethodDesc shape, decoding the request with the same JSON codec
// registered in codec.go (grpc decodes via dec(req) before the handler
// factory is invoked).
func unaryMethod(name string, mk func(srv any) unaryHandler) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := requestPrototype(name)
			if err := dec(req); err != nil {
				return nil, err
			}
			handler := mk(srv)
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return handler(ctx, req)
			})
		},
	}
}

// requestPrototype returns a fresh, empty request value for the named
// method so dec() has somewhere to unmarshal into.
func requestPrototype(method string) any {
	switch method {
	case "DispatchJob":
		return new(DispatchJobRequest)
	case "StopJob":
		return new(StopJobRequest)
	case "CheckHealth":
		return new(CheckHealthRequest)
	case "StartCommand":
		return new(StartCommandRequest)
	case "CancelCommand":
		return new(CancelCommandRequest)
	case "GetCommandStatus":
		return new(GetCommandStatusRequest)
	case "ListRuntimeFiles":
		return new(ListRuntimeFilesRequest)
	case "CreateRuntimeFile":
		return new(CreateRuntimeFileRequest)
	case "ReadRuntimeFile":
		return new(ReadRuntimeFileRequest)
	case "DeleteRuntimeFile":
		return new(DeleteRuntimeFileRequest)
	case "ListRuntimeContainers":
		return new(ListRuntimeContainersRequest)
	default:
		return new(struct{})
	}
}
