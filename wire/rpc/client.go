package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// WorkerServiceClient is the control-plane-side handle dialed against one
// task-runtime worker's grpc endpoint.
type WorkerServiceClient interface {
	DispatchJob(context.Context, *DispatchJobRequest, ...grpc.CallOption) (*DispatchJobReply, error)
	StopJob(context.Context, *StopJobRequest, ...grpc.CallOption) (*StopJobReply, error)
	CheckHealth(context.Context, *CheckHealthRequest, ...grpc.CallOption) (*CheckHealthReply, error)
	StartCommand(context.Context, *StartCommandRequest, ...grpc.CallOption) (*StartCommandReply, error)
	CancelCommand(context.Context, *CancelCommandRequest, ...grpc.CallOption) (*CancelCommandReply, error)
	GetCommandStatus(context.Context, *GetCommandStatusRequest, ...grpc.CallOption) (*GetCommandStatusReply, error)
	ListRuntimeFiles(context.Context, *ListRuntimeFilesRequest, ...grpc.CallOption) (*ListRuntimeFilesReply, error)
	CreateRuntimeFile(context.Context, *CreateRuntimeFileRequest, ...grpc.CallOption) (*CreateRuntimeFileReply, error)
	ReadRuntimeFile(context.Context, *ReadRuntimeFileRequest, ...grpc.CallOption) (*ReadRuntimeFileReply, error)
	DeleteRuntimeFile(context.Context, *DeleteRuntimeFileRequest, ...grpc.CallOption) (*DeleteRuntimeFileReply, error)
	ListRuntimeContainers(context.Context, *ListRuntimeContainersRequest, ...grpc.CallOption) (*ListRuntimeContainersReply, error)
	SubscribeEvents(context.Context, *SubscribeRequest, ...grpc.CallOption) (WorkerService_SubscribeEventsClient, error)
}

// WorkerService_SubscribeEventsClient is the client-side handle for the
// SubscribeEvents server-streaming RPC.
type WorkerService_SubscribeEventsClient interface {
	Recv() (*JobEventFrame, error)
	Context() context.Context
}

type workerServiceClient struct {
	cc *grpc.ClientConn
}

// NewWorkerServiceClient wires cc (expected to have been dialed with
// grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName))) into
// a WorkerServiceClient.
func NewWorkerServiceClient(cc *grpc.ClientConn) WorkerServiceClient {
	return &workerServiceClient{cc: cc}
}

func (c *workerServiceClient) invoke(ctx context.Context, method string, req, reply any, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, reply, opts...)
}

func (c *workerServiceClient) DispatchJob(ctx context.Context, req *DispatchJobRequest, opts ...grpc.CallOption) (*DispatchJobReply, error) {
	reply := new(DispatchJobReply)
	if err := c.invoke(ctx, "DispatchJob", req, reply, opts...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *workerServiceClient) StopJob(ctx context.Context, req *StopJobRequest, opts ...grpc.CallOption) (*StopJobReply, error) {
	reply := new(StopJobReply)
	if err := c.invoke(ctx, "StopJob", req, reply, opts...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *workerServiceClient) CheckHealth(ctx context.Context, req *CheckHealthRequest, opts ...grpc.CallOption) (*CheckHealthReply, error) {
	reply := new(CheckHealthReply)
	if err := c.invoke(ctx, "CheckHealth", req, reply, opts...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *workerServiceClient) StartCommand(ctx context.Context, req *StartCommandRequest, opts ...grpc.CallOption) (*StartCommandReply, error) {
	reply := new(StartCommandReply)
	if err := c.invoke(ctx, "StartCommand", req, reply, opts...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *workerServiceClient) CancelCommand(ctx context.Context, req *CancelCommandRequest, opts ...grpc.CallOption) (*CancelCommandReply, error) {
	reply := new(CancelCommandReply)
	if err := c.invoke(ctx, "CancelCommand", req, reply, opts...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *workerServiceClient) GetCommandStatus(ctx context.Context, req *GetCommandStatusRequest, opts ...grpc.CallOption) (*GetCommandStatusReply, error) {
	reply := new(GetCommandStatusReply)
	if err := c.invoke(ctx, "GetCommandStatus", req, reply, opts...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *workerServiceClient) ListRuntimeFiles(ctx context.Context, req *ListRuntimeFilesRequest, opts ...grpc.CallOption) (*ListRuntimeFilesReply, error) {
	reply := new(ListRuntimeFilesReply)
	if err := c.invoke(ctx, "ListRuntimeFiles", req, reply, opts...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *workerServiceClient) CreateRuntimeFile(ctx context.Context, req *CreateRuntimeFileRequest, opts ...grpc.CallOption) (*CreateRuntimeFileReply, error) {
	reply := new(CreateRuntimeFileReply)
	if err := c.invoke(ctx, "CreateRuntimeFile", req, reply, opts...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *workerServiceClient) ReadRuntimeFile(ctx context.Context, req *ReadRuntimeFileRequest, opts ...grpc.CallOption) (*ReadRuntimeFileReply, error) {
	reply := new(ReadRuntimeFileReply)
	if err := c.invoke(ctx, "ReadRuntimeFile", req, reply, opts...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *workerServiceClient) DeleteRuntimeFile(ctx context.Context, req *DeleteRuntimeFileRequest, opts ...grpc.CallOption) (*DeleteRuntimeFileReply, error) {
	reply := new(DeleteRuntimeFileReply)
	if err := c.invoke(ctx, "DeleteRuntimeFile", req, reply, opts...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *workerServiceClient) ListRuntimeContainers(ctx context.Context, req *ListRuntimeContainersRequest, opts ...grpc.CallOption) (*ListRuntimeContainersReply, error) {
	reply := new(ListRuntimeContainersReply)
	if err := c.invoke(ctx, "ListRuntimeContainers", req, reply, opts...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *workerServiceClient) SubscribeEvents(ctx context.Context, req *SubscribeRequest, opts ...grpc.CallOption) (WorkerService_SubscribeEventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &workerServiceDesc.Streams[0], "/"+ServiceName+"/SubscribeEvents", opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &subscribeEventsClient{stream}, nil
}

type subscribeEventsClient struct {
	grpc.ClientStream
}

func (c *subscribeEventsClient) Recv() (*JobEventFrame, error) {
	frame := new(JobEventFrame)
	if err := c.ClientStream.RecvMsg(frame); err != nil {
		return nil, err
	}
	return frame, nil
}
