// Package remote exposes task execution over gRPC so that workers can run
// on another host sharing the evidence filesystem.
//
// Messages are plain Go structs encoded with a JSON codec; the service
// descriptor is written by hand.
package remote

import (
	"context"

	"google.golang.org/grpc"

	"github.com/koromodako/datashark/internal/hasher"
	"github.com/koromodako/datashark/internal/plugin"
	"github.com/koromodako/datashark/internal/repository"
	"github.com/koromodako/datashark/internal/task"
)

// PerformRequest describes one task to execute remotely.
type PerformRequest struct {
	TaskID    string            `json:"task_id"`
	Category  task.Category     `json:"category"`
	Plugin    string            `json:"plugin,omitempty"`
	Container repository.Record `json:"container"`
}

// WireResult carries one task result. Plugins are referenced by name.
type WireResult struct {
	Hash        *hasher.Hash        `json:"hash,omitempty"`
	Container   *repository.Record  `json:"container,omitempty"`
	Examination *plugin.Examination `json:"examination,omitempty"`
	Dissectors  []string            `json:"dissectors,omitempty"`
	Examiners   []string            `json:"examiners,omitempty"`
}

// PerformResponse holds every result of the task and how it ended.
type PerformResponse struct {
	Succeeded bool         `json:"succeeded"`
	Error     string       `json:"error,omitempty"`
	Results   []WireResult `json:"results"`
}

// TaskServiceServer is the server-side interface of the task service.
type TaskServiceServer interface {
	Perform(context.Context, *PerformRequest) (*PerformResponse, error)
}

// TaskServiceClient is the client-side interface of the task service.
type TaskServiceClient interface {
	Perform(ctx context.Context, in *PerformRequest, opts ...grpc.CallOption) (*PerformResponse, error)
}

// ServiceDesc is the grpc.ServiceDesc for the task service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "datashark.TaskService",
	HandlerType: (*TaskServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Perform",
			Handler:    performHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "datashark/task_service",
}

// RegisterTaskServiceServer registers srv with a gRPC server.
func RegisterTaskServiceServer(s grpc.ServiceRegistrar, srv TaskServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func performHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PerformRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskServiceServer).Perform(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/datashark.TaskService/Perform",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TaskServiceServer).Perform(ctx, req.(*PerformRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type taskServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewTaskServiceClient creates a task service client speaking the JSON codec.
func NewTaskServiceClient(cc grpc.ClientConnInterface) TaskServiceClient {
	return &taskServiceClient{cc: cc}
}

func (c *taskServiceClient) Perform(ctx context.Context, in *PerformRequest, opts ...grpc.CallOption) (*PerformResponse, error) {
	out := new(PerformResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/datashark.TaskService/Perform", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
