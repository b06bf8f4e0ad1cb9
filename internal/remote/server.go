package remote

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/koromodako/datashark/internal/container"
	"github.com/koromodako/datashark/internal/plugin"
	"github.com/koromodako/datashark/internal/task"
)

// Server executes tasks received from remote workers with a local registry.
type Server struct {
	registry *plugin.Registry
	toolkit  task.Toolkit
	logger   *slog.Logger
}

// NewServer returns a task service backed by registry. tk.Selector is
// expected to be registry as well.
func NewServer(registry *plugin.Registry, tk task.Toolkit, logger *slog.Logger) *Server {
	return &Server{registry: registry, toolkit: tk, logger: logger}
}

// Perform rebuilds the task, runs it and returns every result.
func (s *Server) Perform(ctx context.Context, req *PerformRequest) (*PerformResponse, error) {
	logger := s.logger.With(
		slog.String("task_id", req.TaskID),
		slog.String("category", req.Category.String()),
	)
	logger.Info("grpc Perform", slog.String("plugin", req.Plugin))

	if req.Category.IsControl() {
		return nil, status.Errorf(codes.InvalidArgument, "Perform: %s tasks are not executable", req.Category)
	}
	c, err := container.FromRecord(req.Container)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "Perform: %v", err)
	}

	var p plugin.Plugin
	switch req.Category {
	case task.Dissection:
		p, err = s.registry.Dissector(req.Plugin)
	case task.Examination:
		p, err = s.registry.Examiner(req.Plugin)
	}
	if err != nil {
		return nil, mapTaskError(err, "Perform")
	}

	t, err := task.New(req.Category, p, c)
	if err != nil {
		return nil, mapTaskError(err, "Perform")
	}

	resp := &PerformResponse{Results: []WireResult{}}
	for r := range t.Perform(ctx, s.toolkit) {
		resp.Results = append(resp.Results, toWire(r))
	}
	resp.Succeeded = t.Succeeded()
	if err := t.Err(); err != nil {
		resp.Error = err.Error()
		logger.Error("remote task failed",
			slog.Duration("latency", t.ExecutionTime()),
			slog.String("error", err.Error()),
		)
	}
	return resp, nil
}

func toWire(r task.Result) WireResult {
	var w WireResult
	switch {
	case r.Hash != nil:
		w.Hash = r.Hash
	case r.Container != nil:
		rec := r.Container.Record()
		w.Container = &rec
	case r.Examination != nil:
		w.Examination = r.Examination
	case r.Task.Category() == task.DissectorSelection:
		w.Dissectors = make([]string, 0, len(r.Dissectors))
		for _, d := range r.Dissectors {
			w.Dissectors = append(w.Dissectors, d.Name())
		}
	case r.Task.Category() == task.ExaminerSelection:
		w.Examiners = make([]string, 0, len(r.Examiners))
		for _, e := range r.Examiners {
			w.Examiners = append(w.Examiners, e.Name())
		}
	}
	return w
}

// mapTaskError converts task construction errors to gRPC status codes.
func mapTaskError(err error, method string) error {
	switch {
	case errors.Is(err, plugin.ErrPluginNotFound):
		return status.Errorf(codes.NotFound, "%s: %v", method, err)
	case errors.Is(err, task.ErrInvalidPluginType),
		errors.Is(err, task.ErrUnknownCategory),
		errors.Is(err, task.ErrMissingContainer):
		return status.Errorf(codes.InvalidArgument, "%s: %v", method, err)
	case errors.Is(err, task.ErrUninitializedPlugin):
		return status.Errorf(codes.FailedPrecondition, "%s: %v", method, err)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "%s: timeout", method)
	default:
		return status.Errorf(codes.Internal, "%s: %v", method, err)
	}
}
