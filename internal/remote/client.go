package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/koromodako/datashark/internal/container"
	"github.com/koromodako/datashark/internal/plugin"
	"github.com/koromodako/datashark/internal/task"
)

// Client forwards tasks to a task service. Plugin handles in responses are
// resolved against the local registry, so both ends must register the same
// plugins.
type Client struct {
	conn     *grpc.ClientConn
	svc      TaskServiceClient
	registry *plugin.Registry
	timeout  time.Duration
}

// Dial connects to the task service at address. A zero timeout disables the
// per-task deadline.
func Dial(address string, registry *plugin.Registry, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", address, err)
	}
	return &Client{
		conn:     conn,
		svc:      NewTaskServiceClient(conn),
		registry: registry,
		timeout:  timeout,
	}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Run implements task.Runner.
func (c *Client) Run(ctx context.Context, t *task.Task, emit func(task.Result) bool) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.svc.Perform(ctx, &PerformRequest{
		TaskID:    t.ID().String(),
		Category:  t.Category(),
		Plugin:    t.PluginName(),
		Container: t.Container().Record(),
	})
	if err != nil {
		return fmt.Errorf("remote: perform: %w", err)
	}

	for _, w := range resp.Results {
		r, err := c.fromWire(t, w)
		if err != nil {
			return err
		}
		if !emit(r) {
			return nil
		}
	}
	if !resp.Succeeded {
		if resp.Error == "" {
			return errors.New("remote: task failed")
		}
		return fmt.Errorf("remote: %s", resp.Error)
	}
	return nil
}

func (c *Client) fromWire(t *task.Task, w WireResult) (task.Result, error) {
	r := task.Result{Task: t}
	switch t.Category() {
	case task.Hashing:
		r.Hash = w.Hash
	case task.Dissection:
		if w.Container == nil {
			return r, errors.New("remote: dissection result without container")
		}
		sub, err := container.FromRecord(*w.Container)
		if err != nil {
			return r, fmt.Errorf("remote: %w", err)
		}
		r.Container = sub
	case task.Examination:
		r.Examination = w.Examination
	case task.DissectorSelection:
		r.Dissectors = []plugin.Dissector{}
		for _, name := range w.Dissectors {
			d, err := c.registry.Dissector(name)
			if err != nil {
				return r, fmt.Errorf("remote: %w", err)
			}
			r.Dissectors = append(r.Dissectors, d)
		}
	case task.ExaminerSelection:
		r.Examiners = []plugin.Examiner{}
		for _, name := range w.Examiners {
			e, err := c.registry.Examiner(name)
			if err != nil {
				return r, fmt.Errorf("remote: %w", err)
			}
			r.Examiners = append(r.Examiners, e)
		}
	}
	return r, nil
}
