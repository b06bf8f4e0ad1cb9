package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/koromodako/datashark/internal/metrics"
	"github.com/koromodako/datashark/internal/plugin"
	"github.com/koromodako/datashark/internal/remote"
	"github.com/koromodako/datashark/internal/task"
)

// Worker consumes tasks from the input queue and pushes their results to
// the output queue until it receives a control task.
type Worker interface {
	ID() int
	// Initialize prepares the worker; a worker failing to initialize is
	// never started.
	Initialize(ctx context.Context) error
	Terminate(ctx context.Context) error
	Terminated() bool
	// DoWork runs the consumer loop. It returns nil after EXIT or ABORT and
	// ctx.Err() when ctx is done first.
	DoWork(ctx context.Context) error
}

// loop is the consumer loop shared by worker variants. run executes a task.
type loop struct {
	id         int
	in         *PriorityQueue
	out        *ResultQueue
	logger     *slog.Logger
	terminated atomic.Bool
	run        task.Runner
}

func (l *loop) setup(id int, in *PriorityQueue, out *ResultQueue, logger *slog.Logger) {
	l.id, l.in, l.out, l.logger = id, in, out, logger
	l.terminated.Store(true)
}

func (l *loop) ID() int { return l.id }

func (l *loop) Terminated() bool { return l.terminated.Load() }

func (l *loop) DoWork(ctx context.Context) error {
	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()

	for {
		t, err := l.in.Get(ctx)
		if err != nil {
			l.logger.Warn("worker cancelled", slog.Int("worker_id", l.id))
			return err
		}

		if l.Terminated() {
			l.in.Done()
			l.logger.Warn("terminated worker received a task", slog.Int("worker_id", l.id))
			return nil
		}
		switch t.Category() {
		case task.Abort:
			l.in.Done()
			l.logger.Info("worker aborted", slog.Int("worker_id", l.id))
			return nil
		case task.Exit:
			l.in.Done()
			l.logger.Info("worker exiting", slog.Int("worker_id", l.id))
			return nil
		}

		l.process(ctx, t)
		l.in.Done()
	}
}

// process performs t and streams its results to the output queue.
func (l *loop) process(ctx context.Context, t *task.Task) {
	start := time.Now()
	logger := l.logger.With(
		slog.Int("worker_id", l.id),
		slog.String("task_id", t.ID().String()),
		slog.String("category", t.Category().String()),
	)
	logger.Debug("processing started",
		slog.String("container_id", t.Container().ID().String()),
		slog.String("plugin", t.PluginName()),
	)

	n := 0
	for r := range t.PerformWith(ctx, l.run) {
		l.out.Put(r)
		n++
	}

	latency := time.Since(start)
	metrics.TasksTotal.WithLabelValues(t.Category().String(), t.Outcome().String()).Inc()
	metrics.TaskDuration.WithLabelValues(t.Category().String()).Observe(t.ExecutionTime().Seconds())

	if err := t.Err(); err != nil {
		logger.Error("processing failed",
			slog.String("container_id", t.Container().ID().String()),
			slog.Duration("latency", latency),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Debug("processing completed",
		slog.Duration("latency", latency),
		slog.Int("results", n),
	)
}

// LocalWorker executes tasks in process.
type LocalWorker struct {
	loop
}

// NewLocalWorker returns a worker executing tasks with tk.
func NewLocalWorker(id int, in *PriorityQueue, out *ResultQueue, tk task.Toolkit, logger *slog.Logger) *LocalWorker {
	w := &LocalWorker{}
	w.setup(id, in, out, logger)
	w.run = tk.Run
	return w
}

func (w *LocalWorker) Initialize(context.Context) error {
	w.terminated.Store(false)
	return nil
}

func (w *LocalWorker) Terminate(context.Context) error {
	w.terminated.Store(true)
	return nil
}

// RemoteWorker forwards tasks to a task service.
type RemoteWorker struct {
	loop
	address  string
	timeout  time.Duration
	registry *plugin.Registry
	client   *remote.Client
}

// NewRemoteWorker returns a worker forwarding tasks to address. Results
// referencing plugins are resolved against registry.
func NewRemoteWorker(id int, in *PriorityQueue, out *ResultQueue, address string, timeout time.Duration, registry *plugin.Registry, logger *slog.Logger) *RemoteWorker {
	w := &RemoteWorker{address: address, timeout: timeout, registry: registry}
	w.setup(id, in, out, logger)
	return w
}

func (w *RemoteWorker) Initialize(context.Context) error {
	if w.registry == nil {
		return errors.New("remote worker: registry is required")
	}
	client, err := remote.Dial(w.address, w.registry, w.timeout)
	if err != nil {
		return err
	}
	w.client = client
	w.run = client.Run
	w.terminated.Store(false)
	return nil
}

func (w *RemoteWorker) Terminate(context.Context) error {
	w.terminated.Store(true)
	if w.client == nil {
		return nil
	}
	err := w.client.Close()
	w.client = nil
	if err != nil {
		return fmt.Errorf("remote worker %d: close: %w", w.id, err)
	}
	return nil
}
