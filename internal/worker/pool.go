// Package worker implements the input/output queues and the pool of
// workers executing tasks between them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koromodako/datashark/internal/plugin"
	"github.com/koromodako/datashark/internal/task"
)

var (
	ErrInvalidQueue          = errors.New("pool: invalid queue")
	ErrInvalidPoolSize       = errors.New("pool: size must be at least 1")
	ErrUnknownWorkerCategory = errors.New("pool: unknown worker category")
	ErrWorkerInit            = errors.New("pool: no worker could be initialized")
	ErrPoolNotAllocated      = errors.New("pool: not allocated")
	ErrPoolAllocated         = errors.New("pool: already allocated")
)

// Worker categories.
const (
	CategoryLocal  = "local"
	CategoryRemote = "remote"
)

// Options configures a Pool.
type Options struct {
	Size int
	// Category selects LocalWorker or RemoteWorker.
	Category string
	Toolkit  task.Toolkit

	RemoteAddress string
	RemoteTimeout time.Duration
	// Registry resolves plugin names returned by remote workers.
	Registry *plugin.Registry

	// NewWorker, when set, builds the workers instead of Category.
	NewWorker func(id int, in *PriorityQueue, out *ResultQueue) Worker

	Logger *slog.Logger
}

// Pool manages a fixed set of workers sharing one input and one output queue.
type Pool struct {
	in     *PriorityQueue
	out    *ResultQueue
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	workers []Worker
	group   *errgroup.Group
}

// NewPool validates opts and returns an unallocated pool.
func NewPool(in *PriorityQueue, out *ResultQueue, opts Options) (*Pool, error) {
	if opts.Size < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPoolSize, opts.Size)
	}
	if opts.NewWorker == nil {
		switch opts.Category {
		case "", CategoryLocal:
			opts.Category = CategoryLocal
		case CategoryRemote:
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownWorkerCategory, opts.Category)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{in: in, out: out, opts: opts, logger: logger}, nil
}

func (p *Pool) newWorker(id int) Worker {
	if p.opts.NewWorker != nil {
		return p.opts.NewWorker(id, p.in, p.out)
	}
	if p.opts.Category == CategoryRemote {
		return NewRemoteWorker(id, p.in, p.out, p.opts.RemoteAddress, p.opts.RemoteTimeout, p.opts.Registry, p.logger)
	}
	return NewLocalWorker(id, p.in, p.out, p.opts.Toolkit, p.logger)
}

// Size returns the number of allocated workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Allocate builds and initializes the workers. Workers failing to
// initialize are left out; allocation fails only when none succeeded.
func (p *Pool) Allocate(ctx context.Context) error {
	if p.in == nil || p.out == nil {
		return ErrInvalidQueue
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers != nil {
		return ErrPoolAllocated
	}

	workers := make([]Worker, 0, p.opts.Size)
	var errs []error
	for id := 0; id < p.opts.Size; id++ {
		w := p.newWorker(id)
		if err := w.Initialize(ctx); err != nil {
			p.logger.Error("worker init failed",
				slog.Int("worker_id", id),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		workers = append(workers, w)
	}
	if len(workers) == 0 {
		return fmt.Errorf("%w: %w", ErrWorkerInit, errors.Join(errs...))
	}

	p.workers = workers
	p.logger.Info("worker pool allocated",
		slog.Int("workers", len(workers)),
		slog.String("category", p.opts.Category),
	)
	return nil
}

// Start launches every worker loop and returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) == 0 {
		return ErrPoolNotAllocated
	}

	p.group = &errgroup.Group{}
	for _, w := range p.workers {
		p.group.Go(func() error {
			return w.DoWork(ctx)
		})
	}
	return nil
}

// broadcast enqueues one control task per worker.
func (p *Pool) broadcast(category task.Category) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) == 0 {
		return ErrPoolNotAllocated
	}
	for range p.workers {
		p.in.Put(task.Control(category))
	}
	return nil
}

// Exit asks every worker to stop once the work queued ahead of the EXIT
// tasks is drained.
func (p *Pool) Exit() error {
	p.logger.Info("worker pool exit requested")
	return p.broadcast(task.Exit)
}

// Abort asks every worker to stop after its current task. Queued tasks are
// not started.
func (p *Pool) Abort() error {
	p.logger.Warn("worker pool abort requested")
	return p.broadcast(task.Abort)
}

// Join waits for every worker loop to return.
func (p *Pool) Join() error {
	p.mu.Lock()
	g := p.group
	p.group = nil
	p.mu.Unlock()

	if g == nil {
		return nil
	}
	err := g.Wait()
	p.logger.Info("worker pool joined")
	return err
}

// Free terminates and releases the workers.
func (p *Pool) Free(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, w := range p.workers {
		if err := w.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("worker %d: %w", w.ID(), err))
		}
	}
	p.workers = nil
	return errors.Join(errs...)
}

// Run allocates and starts the pool, calls fn, then joins and frees the
// pool on every return path. When fn fails the workers are aborted before
// joining. fn must make the workers stop, through Exit or Abort.
func (p *Pool) Run(ctx context.Context, fn func(*Pool) error) (err error) {
	if err := p.Allocate(ctx); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, p.Free(context.WithoutCancel(ctx)))
	}()

	if err := p.Start(ctx); err != nil {
		return err
	}
	ferr := fn(p)
	if ferr != nil {
		p.Abort()
	}
	return errors.Join(ferr, p.Join())
}
