// Package orchestrator schedules tasks, routes their results and drives a
// worker pool through one processing pass.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koromodako/datashark/internal/container"
	"github.com/koromodako/datashark/internal/hasher"
	"github.com/koromodako/datashark/internal/metrics"
	"github.com/koromodako/datashark/internal/plugin"
	"github.com/koromodako/datashark/internal/repository"
	"github.com/koromodako/datashark/internal/task"
	"github.com/koromodako/datashark/internal/worker"
)

// ErrAlreadyProcessing is returned by ProcessTasks while a pass is running.
var ErrAlreadyProcessing = errors.New("orchestrator: already processing")

// Config holds the settings the orchestrator reads.
type Config struct {
	MaxWorkers        int
	WorkerCategory    string
	RemoteAddress     string
	RemoteTimeout     time.Duration
	DissectAndExamine bool
	CheckBlackOrWhite bool

	// Registry resolves plugin names for remote workers.
	Registry *plugin.Registry
	// NewWorker overrides WorkerCategory when set.
	NewWorker func(id int, in *worker.PriorityQueue, out *worker.ResultQueue) worker.Worker
}

// Store is the part of a database the orchestrator uses.
type Store interface {
	Persist(ctx context.Context, objs ...repository.Object) error
	Retrieve(ctx context.Context, q repository.Query) ([]repository.Record, error)
}

// Databases are the stores results are persisted to and checked against.
type Databases struct {
	Hash        Store
	Container   Store
	Whitelist   Store
	Blacklist   Store
	Dissection  Store
	Examination Store
}

// pass tracks one ProcessTasks call.
type pass struct {
	abort     chan struct{}
	abortOnce sync.Once
	stopped   chan struct{}
}

func (p *pass) requestAbort() {
	p.abortOnce.Do(func() { close(p.abort) })
}

func (p *pass) aborted() bool {
	select {
	case <-p.abort:
		return true
	default:
		return false
	}
}

// Orchestrator owns the input and output queues. ScheduleTasks and result
// routing run on the caller goroutine only, which makes it the single
// writer of container tags.
type Orchestrator struct {
	cfg     Config
	dbs     Databases
	toolkit task.Toolkit
	logger  *slog.Logger

	in  *worker.PriorityQueue
	out *worker.ResultQueue

	processing atomic.Bool
	mu         sync.Mutex
	current    *pass
}

// New returns an idle orchestrator.
func New(cfg Config, dbs Databases, tk task.Toolkit, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		dbs:     dbs,
		toolkit: tk,
		logger:  logger,
		in:      worker.NewPriorityQueue(),
		out:     worker.NewResultQueue(),
	}
}

// Processing reports whether a worker pool is allocated.
func (o *Orchestrator) Processing() bool {
	return o.processing.Load()
}

// Pending returns the number of tasks queued or in flight.
func (o *Orchestrator) Pending() int {
	return o.in.Unfinished()
}

// ScheduleTasks queues tasks. The container of each task is persisted the
// first time it is seen.
func (o *Orchestrator) ScheduleTasks(ctx context.Context, tasks ...*task.Task) {
	for _, t := range tasks {
		if c := t.Container(); c != nil && !c.Tags.Has(container.Persisted) {
			c.Tags.Add(container.Persisted)
			o.persist(ctx, "container", o.dbs.Container, c)
			metrics.ContainersPersisted.Inc()
		}
		o.in.Put(t)
	}
}

// ProcessTasks runs workers until every queued task and every task spawned
// from their results is done, or until Abort is called.
func (o *Orchestrator) ProcessTasks(ctx context.Context) error {
	p := &pass{abort: make(chan struct{}), stopped: make(chan struct{})}
	// Abort reads current and processing together under mu.
	o.mu.Lock()
	if o.processing.Load() {
		o.mu.Unlock()
		return ErrAlreadyProcessing
	}
	o.current = p
	o.processing.Store(true)
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.processing.Store(false)
		o.mu.Unlock()
		close(p.stopped)
	}()

	pool, err := worker.NewPool(o.in, o.out, worker.Options{
		Size:          o.cfg.MaxWorkers,
		Category:      o.cfg.WorkerCategory,
		Toolkit:       o.toolkit,
		RemoteAddress: o.cfg.RemoteAddress,
		RemoteTimeout: o.cfg.RemoteTimeout,
		Registry:      o.cfg.Registry,
		NewWorker:     o.cfg.NewWorker,
		Logger:        o.logger,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	start := time.Now()
	o.logger.Info("processing started", slog.Int("pending", o.in.Unfinished()))

	err = pool.Run(ctx, func(pool *worker.Pool) error {
		return o.drain(ctx, p, pool)
	})

	// Results of tasks that were in flight when the pass stopped.
	for r, ok := o.out.TryGet(); ok; r, ok = o.out.TryGet() {
		o.processResult(ctx, r)
	}
	if n := o.in.Clear(); n > 0 {
		o.logger.Warn("dropped queued tasks", slog.Int("count", n))
	}

	o.logger.Info("processing stopped",
		slog.Bool("aborted", p.aborted()),
		slog.Duration("latency", time.Since(start)),
	)
	return err
}

// drain routes results until both queues are empty, then asks the pool to
// exit. It never blocks on a single queue.
func (o *Orchestrator) drain(ctx context.Context, p *pass, pool *worker.Pool) error {
	for {
		if p.aborted() {
			return pool.Abort()
		}
		if r, ok := o.out.TryGet(); ok {
			o.processResult(ctx, r)
			continue
		}
		// Workers push results before acknowledging their task, so once
		// nothing is unfinished every result is already in the output queue.
		if o.in.Unfinished() == 0 && o.out.Len() == 0 {
			return pool.Exit()
		}
		select {
		case <-o.out.Ready():
		case <-o.in.Idle():
		case <-p.abort:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Abort stops the running pass and waits until every worker returned.
// Tasks already executing complete; queued tasks are dropped. Abort is a
// no-op when nothing is processing.
func (o *Orchestrator) Abort(ctx context.Context) error {
	o.mu.Lock()
	p, running := o.current, o.processing.Load()
	o.mu.Unlock()
	if p == nil || !running {
		return nil
	}

	o.logger.Info("processing abort requested")
	p.requestAbort()
	select {
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) processResult(ctx context.Context, r task.Result) {
	t := r.Task
	metrics.ResultsRouted.WithLabelValues(t.Category().String()).Inc()

	switch t.Category() {
	case task.Hashing:
		o.processHashing(ctx, r)

	case task.Dissection:
		if r.Container == nil {
			return
		}
		o.scheduleSelections(ctx, r.Container)
		o.persist(ctx, "dissection", o.dbs.Dissection, plugin.NewDissection(t.PluginName(), r.Container))

	case task.Examination:
		if r.Examination != nil {
			o.persist(ctx, "examination", o.dbs.Examination, r.Examination)
		}

	case task.DissectorSelection:
		c := t.Container()
		if o.skipSelection(c) {
			return
		}
		for _, d := range r.Dissectors {
			o.schedule(ctx, task.Dissection, d, c)
		}

	case task.ExaminerSelection:
		c := t.Container()
		if o.skipSelection(c) {
			return
		}
		for _, e := range r.Examiners {
			o.schedule(ctx, task.Examination, e, c)
		}
	}
}

func (o *Orchestrator) processHashing(ctx context.Context, r task.Result) {
	t := r.Task
	c := t.Container()
	if r.Hash == nil {
		return
	}
	if o.cfg.CheckBlackOrWhite {
		o.checkBlackOrWhite(ctx, c, r.Hash)
	}
	o.persist(ctx, "hash", o.dbs.Hash, r.Hash)

	if len(t.Next) == 0 {
		return
	}
	if c.Tags.Any(container.Blacklisted | container.Whitelisted) {
		o.logger.Info("container listed, skipping follow-up tasks",
			slog.String("container_id", c.ID().String()),
			slog.String("tags", c.Tags.String()),
		)
		return
	}
	for _, next := range t.Next {
		o.schedule(ctx, next, nil, c)
	}
}

// scheduleSelections queues the selection tasks of a newly discovered
// container, behind a hashing task when listed containers must be skipped.
func (o *Orchestrator) scheduleSelections(ctx context.Context, c *container.Container) {
	next := []task.Category{task.DissectorSelection}
	if o.cfg.DissectAndExamine {
		next = append(next, task.ExaminerSelection)
	}
	if !o.cfg.CheckBlackOrWhite {
		for _, category := range next {
			o.schedule(ctx, category, nil, c)
		}
		return
	}
	t, err := task.New(task.Hashing, nil, c)
	if err != nil {
		o.logger.Error("build task", slog.String("error", err.Error()))
		return
	}
	t.Next = next
	o.ScheduleTasks(ctx, t)
}

func (o *Orchestrator) schedule(ctx context.Context, category task.Category, p plugin.Plugin, c *container.Container) {
	t, err := task.New(category, p, c)
	if err != nil {
		o.logger.Error("build task",
			slog.String("category", category.String()),
			slog.String("container_id", c.ID().String()),
			slog.String("error", err.Error()),
		)
		return
	}
	o.ScheduleTasks(ctx, t)
}

// skipSelection reports whether selection results for c must be dropped.
func (o *Orchestrator) skipSelection(c *container.Container) bool {
	if !c.Tags.Any(container.Blacklisted | container.Whitelisted) {
		return false
	}
	o.logger.Debug("container listed, ignoring selection",
		slog.String("container_id", c.ID().String()),
		slog.String("tags", c.Tags.String()),
	)
	return true
}

// checkBlackOrWhite tags c when one of its digests is known to the
// blacklist or whitelist database.
func (o *Orchestrator) checkBlackOrWhite(ctx context.Context, c *container.Container, h *hasher.Hash) {
	if o.listed(ctx, "blacklist", o.dbs.Blacklist, h) {
		c.Tags.Add(container.Blacklisted)
	}
	if o.listed(ctx, "whitelist", o.dbs.Whitelist, h) {
		c.Tags.Add(container.Whitelisted)
	}
}

func (o *Orchestrator) listed(ctx context.Context, name string, db Store, h *hasher.Hash) bool {
	if db == nil {
		return false
	}
	algos := make([]string, 0, len(h.Digests))
	for a := range h.Digests {
		algos = append(algos, a)
	}
	sort.Strings(algos)

	for _, a := range algos {
		recs, err := db.Retrieve(ctx, repository.Query{
			Index: hasher.Index,
			Where: map[string]any{hasher.FieldName(a): h.Digests[a]},
			Limit: 1,
		})
		if err != nil {
			if errors.Is(err, repository.ErrRetrieveUnsupported) {
				return false
			}
			// A list built with other algorithms may lack this digest.
			o.logger.Warn("lookup failed",
				slog.String("database", name),
				slog.String("container_id", h.ContainerID),
				slog.String("algorithm", a),
				slog.String("error", err.Error()),
			)
			continue
		}
		if len(recs) > 0 {
			return true
		}
	}
	return false
}

func (o *Orchestrator) persist(ctx context.Context, name string, db Store, obj repository.Object) {
	if db == nil {
		return
	}
	if err := db.Persist(ctx, obj); err != nil {
		metrics.PersistErrors.WithLabelValues(name).Inc()
		o.logger.Error("persist failed",
			slog.String("database", name),
			slog.String("error", err.Error()),
		)
	}
}
