// Package task implements the unit of work scheduled by the orchestrator and
// executed by workers.
package task

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koromodako/datashark/internal/container"
	"github.com/koromodako/datashark/internal/hasher"
	"github.com/koromodako/datashark/internal/plugin"
)

var (
	ErrInvalidPluginType   = errors.New("invalid plugin type for task category")
	ErrUninitializedPlugin = errors.New("plugin is not initialized")
	ErrUnknownCategory     = errors.New("unknown task category")
	ErrMissingContainer    = errors.New("task requires a container")
	ErrMissingCollaborator = errors.New("toolkit lacks a collaborator required by the task")
	ErrPanic               = errors.New("task panicked")
)

// Outcome is the tri-state success flag of a task.
type Outcome int

const (
	Unset Outcome = iota
	Succeeded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unset"
	}
}

// Result pairs a task with one payload. Exactly one payload field is set,
// depending on the task category; selection results may carry an empty list.
type Result struct {
	Task        *Task
	Hash        *hasher.Hash
	Container   *container.Container
	Examination *plugin.Examination
	Dissectors  []plugin.Dissector
	Examiners   []plugin.Examiner
}

// Task is a (category, plugin, container) triple. It is performed at most once.
type Task struct {
	id        uuid.UUID
	category  Category
	plugin    plugin.Plugin
	container *container.Container

	// Next lists the categories to schedule on the container once a
	// HASHING task completes and the container was not found in the
	// blacklist or whitelist.
	Next []Category

	mu      sync.Mutex
	started time.Time
	stopped time.Time
	outcome Outcome
	err     error
}

// New validates the plugin bound to category and returns a task.
// HASHING and selection tasks take a nil plugin. Control categories take
// neither plugin nor container.
func New(category Category, p plugin.Plugin, c *container.Container) (*Task, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCategory, int(category))
	}
	if !category.IsControl() && c == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingContainer, category)
	}

	switch category {
	case Dissection:
		d, ok := p.(plugin.Dissector)
		if !ok {
			return nil, fmt.Errorf("%w: %s needs a dissector", ErrInvalidPluginType, category)
		}
		if !d.Initialized() {
			return nil, fmt.Errorf("%w: %s", ErrUninitializedPlugin, d.Name())
		}
	case Examination:
		e, ok := p.(plugin.Examiner)
		if !ok {
			return nil, fmt.Errorf("%w: %s needs an examiner", ErrInvalidPluginType, category)
		}
		if !e.Initialized() {
			return nil, fmt.Errorf("%w: %s", ErrUninitializedPlugin, e.Name())
		}
	default:
		if p != nil {
			return nil, fmt.Errorf("%w: %s takes no plugin", ErrInvalidPluginType, category)
		}
	}

	return &Task{
		id:        uuid.New(),
		category:  category,
		plugin:    p,
		container: c,
	}, nil
}

// Control returns an ABORT or EXIT task. It panics on any other category.
func Control(category Category) *Task {
	if !category.IsControl() {
		panic(fmt.Sprintf("task: %s is not a control category", category))
	}
	return &Task{id: uuid.New(), category: category}
}

func (t *Task) ID() uuid.UUID                   { return t.id }
func (t *Task) Category() Category              { return t.category }
func (t *Task) Plugin() plugin.Plugin           { return t.plugin }
func (t *Task) Container() *container.Container { return t.container }
func (t *Task) Priority() int                   { return t.category.Priority() }

// Less orders tasks by priority only. Ties are broken by the queue.
func (t *Task) Less(o *Task) bool {
	return t.Priority() < o.Priority()
}

// PluginName returns the bound plugin name, or "" for tasks without one.
func (t *Task) PluginName() string {
	if t.plugin == nil {
		return ""
	}
	return t.plugin.Name()
}

func (t *Task) String() string {
	if t.container == nil {
		return fmt.Sprintf("Task(%s, %s)", t.id, t.category)
	}
	return fmt.Sprintf("Task(%s, %s, container=%s)", t.id, t.category, t.container.ID())
}

// Outcome returns the success flag.
func (t *Task) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Succeeded reports whether the task ran to completion without error.
func (t *Task) Succeeded() bool { return t.Outcome() == Succeeded }

// Err returns the error the task failed with, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

func (t *Task) StoppedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// ExecutionTime returns the time between start and stop, or zero while the
// task has not stopped.
func (t *Task) ExecutionTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started.IsZero() || t.stopped.IsZero() {
		return 0
	}
	return t.stopped.Sub(t.started)
}

// begin records the start time. It returns false if the task already ran.
func (t *Task) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started.IsZero() {
		return false
	}
	t.started = time.Now()
	return true
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = time.Now()
	t.err = err
	if err != nil {
		t.outcome = Failed
	} else {
		t.outcome = Succeeded
	}
}

// Runner executes t, handing every result to emit. emit returns false once
// the consumer stopped listening.
type Runner func(ctx context.Context, t *Task, emit func(Result) bool) error

// Perform executes the task with the local toolkit.
func (t *Task) Perform(ctx context.Context, tk Toolkit) iter.Seq[Result] {
	return t.PerformWith(ctx, tk.Run)
}

// PerformWith executes the task through run and returns its results lazily.
// Errors and panics raised by run mark the task failed and end the sequence;
// they never reach the caller. The start and stop times are recorded in
// every case. A task that already ran yields nothing.
func (t *Task) PerformWith(ctx context.Context, run Runner) iter.Seq[Result] {
	return func(yield func(Result) bool) {
		if !t.begin() {
			return
		}

		yielding := false
		emit := func(r Result) bool {
			yielding = true
			ok := yield(r)
			yielding = false
			return ok
		}

		finished := false
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if !finished {
				t.finish(fmt.Errorf("%w: %v", ErrPanic, r))
			}
			if yielding {
				// The consumer panicked, not the task.
				panic(r)
			}
		}()

		err := run(ctx, t, emit)
		finished = true
		t.finish(err)
	}
}
