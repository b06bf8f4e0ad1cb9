// Package datashark wires the configuration, databases and orchestrator
// into the hash, dissect and examine operations exposed by the CLI.
package datashark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/koromodako/datashark/internal/config"
	"github.com/koromodako/datashark/internal/container"
	"github.com/koromodako/datashark/internal/hasher"
	"github.com/koromodako/datashark/internal/orchestrator"
	"github.com/koromodako/datashark/internal/plugin"
	"github.com/koromodako/datashark/internal/repository"
	"github.com/koromodako/datashark/internal/task"
)

var (
	// ErrDatabaseInit is returned by Init when a database cannot be opened.
	ErrDatabaseInit = errors.New("database initialization failed")
	// ErrNotInitialized is returned by operations called before Init.
	ErrNotInitialized = errors.New("datashark not initialized")
)

// Datashark runs processing passes over files. One pass runs at a time.
type Datashark struct {
	cfg      *config.Config
	registry *plugin.Registry
	logger   *slog.Logger

	mu   sync.Mutex // held by Init, Term and for the duration of a pass
	orch atomic.Pointer[orchestrator.Orchestrator]

	dbMu sync.RWMutex
	dbs  map[string]*repository.Database
}

// New returns an uninitialized Datashark.
func New(cfg *config.Config, registry *plugin.Registry, logger *slog.Logger) *Datashark {
	if logger == nil {
		logger = slog.Default()
	}
	return &Datashark{cfg: cfg, registry: registry, logger: logger}
}

// Init initializes the plugins, opens every database and builds the
// orchestrator. Any database failure is fatal; databases opened so far are
// closed again.
func (d *Datashark) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.orch.Load() != nil {
		return nil
	}

	h, err := hasher.New(d.cfg.HashAlgorithms)
	if err != nil {
		return fmt.Errorf("datashark init: %w", err)
	}
	d.registry.Init(ctx)

	dbs := make(map[string]*repository.Database, len(config.DatabaseNames()))
	for _, name := range config.DatabaseNames() {
		db, err := d.openDatabase(ctx, name)
		if err != nil {
			d.logger.Error("database init failed",
				slog.String("database", name),
				slog.String("error", err.Error()),
			)
			termAll(ctx, dbs, d.logger)
			return err
		}
		dbs[name] = db
	}
	d.dbMu.Lock()
	d.dbs = dbs
	d.dbMu.Unlock()

	d.orch.Store(orchestrator.New(orchestrator.Config{
		MaxWorkers:        d.cfg.MaxWorkers,
		WorkerCategory:    d.cfg.WorkerCategory,
		RemoteAddress:     d.cfg.Remote.Address,
		RemoteTimeout:     d.cfg.Remote.Timeout,
		DissectAndExamine: d.cfg.DissectAndExamine,
		CheckBlackOrWhite: d.cfg.CheckBlackOrWhite,
		Registry:          d.registry,
	}, orchestrator.Databases{
		Hash:        dbs[config.DBHash],
		Container:   dbs[config.DBContainer],
		Whitelist:   dbs[config.DBWhitelist],
		Blacklist:   dbs[config.DBBlacklist],
		Dissection:  dbs[config.DBDissection],
		Examination: dbs[config.DBExamination],
	}, task.Toolkit{Hasher: h, Selector: d.registry}, d.logger))

	d.logger.Info("datashark initialized",
		slog.Int("max_workers", d.cfg.MaxWorkers),
		slog.String("worker_category", d.cfg.WorkerCategory),
	)
	return nil
}

// readOnly reports whether the database is only looked up.
func readOnly(name string) bool {
	return name == config.DBWhitelist || name == config.DBBlacklist
}

func (d *Datashark) openDatabase(ctx context.Context, name string) (*repository.Database, error) {
	dbc, ok := d.cfg.Databases[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing configuration key databases.%s", ErrDatabaseInit, name)
	}
	db, err := d.registry.SelectDBConnector(dbc.Connector, dbc.Settings, readOnly(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDatabaseInit, name, err)
	}
	if err := db.Init(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDatabaseInit, name, err)
	}
	return db, nil
}

func termAll(ctx context.Context, dbs map[string]*repository.Database, logger *slog.Logger) error {
	var errs []error
	for _, name := range config.DatabaseNames() {
		db, ok := dbs[name]
		if !ok {
			continue
		}
		if err := db.Term(ctx); err != nil {
			logger.Error("database term failed",
				slog.String("database", name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Term aborts a running pass, waits for it to stop and closes the databases.
func (d *Datashark) Term(ctx context.Context) error {
	if err := d.Abort(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.orch.Swap(nil) == nil {
		return nil
	}

	d.dbMu.Lock()
	dbs := d.dbs
	d.dbs = nil
	d.dbMu.Unlock()

	err := termAll(ctx, dbs, d.logger)
	d.registry.Term(ctx)
	d.logger.Info("datashark terminated")
	return err
}

// Abort stops the running pass, if any, and waits until it stopped.
func (d *Datashark) Abort(ctx context.Context) error {
	if o := d.orch.Load(); o != nil {
		return o.Abort(ctx)
	}
	return nil
}

// Status describes the current processing state.
type Status struct {
	Processing bool `json:"processing"`
	Pending    int  `json:"pending"`
}

// Status reports whether a pass is running and how many tasks it has left.
func (d *Datashark) Status() Status {
	o := d.orch.Load()
	if o == nil {
		return Status{}
	}
	return Status{Processing: o.Processing(), Pending: o.Pending()}
}

// Ping checks every open database and returns the failures by name.
func (d *Datashark) Ping(ctx context.Context) map[string]error {
	d.dbMu.RLock()
	defer d.dbMu.RUnlock()

	failures := make(map[string]error)
	for name, db := range d.dbs {
		if err := db.Ping(ctx); err != nil {
			failures[name] = err
		}
	}
	return failures
}

// Database returns the open database called name, or nil.
func (d *Datashark) Database(name string) *repository.Database {
	d.dbMu.RLock()
	defer d.dbMu.RUnlock()
	return d.dbs[name]
}

// Hash computes and persists the digests of path, or of the files under it.
func (d *Datashark) Hash(ctx context.Context, path string, opts ScanOptions) error {
	return d.run(ctx, "hash", path, opts, nil)
}

// Dissect recursively extracts path, or the files under it.
func (d *Datashark) Dissect(ctx context.Context, path string, opts ScanOptions) error {
	return d.run(ctx, "dissect", path, opts, []task.Category{task.DissectorSelection})
}

// Examine runs the matching examiners on path, or on the files under it.
func (d *Datashark) Examine(ctx context.Context, path string, opts ScanOptions) error {
	return d.run(ctx, "examine", path, opts, []task.Category{task.ExaminerSelection})
}

// run seeds one task chain per input file and processes it. With no
// selection the files are only hashed. When listed containers must be
// skipped, selections run after hashing so the tags are known.
func (d *Datashark) run(ctx context.Context, op, path string, opts ScanOptions, selections []task.Category) error {
	files, err := d.inputs(path, opts)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	o := d.orch.Load()
	if o == nil {
		return ErrNotInitialized
	}

	var tasks []*task.Task
	for _, file := range files {
		c, err := container.New(filepath.Base(file), file, file, uuid.Nil)
		if err != nil {
			d.logger.Warn("skipping input", slog.String("path", file), slog.String("error", err.Error()))
			continue
		}
		seeded, err := d.seed(c, selections)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		tasks = append(tasks, seeded...)
	}

	d.logger.Info("processing inputs",
		slog.String("operation", op),
		slog.String("path", path),
		slog.Int("files", len(files)),
		slog.Int("tasks", len(tasks)),
	)
	o.ScheduleTasks(ctx, tasks...)
	return o.ProcessTasks(ctx)
}

func (d *Datashark) seed(c *container.Container, selections []task.Category) ([]*task.Task, error) {
	if len(selections) == 0 || d.cfg.CheckBlackOrWhite {
		t, err := task.New(task.Hashing, nil, c)
		if err != nil {
			return nil, err
		}
		t.Next = selections
		return []*task.Task{t}, nil
	}
	tasks := make([]*task.Task, 0, len(selections))
	for _, category := range selections {
		t, err := task.New(category, nil, c)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// inputs returns path itself, or the files under it when it is a directory.
func (d *Datashark) inputs(path string, opts ScanOptions) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return []string{abs}, nil
	}
	d.logger.Info("scanning directory", slog.String("path", path), slog.Bool("recurse", opts.Recurse))
	files, err := ScanDir(path, opts)
	if err != nil {
		return nil, err
	}
	d.logger.Info("scan completed", slog.Int("files", len(files)))
	return files, nil
}
