package orchestrator

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koromodako/datashark/internal/container"
	"github.com/koromodako/datashark/internal/hasher"
	"github.com/koromodako/datashark/internal/plugin"
	"github.com/koromodako/datashark/internal/repository"
	"github.com/koromodako/datashark/internal/task"
)

// countingStore wraps a memory database and counts persisted objects per index.
type countingStore struct {
	*repository.Database
	mu    sync.Mutex
	calls map[string]int
}

func newStore(t *testing.T, name string) *countingStore {
	t.Helper()
	db := repository.NewDatabase(name, repository.NewMemoryConnector(), false, slog.Default())
	require.NoError(t, db.Init(context.Background()))
	return &countingStore{Database: db, calls: make(map[string]int)}
}

func (s *countingStore) Persist(ctx context.Context, objs ...repository.Object) error {
	s.mu.Lock()
	for _, obj := range objs {
		s.calls[obj.Record().Index]++
	}
	s.mu.Unlock()
	return s.Database.Persist(ctx, objs...)
}

func (s *countingStore) count(index string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[index]
}

type stores struct {
	hash, container, whitelist, blacklist, dissection, examination *countingStore
}

func newStores(t *testing.T) (stores, Databases) {
	s := stores{
		hash:        newStore(t, "hash"),
		container:   newStore(t, "container"),
		whitelist:   newStore(t, "whitelist"),
		blacklist:   newStore(t, "blacklist"),
		dissection:  newStore(t, "dissection"),
		examination: newStore(t, "examination"),
	}
	return s, Databases{
		Hash:        s.hash,
		Container:   s.container,
		Whitelist:   s.whitelist,
		Blacklist:   s.blacklist,
		Dissection:  s.dissection,
		Examination: s.examination,
	}
}

func writeContainer(t *testing.T, dir, name, data string, parent uuid.UUID) *container.Container {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	c, err := container.New(name, path, "", parent)
	require.NoError(t, err)
	return c
}

// nestDissector extracts one child from files reading "depth:N" with N > 0.
type nestDissector struct {
	plugin.Base
	dir string
}

func (d *nestDissector) Name() string                 { return "nest" }
func (d *nestDissector) Kind() plugin.Kind            { return plugin.KindDissector }
func (d *nestDissector) Description() string          { return "" }
func (d *nestDissector) SupportedMIMETypes() []string { return []string{"text/plain"} }

func depth(c *container.Container) int {
	b, err := os.ReadFile(c.Path)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimPrefix(string(b), "depth:"))
	return n
}

func (d *nestDissector) CanDissect(c *container.Container) bool { return depth(c) > 0 }

func (d *nestDissector) Containers(_ context.Context, c *container.Container) iter.Seq2[*container.Container, error] {
	return func(yield func(*container.Container, error) bool) {
		n := depth(c) - 1
		path := filepath.Join(d.dir, uuid.NewString())
		if err := os.WriteFile(path, []byte(fmt.Sprintf("depth:%d", n)), 0o600); err != nil {
			yield(nil, err)
			return
		}
		sub, err := container.New("child", path, c.OriginalPath+"/child", c.ID())
		yield(sub, err)
	}
}

type passExaminer struct {
	plugin.Base
}

func (e *passExaminer) Name() string                         { return "pass" }
func (e *passExaminer) Kind() plugin.Kind                    { return plugin.KindExaminer }
func (e *passExaminer) Description() string                  { return "" }
func (e *passExaminer) SupportedMIMETypes() []string         { return nil }
func (e *passExaminer) CanExamine(*container.Container) bool { return true }

func (e *passExaminer) Examine(_ context.Context, c *container.Container) (*plugin.Examination, error) {
	return plugin.NewExamination(e.Name(), c, true, "ok", nil), nil
}

func newToolkit(t *testing.T) (task.Toolkit, *plugin.Registry) {
	t.Helper()
	reg := plugin.NewRegistry(slog.Default())
	reg.MustRegister(&nestDissector{dir: t.TempDir()}, &passExaminer{})
	reg.Init(context.Background())
	h, err := hasher.New(nil)
	require.NoError(t, err)
	return task.Toolkit{Hasher: h, Selector: reg}, reg
}

func newTask(t *testing.T, category task.Category, p plugin.Plugin, c *container.Container) *task.Task {
	t.Helper()
	tk, err := task.New(category, p, c)
	require.NoError(t, err)
	return tk
}

func TestScheduleTasksPersistsContainerOnce(t *testing.T) {
	ctx := context.Background()
	s, dbs := newStores(t)
	tk, _ := newToolkit(t)
	o := New(Config{MaxWorkers: 1}, dbs, tk, slog.Default())

	c := writeContainer(t, t.TempDir(), "a", "x", uuid.Nil)
	for i := 0; i < 3; i++ {
		o.ScheduleTasks(ctx, newTask(t, task.Hashing, nil, c), newTask(t, task.DissectorSelection, nil, c))
	}

	assert.Equal(t, 1, s.container.count(container.Index))
	assert.True(t, c.Tags.Has(container.Persisted))
	assert.Equal(t, 6, o.Pending())
}

func TestProcessTasksHashEmptyFile(t *testing.T) {
	ctx := context.Background()
	s, dbs := newStores(t)
	tk, _ := newToolkit(t)
	o := New(Config{MaxWorkers: 2}, dbs, tk, slog.Default())

	c := writeContainer(t, t.TempDir(), "empty", "", uuid.Nil)
	o.ScheduleTasks(ctx, newTask(t, task.Hashing, nil, c))
	require.NoError(t, o.ProcessTasks(ctx))

	recs, err := s.hash.Retrieve(ctx, repository.Query{Index: hasher.Index})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	src := recs[0].Source
	assert.Equal(t, c.ID().String(), src["container"])
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", src["md5"])
	assert.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", src["sha1"])
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", src["sha256"])
	assert.Equal(t, "a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434a", src["sha3_256"])

	assert.True(t, c.Tags.Has(container.Persisted))
	assert.False(t, c.Tags.Any(container.Blacklisted|container.Whitelisted))
	assert.False(t, o.Processing())
	assert.Equal(t, 0, o.Pending())
}

func TestProcessTasksEmptySelectionTerminates(t *testing.T) {
	ctx := context.Background()
	s, dbs := newStores(t)
	tk, _ := newToolkit(t)
	o := New(Config{MaxWorkers: 3}, dbs, tk, slog.Default())

	// depth 0: no dissector applies.
	c := writeContainer(t, t.TempDir(), "leaf", "depth:0", uuid.Nil)
	o.ScheduleTasks(ctx, newTask(t, task.DissectorSelection, nil, c))

	done := make(chan error)
	go func() { done <- o.ProcessTasks(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ProcessTasks did not terminate")
	}
	assert.Equal(t, 0, s.dissection.count(plugin.DissectionIndex))
	assert.Equal(t, 1, s.container.count(container.Index))
}

func TestProcessTasksRecursiveDissection(t *testing.T) {
	ctx := context.Background()
	s, dbs := newStores(t)
	tk, _ := newToolkit(t)
	o := New(Config{MaxWorkers: 4, DissectAndExamine: true}, dbs, tk, slog.Default())

	root := writeContainer(t, t.TempDir(), "root", "depth:3", uuid.Nil)
	o.ScheduleTasks(ctx, newTask(t, task.DissectorSelection, nil, root))
	require.NoError(t, o.ProcessTasks(ctx))

	// root -> 3 nested children.
	assert.Equal(t, 3, s.dissection.count(plugin.DissectionIndex))
	assert.Equal(t, 4, s.container.count(container.Index))
	// Examiner selection runs on every extracted container.
	assert.Equal(t, 3, s.examination.count(plugin.ExaminationIndex))

	recs, err := s.dissection.Retrieve(ctx, repository.Query{
		Index: plugin.DissectionIndex,
		Where: map[string]any{"parent": root.ID().String()},
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "nest", recs[0].Source["dissector"])
}

func TestProcessResultRouting(t *testing.T) {
	ctx := context.Background()
	tk, reg := newToolkit(t)
	dir := t.TempDir()
	nest, err := reg.Dissector("nest")
	require.NoError(t, err)
	pass, err := reg.Examiner("pass")
	require.NoError(t, err)

	tests := []struct {
		name       string
		result     func(c *container.Container) task.Result
		persisted  func(s stores) int
		wantQueued int
	}{
		{
			name: "hashing",
			result: func(c *container.Container) task.Result {
				return task.Result{
					Task: newTask(t, task.Hashing, nil, c),
					Hash: &hasher.Hash{ContainerID: c.ID().String(), Digests: map[string]string{"md5": "00"}},
				}
			},
			persisted: func(s stores) int { return s.hash.count(hasher.Index) },
		},
		{
			name: "dissection",
			result: func(c *container.Container) task.Result {
				sub := writeContainer(t, dir, uuid.NewString(), "depth:0", c.ID())
				return task.Result{Task: newTask(t, task.Dissection, nest, c), Container: sub}
			},
			persisted:  func(s stores) int { return s.dissection.count(plugin.DissectionIndex) },
			wantQueued: 1,
		},
		{
			name: "examination",
			result: func(c *container.Container) task.Result {
				return task.Result{
					Task:        newTask(t, task.Examination, pass, c),
					Examination: plugin.NewExamination("pass", c, true, "ok", nil),
				}
			},
			persisted: func(s stores) int { return s.examination.count(plugin.ExaminationIndex) },
		},
		{
			name: "dissector selection",
			result: func(c *container.Container) task.Result {
				return task.Result{
					Task:       newTask(t, task.DissectorSelection, nil, c),
					Dissectors: []plugin.Dissector{nest, nest},
				}
			},
			wantQueued: 2,
		},
		{
			name: "examiner selection",
			result: func(c *container.Container) task.Result {
				return task.Result{
					Task:      newTask(t, task.ExaminerSelection, nil, c),
					Examiners: []plugin.Examiner{pass},
				}
			},
			wantQueued: 1,
		},
		{
			name: "empty selection",
			result: func(c *container.Container) task.Result {
				return task.Result{Task: newTask(t, task.ExaminerSelection, nil, c), Examiners: []plugin.Examiner{}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, dbs := newStores(t)
			o := New(Config{MaxWorkers: 1}, dbs, tk, slog.Default())
			c := writeContainer(t, dir, uuid.NewString(), "depth:1", uuid.Nil)
			c.Tags.Add(container.Persisted)

			o.processResult(ctx, tt.result(c))

			if tt.persisted != nil {
				assert.Equal(t, 1, tt.persisted(s))
			}
			assert.Equal(t, tt.wantQueued, o.in.Len())
			assert.Equal(t, 0, o.out.Len())
		})
	}
}

func TestHashingFollowUpsRespectLists(t *testing.T) {
	ctx := context.Background()
	tk, _ := newToolkit(t)
	dir := t.TempDir()

	listed := writeContainer(t, dir, "listed", "depth:1", uuid.Nil)
	clean := writeContainer(t, dir, "clean", "depth:1", uuid.Nil)

	h, err := hasher.New(nil)
	require.NoError(t, err)
	listedHash, err := h.Hash(ctx, listed)
	require.NoError(t, err)

	s, dbs := newStores(t)
	blacklist := repository.NewDatabase("blacklist", repository.NewMemoryConnector(), false, slog.Default())
	require.NoError(t, blacklist.Init(ctx))
	known := *listedHash
	known.ContainerID = uuid.NewString()
	require.NoError(t, blacklist.Persist(ctx, &known))
	dbs.Blacklist = blacklist

	o := New(Config{MaxWorkers: 2, CheckBlackOrWhite: true}, dbs, tk, slog.Default())
	for _, c := range []*container.Container{listed, clean} {
		ht := newTask(t, task.Hashing, nil, c)
		ht.Next = []task.Category{task.DissectorSelection}
		o.ScheduleTasks(ctx, ht)
	}
	require.NoError(t, o.ProcessTasks(ctx))

	assert.True(t, listed.Tags.Has(container.Blacklisted))
	assert.False(t, clean.Tags.Any(container.Blacklisted|container.Whitelisted))
	// listed, clean and the child extracted from clean.
	assert.Equal(t, 3, s.hash.count(hasher.Index))

	recs, err := s.dissection.Retrieve(ctx, repository.Query{Index: plugin.DissectionIndex})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, clean.ID().String(), recs[0].Source["parent"])
}

func TestSelectionDroppedForListedContainer(t *testing.T) {
	ctx := context.Background()
	tk, reg := newToolkit(t)
	nest, err := reg.Dissector("nest")
	require.NoError(t, err)
	_, dbs := newStores(t)
	o := New(Config{MaxWorkers: 1}, dbs, tk, slog.Default())

	c := writeContainer(t, t.TempDir(), "c", "depth:1", uuid.Nil)
	c.Tags.Add(container.Persisted)
	c.Tags.Add(container.Whitelisted)
	o.processResult(ctx, task.Result{
		Task:       newTask(t, task.DissectorSelection, nil, c),
		Dissectors: []plugin.Dissector{nest},
	})
	assert.Equal(t, 0, o.in.Len())
}

// columnStore fails every lookup on a field the table does not carry.
type columnStore struct {
	Store
	missing string
}

func (s columnStore) Retrieve(ctx context.Context, q repository.Query) ([]repository.Record, error) {
	if _, ok := q.Where[s.missing]; ok {
		return nil, fmt.Errorf("no such column: %s", s.missing)
	}
	return s.Store.Retrieve(ctx, q)
}

func hashResult(t *testing.T, c *container.Container) task.Result {
	t.Helper()
	h, err := hasher.New(nil)
	require.NoError(t, err)
	sum, err := h.Hash(context.Background(), c)
	require.NoError(t, err)
	ht := newTask(t, task.Hashing, nil, c)
	ht.Next = []task.Category{task.DissectorSelection}
	return task.Result{Task: ht, Hash: sum}
}

func TestListLookupSurvivesFailingAlgorithm(t *testing.T) {
	ctx := context.Background()
	tk, _ := newToolkit(t)
	c := writeContainer(t, t.TempDir(), "c", "depth:1", uuid.Nil)
	c.Tags.Add(container.Persisted)
	r := hashResult(t, c)

	s, dbs := newStores(t)
	known := *r.Hash
	known.ContainerID = uuid.NewString()
	require.NoError(t, s.whitelist.Database.Persist(ctx, &known))
	dbs.Whitelist = columnStore{Store: s.whitelist, missing: hasher.FieldName("md5")}

	o := New(Config{MaxWorkers: 1, CheckBlackOrWhite: true}, dbs, tk, slog.Default())
	o.processResult(ctx, r)

	assert.True(t, c.Tags.Has(container.Whitelisted))
	assert.Equal(t, 0, o.in.Len())
}

func TestSQLBlacklistWithOtherAlgorithms(t *testing.T) {
	ctx := context.Background()
	tk, _ := newToolkit(t)
	c := writeContainer(t, t.TempDir(), "c", "depth:1", uuid.Nil)
	c.Tags.Add(container.Persisted)

	conn, err := repository.NewSQLConnector(repository.SQLConfig{Driver: "sqlite3", DSN: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	blacklist := repository.NewDatabase("blacklist", conn, false, slog.Default())
	require.NoError(t, blacklist.Init(ctx))
	t.Cleanup(func() { blacklist.Term(ctx) })

	only, err := hasher.New([]string{"sha256"})
	require.NoError(t, err)
	known, err := only.Hash(ctx, c)
	require.NoError(t, err)
	known.ContainerID = uuid.NewString()
	require.NoError(t, blacklist.Persist(ctx, known))

	_, dbs := newStores(t)
	dbs.Blacklist = blacklist
	o := New(Config{MaxWorkers: 1, CheckBlackOrWhite: true}, dbs, tk, slog.Default())
	o.processResult(ctx, hashResult(t, c))

	assert.True(t, c.Tags.Has(container.Blacklisted))
	assert.Equal(t, 0, o.in.Len())
}

func TestProcessResultDissectionFollowUps(t *testing.T) {
	ctx := context.Background()
	tk, reg := newToolkit(t)
	nest, err := reg.Dissector("nest")
	require.NoError(t, err)
	dir := t.TempDir()

	tests := []struct {
		name      string
		check     bool
		wantQueue []task.Category
		wantNext  []task.Category
	}{
		{
			name:      "selections",
			wantQueue: []task.Category{task.DissectorSelection, task.ExaminerSelection},
		},
		{
			name:      "hashing first when lists are checked",
			check:     true,
			wantQueue: []task.Category{task.Hashing},
			wantNext:  []task.Category{task.DissectorSelection, task.ExaminerSelection},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, dbs := newStores(t)
			o := New(Config{MaxWorkers: 1, DissectAndExamine: true, CheckBlackOrWhite: tt.check}, dbs, tk, slog.Default())
			parent := writeContainer(t, dir, uuid.NewString(), "depth:1", uuid.Nil)
			parent.Tags.Add(container.Persisted)
			sub := writeContainer(t, dir, uuid.NewString(), "depth:0", parent.ID())

			o.processResult(ctx, task.Result{Task: newTask(t, task.Dissection, nest, parent), Container: sub})

			var got []task.Category
			for next, ok := o.in.TryGet(); ok; next, ok = o.in.TryGet() {
				got = append(got, next.Category())
				assert.Same(t, sub, next.Container())
				if next.Category() == task.Hashing {
					assert.Equal(t, tt.wantNext, next.Next)
				}
			}
			assert.Equal(t, tt.wantQueue, got)
		})
	}
}

// gatedHasher blocks every call until released.
type gatedHasher struct {
	started chan struct{}
	gate    chan struct{}
	inner   task.Hasher
}

func (h *gatedHasher) Hash(ctx context.Context, c *container.Container) (*hasher.Hash, error) {
	h.started <- struct{}{}
	<-h.gate
	return h.inner.Hash(ctx, c)
}

func TestAbortWaitsForWorkers(t *testing.T) {
	ctx := context.Background()
	s, dbs := newStores(t)
	tk, _ := newToolkit(t)
	gh := &gatedHasher{started: make(chan struct{}, 1), gate: make(chan struct{}), inner: tk.Hasher}
	tk.Hasher = gh
	o := New(Config{MaxWorkers: 1}, dbs, tk, slog.Default())

	dir := t.TempDir()
	running := writeContainer(t, dir, "running", "", uuid.Nil)
	queued := writeContainer(t, dir, "queued", "", uuid.Nil)
	o.ScheduleTasks(ctx, newTask(t, task.Hashing, nil, running), newTask(t, task.Hashing, nil, queued))

	done := make(chan error)
	go func() { done <- o.ProcessTasks(ctx) }()
	<-gh.started
	require.True(t, o.Processing())

	aborted := make(chan error)
	go func() { aborted <- o.Abort(ctx) }()
	// Abort cannot return while the running task holds the worker.
	select {
	case <-aborted:
		t.Fatal("Abort returned while a task was executing")
	case <-time.After(50 * time.Millisecond):
	}
	close(gh.gate)

	require.NoError(t, <-aborted)
	require.NoError(t, <-done)
	assert.False(t, o.Processing())

	// The running task completed and its hash was routed; the queued one never ran.
	recs, err := s.hash.Retrieve(ctx, repository.Query{Index: hasher.Index})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, running.ID().String(), recs[0].Source["container"])
	assert.Equal(t, 0, o.Pending())
}

func TestAbortDuringSecondPass(t *testing.T) {
	ctx := context.Background()
	_, dbs := newStores(t)
	tk, _ := newToolkit(t)
	gh := &gatedHasher{started: make(chan struct{}, 1), gate: make(chan struct{}), inner: tk.Hasher}
	tk.Hasher = gh
	o := New(Config{MaxWorkers: 1}, dbs, tk, slog.Default())

	// An empty first pass leaves a stopped pass behind.
	require.NoError(t, o.ProcessTasks(ctx))

	c := writeContainer(t, t.TempDir(), "c", "", uuid.Nil)
	o.ScheduleTasks(ctx, newTask(t, task.Hashing, nil, c))
	done := make(chan error, 1)
	go func() { done <- o.ProcessTasks(ctx) }()
	for !o.Processing() {
		time.Sleep(time.Millisecond)
	}
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	// The worker may pick ABORT before the hashing task ever starts.
	go func() {
		select {
		case <-gh.started:
			time.Sleep(20 * time.Millisecond)
			close(gh.gate)
		case <-stop:
		}
	}()

	require.NoError(t, o.Abort(ctx))
	assert.False(t, o.Processing(), "Abort returned while the pass was running")
	require.NoError(t, <-done)
}

func TestProcessTasksRejectsConcurrentPass(t *testing.T) {
	_, dbs := newStores(t)
	tk, _ := newToolkit(t)
	o := New(Config{MaxWorkers: 1}, dbs, tk, slog.Default())
	o.processing.Store(true)
	assert.ErrorIs(t, o.ProcessTasks(context.Background()), ErrAlreadyProcessing)
	o.processing.Store(false)
	assert.NoError(t, o.Abort(context.Background()))
}

func TestProcessTasksInvalidConfig(t *testing.T) {
	_, dbs := newStores(t)
	tk, _ := newToolkit(t)
	o := New(Config{MaxWorkers: 0}, dbs, tk, slog.Default())
	assert.Error(t, o.ProcessTasks(context.Background()))
	assert.False(t, o.Processing())
}
