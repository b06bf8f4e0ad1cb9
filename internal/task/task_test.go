package task

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koromodako/datashark/internal/container"
	"github.com/koromodako/datashark/internal/hasher"
	"github.com/koromodako/datashark/internal/plugin"
)

type stubDissector struct {
	plugin.Base
	subs []*container.Container
	err  error
}

func (d *stubDissector) Name() string                         { return "stub-dissector" }
func (d *stubDissector) Kind() plugin.Kind                    { return plugin.KindDissector }
func (d *stubDissector) Description() string                  { return "" }
func (d *stubDissector) SupportedMIMETypes() []string         { return nil }
func (d *stubDissector) CanDissect(*container.Container) bool { return true }

func (d *stubDissector) Containers(context.Context, *container.Container) iter.Seq2[*container.Container, error] {
	return func(yield func(*container.Container, error) bool) {
		for _, s := range d.subs {
			if !yield(s, nil) {
				return
			}
		}
		if d.err != nil {
			yield(nil, d.err)
		}
	}
}

type stubExaminer struct {
	plugin.Base
	panics bool
}

func (e *stubExaminer) Name() string                         { return "stub-examiner" }
func (e *stubExaminer) Kind() plugin.Kind                    { return plugin.KindExaminer }
func (e *stubExaminer) Description() string                  { return "" }
func (e *stubExaminer) SupportedMIMETypes() []string         { return nil }
func (e *stubExaminer) CanExamine(*container.Container) bool { return true }

func (e *stubExaminer) Examine(_ context.Context, c *container.Container) (*plugin.Examination, error) {
	if e.panics {
		panic("corrupted header")
	}
	return plugin.NewExamination(e.Name(), c, true, "ok", nil), nil
}

type failingHasher struct{}

func (failingHasher) Hash(context.Context, *container.Container) (*hasher.Hash, error) {
	return nil, errors.New("disk unplugged")
}

type emptySelector struct{}

func (emptySelector) SelectDissectorsFor(*container.Container) []plugin.Dissector { return nil }
func (emptySelector) SelectExaminersFor(*container.Container) []plugin.Examiner   { return nil }

func newContainer(t *testing.T) *container.Container {
	t.Helper()
	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	c, err := container.New("empty", path, "", uuid.Nil)
	require.NoError(t, err)
	return c
}

func initialized[P interface{ Init(context.Context) error }](t *testing.T, p P) P {
	t.Helper()
	require.NoError(t, p.Init(context.Background()))
	return p
}

func collect(seq iter.Seq[Result]) []Result {
	var out []Result
	for r := range seq {
		out = append(out, r)
	}
	return out
}

func TestCategoryPriority(t *testing.T) {
	assert.Equal(t, PriorityAbort, Abort.Priority())
	assert.Equal(t, PriorityExit, Exit.Priority())
	for _, c := range []Category{Hashing, Dissection, Examination, DissectorSelection, ExaminerSelection} {
		assert.Equal(t, PriorityNormal, c.Priority(), c.String())
		assert.False(t, c.IsControl())
	}
	assert.True(t, Control(Abort).Less(Control(Exit)))
	assert.False(t, Control(Exit).Less(Control(Abort)))
}

func TestCategoryText(t *testing.T) {
	for c := Abort; c <= Exit; c++ {
		b, err := c.MarshalText()
		require.NoError(t, err)
		var got Category
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, c, got)
	}
	_, err := ParseCategory("SLEEP")
	assert.ErrorIs(t, err, ErrUnknownCategory)
	assert.Equal(t, "Category(42)", Category(42).String())
}

func TestNewValidation(t *testing.T) {
	c := newContainer(t)
	exam := initialized(t, &stubExaminer{})
	dis := initialized(t, &stubDissector{})

	_, err := New(Dissection, exam, c)
	assert.ErrorIs(t, err, ErrInvalidPluginType)

	_, err = New(Examination, dis, c)
	assert.ErrorIs(t, err, ErrInvalidPluginType)

	_, err = New(Examination, &stubExaminer{}, c)
	assert.ErrorIs(t, err, ErrUninitializedPlugin)

	_, err = New(Hashing, exam, c)
	assert.ErrorIs(t, err, ErrInvalidPluginType)

	_, err = New(Hashing, nil, nil)
	assert.ErrorIs(t, err, ErrMissingContainer)

	_, err = New(Category(99), nil, c)
	assert.ErrorIs(t, err, ErrUnknownCategory)

	tk, err := New(Dissection, dis, c)
	require.NoError(t, err)
	assert.Equal(t, "stub-dissector", tk.PluginName())
	assert.Equal(t, Unset, tk.Outcome())

	assert.Panics(t, func() { Control(Hashing) })
}

func TestPerformHashing(t *testing.T) {
	c := newContainer(t)
	h, err := hasher.New([]string{"sha256"})
	require.NoError(t, err)

	tk, err := New(Hashing, nil, c)
	require.NoError(t, err)
	results := collect(tk.Perform(context.Background(), Toolkit{Hasher: h}))

	require.Len(t, results, 1)
	assert.Same(t, tk, results[0].Task)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", results[0].Hash.Digests["sha256"])
	assert.True(t, tk.Succeeded())
	assert.False(t, tk.StartedAt().IsZero())
	assert.False(t, tk.StoppedAt().Before(tk.StartedAt()))
}

func TestPerformFailureIsContained(t *testing.T) {
	c := newContainer(t)
	tk, err := New(Hashing, nil, c)
	require.NoError(t, err)

	results := collect(tk.Perform(context.Background(), Toolkit{Hasher: failingHasher{}}))
	assert.Empty(t, results)
	assert.Equal(t, Failed, tk.Outcome())
	assert.EqualError(t, tk.Err(), "disk unplugged")
	assert.False(t, tk.StartedAt().IsZero())
	assert.False(t, tk.StoppedAt().IsZero())
}

func TestPerformMissingCollaborator(t *testing.T) {
	tk, err := New(DissectorSelection, nil, newContainer(t))
	require.NoError(t, err)
	assert.Empty(t, collect(tk.Perform(context.Background(), Toolkit{})))
	assert.ErrorIs(t, tk.Err(), ErrMissingCollaborator)
}

func TestPerformRecoversPanic(t *testing.T) {
	tk, err := New(Examination, initialized(t, &stubExaminer{panics: true}), newContainer(t))
	require.NoError(t, err)

	var results []Result
	assert.NotPanics(t, func() {
		results = collect(tk.Perform(context.Background(), Toolkit{}))
	})
	assert.Empty(t, results)
	assert.ErrorIs(t, tk.Err(), ErrPanic)
	assert.False(t, tk.StoppedAt().IsZero())
}

func TestPerformConsumerPanicPropagates(t *testing.T) {
	tk, err := New(Examination, initialized(t, &stubExaminer{}), newContainer(t))
	require.NoError(t, err)

	assert.Panics(t, func() {
		for range tk.Perform(context.Background(), Toolkit{}) {
			panic("consumer")
		}
	})
}

func TestPerformDissection(t *testing.T) {
	parent := newContainer(t)
	subs := []*container.Container{newContainer(t), newContainer(t), newContainer(t)}

	tk, err := New(Dissection, initialized(t, &stubDissector{subs: subs}), parent)
	require.NoError(t, err)
	results := collect(tk.Perform(context.Background(), Toolkit{}))
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Same(t, subs[i], r.Container)
	}
	assert.True(t, tk.Succeeded())

	// A second run yields nothing.
	assert.Empty(t, collect(tk.Perform(context.Background(), Toolkit{})))
}

func TestPerformDissectionErrorMidStream(t *testing.T) {
	d := initialized(t, &stubDissector{subs: []*container.Container{newContainer(t)}, err: errors.New("truncated archive")})
	tk, err := New(Dissection, d, newContainer(t))
	require.NoError(t, err)

	results := collect(tk.Perform(context.Background(), Toolkit{}))
	assert.Len(t, results, 1)
	assert.Equal(t, Failed, tk.Outcome())
	assert.ErrorContains(t, tk.Err(), "truncated archive")
}

func TestPerformConsumerStopsEarly(t *testing.T) {
	subs := []*container.Container{newContainer(t), newContainer(t)}
	tk, err := New(Dissection, initialized(t, &stubDissector{subs: subs}), newContainer(t))
	require.NoError(t, err)

	n := 0
	for range tk.Perform(context.Background(), Toolkit{}) {
		n++
		break
	}
	assert.Equal(t, 1, n)
	assert.True(t, tk.Succeeded())
}

func TestPerformUninitializedAtRunTime(t *testing.T) {
	e := initialized(t, &stubExaminer{})
	tk, err := New(Examination, e, newContainer(t))
	require.NoError(t, err)
	require.NoError(t, e.Term(context.Background()))

	assert.Empty(t, collect(tk.Perform(context.Background(), Toolkit{})))
	assert.ErrorIs(t, tk.Err(), ErrUninitializedPlugin)
}

func TestPerformSelectionWithNoMatch(t *testing.T) {
	tk, err := New(DissectorSelection, nil, newContainer(t))
	require.NoError(t, err)
	results := collect(tk.Perform(context.Background(), Toolkit{Selector: emptySelector{}}))
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Dissectors)
	assert.True(t, tk.Succeeded())
}

func TestExecutionTime(t *testing.T) {
	tk := Control(Exit)
	assert.Zero(t, tk.ExecutionTime())
	collect(tk.Perform(context.Background(), Toolkit{}))
	assert.True(t, tk.Succeeded())
	assert.GreaterOrEqual(t, tk.ExecutionTime().Nanoseconds(), int64(0))
}
