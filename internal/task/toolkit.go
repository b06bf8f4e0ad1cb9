package task

import (
	"context"
	"fmt"

	"github.com/koromodako/datashark/internal/container"
	"github.com/koromodako/datashark/internal/hasher"
	"github.com/koromodako/datashark/internal/plugin"
)

// Hasher computes the digests of a container.
type Hasher interface {
	Hash(ctx context.Context, c *container.Container) (*hasher.Hash, error)
}

// Toolkit holds the collaborators tasks are executed with.
type Toolkit struct {
	Hasher   Hasher
	Selector plugin.Selector
}

// Run executes t in process. It is the Runner behind Perform.
func (tk Toolkit) Run(ctx context.Context, t *Task, emit func(Result) bool) error {
	c := t.container

	switch t.category {
	case Hashing:
		if tk.Hasher == nil {
			return fmt.Errorf("%w: hasher", ErrMissingCollaborator)
		}
		h, err := tk.Hasher.Hash(ctx, c)
		if err != nil {
			return err
		}
		emit(Result{Task: t, Hash: h})

	case Dissection:
		d := t.plugin.(plugin.Dissector)
		if !d.Initialized() {
			return fmt.Errorf("%w: %s", ErrUninitializedPlugin, d.Name())
		}
		for sub, err := range d.Containers(ctx, c) {
			if err != nil {
				return fmt.Errorf("dissector %s: %w", d.Name(), err)
			}
			if !emit(Result{Task: t, Container: sub}) {
				return nil
			}
		}

	case Examination:
		e := t.plugin.(plugin.Examiner)
		if !e.Initialized() {
			return fmt.Errorf("%w: %s", ErrUninitializedPlugin, e.Name())
		}
		exam, err := e.Examine(ctx, c)
		if err != nil {
			return fmt.Errorf("examiner %s: %w", e.Name(), err)
		}
		emit(Result{Task: t, Examination: exam})

	case DissectorSelection:
		if tk.Selector == nil {
			return fmt.Errorf("%w: selector", ErrMissingCollaborator)
		}
		emit(Result{Task: t, Dissectors: tk.Selector.SelectDissectorsFor(c)})

	case ExaminerSelection:
		if tk.Selector == nil {
			return fmt.Errorf("%w: selector", ErrMissingCollaborator)
		}
		emit(Result{Task: t, Examiners: tk.Selector.SelectExaminersFor(c)})

	case Abort, Exit:
		// Control tasks carry no work.

	default:
		return fmt.Errorf("%w: %d", ErrUnknownCategory, int(t.category))
	}
	return nil
}
