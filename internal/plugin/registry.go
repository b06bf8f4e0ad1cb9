package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/koromodako/datashark/internal/container"
	"github.com/koromodako/datashark/internal/repository"
)

var (
	// ErrPluginNotFound is returned when no plugin of the requested kind has the given name.
	ErrPluginNotFound = errors.New("plugin not found")
	// ErrDuplicatePlugin is returned when a name is registered twice for the same kind.
	ErrDuplicatePlugin = errors.New("plugin already registered")
)

// Selector picks the plugins able to process a container.
type Selector interface {
	SelectDissectorsFor(c *container.Container) []Dissector
	SelectExaminersFor(c *container.Container) []Examiner
}

// Registry holds every known plugin, keyed by kind then name.
type Registry struct {
	mu         sync.RWMutex
	dissectors map[string]Dissector
	examiners  map[string]Examiner
	connectors map[string]*DBConnector
	logger     *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dissectors: make(map[string]Dissector),
		examiners:  make(map[string]Examiner),
		connectors: make(map[string]*DBConnector),
		logger:     logger,
	}
}

// Register adds p under its kind.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	switch v := p.(type) {
	case Dissector:
		if _, ok := r.dissectors[name]; ok {
			return fmt.Errorf("%w: dissector %q", ErrDuplicatePlugin, name)
		}
		r.dissectors[name] = v
	case Examiner:
		if _, ok := r.examiners[name]; ok {
			return fmt.Errorf("%w: examiner %q", ErrDuplicatePlugin, name)
		}
		r.examiners[name] = v
	case *DBConnector:
		if _, ok := r.connectors[name]; ok {
			return fmt.Errorf("%w: connector %q", ErrDuplicatePlugin, name)
		}
		r.connectors[name] = v
	default:
		return fmt.Errorf("register %q: unsupported plugin kind %s", name, p.Kind())
	}
	return nil
}

// MustRegister is Register for built-ins; it panics on error.
func (r *Registry) MustRegister(plugins ...Plugin) {
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
}

// Init initializes every dissector and examiner. Plugins failing to
// initialize are logged and stay uninitialized, so they are never selected.
func (r *Registry) Init(ctx context.Context) {
	for _, p := range r.Plugins() {
		if p.Kind() == KindDBConnector || p.Initialized() {
			continue
		}
		if err := p.Init(ctx); err != nil {
			r.logger.Error("plugin init failed",
				slog.String("plugin", p.Name()),
				slog.String("kind", p.Kind().String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Term terminates every initialized dissector and examiner.
func (r *Registry) Term(ctx context.Context) {
	for _, p := range r.Plugins() {
		if p.Kind() == KindDBConnector || !p.Initialized() {
			continue
		}
		if err := p.Term(ctx); err != nil {
			r.logger.Warn("plugin term failed",
				slog.String("plugin", p.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Plugins returns every registered plugin ordered by kind then name.
func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Plugin, 0, len(r.dissectors)+len(r.examiners)+len(r.connectors))
	for _, p := range r.dissectors {
		out = append(out, p)
	}
	for _, p := range r.examiners {
		out = append(out, p)
	}
	for _, p := range r.connectors {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind() != out[j].Kind() {
			return out[i].Kind() < out[j].Kind()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// Dissector returns the dissector registered under name.
func (r *Registry) Dissector(name string) (Dissector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dissectors[name]
	if !ok {
		return nil, fmt.Errorf("%w: dissector %q", ErrPluginNotFound, name)
	}
	return d, nil
}

// Examiner returns the examiner registered under name.
func (r *Registry) Examiner(name string) (Examiner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.examiners[name]
	if !ok {
		return nil, fmt.Errorf("%w: examiner %q", ErrPluginNotFound, name)
	}
	return e, nil
}

// SelectDissectorsFor returns the initialized dissectors accepting c, by name.
func (r *Registry) SelectDissectorsFor(c *container.Container) []Dissector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Dissector
	for _, d := range r.dissectors {
		if d.Initialized() && d.CanDissect(c) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// SelectExaminersFor returns the initialized examiners accepting c, by name.
func (r *Registry) SelectExaminersFor(c *container.Container) []Examiner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Examiner
	for _, e := range r.examiners {
		if e.Initialized() && e.CanExamine(c) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// SelectDBConnector instantiates the connector registered under name and
// wraps it in a disconnected Database.
func (r *Registry) SelectDBConnector(name string, settings map[string]any, readOnly bool) (*repository.Database, error) {
	r.mu.RLock()
	p, ok := r.connectors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: connector %q", ErrPluginNotFound, name)
	}
	conn, err := p.Open(settings, r.logger)
	if err != nil {
		return nil, fmt.Errorf("connector %s: %w", name, err)
	}
	return repository.NewDatabase(name, conn, readOnly, r.logger), nil
}
