// Package plugin defines the plugin variants datashark dispatches work to
// and the registry selecting them.
package plugin

import (
	"context"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/koromodako/datashark/internal/container"
	"github.com/koromodako/datashark/internal/repository"
)

// Kind is the capability of a plugin.
type Kind int

const (
	KindDissector Kind = iota
	KindExaminer
	KindDBConnector
)

func (k Kind) String() string {
	switch k {
	case KindDissector:
		return "dissector"
	case KindExaminer:
		return "examiner"
	case KindDBConnector:
		return "db-connector"
	default:
		return "unknown"
	}
}

// Plugin is the part common to every variant.
type Plugin interface {
	Name() string
	Kind() Kind
	Description() string
	Init(ctx context.Context) error
	Term(ctx context.Context) error
	Initialized() bool
}

// Dissector extracts sub-containers from a container.
type Dissector interface {
	Plugin
	SupportedMIMETypes() []string
	CanDissect(c *container.Container) bool
	// Containers yields every container extracted from c. The sequence is
	// finite and can be ranged over once.
	Containers(ctx context.Context, c *container.Container) iter.Seq2[*container.Container, error]
}

// Examiner checks a container for consistency.
type Examiner interface {
	Plugin
	SupportedMIMETypes() []string
	CanExamine(c *container.Container) bool
	Examine(ctx context.Context, c *container.Container) (*Examination, error)
}

// ConnectorFactory builds a connector from its settings block.
type ConnectorFactory func(settings map[string]any, logger *slog.Logger) (repository.Connector, error)

// DBConnector is the database connector variant: a named factory.
type DBConnector struct {
	Base
	name        string
	description string
	factory     ConnectorFactory
}

// NewDBConnector returns a connector plugin. It needs no initialization.
func NewDBConnector(name, description string, factory ConnectorFactory) *DBConnector {
	p := &DBConnector{name: name, description: description, factory: factory}
	p.initialized.Store(true)
	return p
}

func (p *DBConnector) Name() string { return p.name }

func (p *DBConnector) Kind() Kind { return KindDBConnector }

func (p *DBConnector) Description() string { return p.description }

// Open instantiates the connector.
func (p *DBConnector) Open(settings map[string]any, logger *slog.Logger) (repository.Connector, error) {
	return p.factory(settings, logger)
}

// Base carries the initialization state of a plugin. Embed it and override
// Init/Term when setup is needed, calling the Base methods last.
type Base struct {
	initialized atomic.Bool
}

func (b *Base) Init(context.Context) error {
	b.initialized.Store(true)
	return nil
}

func (b *Base) Term(context.Context) error {
	b.initialized.Store(false)
	return nil
}

func (b *Base) Initialized() bool { return b.initialized.Load() }

// SupportsMIME reports whether mimeType matches one of supported. Entries
// ending in "/*" match a whole top-level type.
func SupportsMIME(supported []string, mimeType string) bool {
	for _, s := range supported {
		if s == mimeType {
			return true
		}
		if prefix, ok := strings.CutSuffix(s, "/*"); ok && strings.HasPrefix(mimeType, prefix+"/") {
			return true
		}
	}
	return false
}
