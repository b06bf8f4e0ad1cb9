// Package repository defines the persistence contract used by the processing
// core and the connectors implementing it.
package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors returned by connectors and databases.
var (
	ErrNotConnected        = errors.New("connector is not connected")
	ErrAlreadyConnected    = errors.New("connector is already connected")
	ErrReadOnly            = errors.New("database is read-only")
	ErrRetrieveUnsupported = errors.New("connector does not support retrieve")
	ErrInvalidIdentifier   = errors.New("invalid identifier")
	ErrInvalidRecord       = errors.New("invalid record")
)

// DataType is the storage type of a record field.
type DataType string

const (
	TypeInt    DataType = "int"
	TypeBool   DataType = "bool"
	TypeBytes  DataType = "bytes"
	TypeFloat  DataType = "float"
	TypeString DataType = "string"
)

// Field describes one persisted attribute of a record.
type Field struct {
	Name string   `json:"name" yaml:"name"`
	Type DataType `json:"type" yaml:"type"`
}

// Record is the connector-neutral document produced by every persisted object.
// Index names the table/bucket, Primary names the unique key field and Source
// holds the values keyed by field name.
type Record struct {
	Index   string         `json:"index" yaml:"index"`
	Primary string         `json:"primary" yaml:"primary"`
	Fields  []Field        `json:"fields" yaml:"fields"`
	Source  map[string]any `json:"source" yaml:"source"`
}

// Key returns the value of the primary field rendered as a string.
func (r Record) Key() string {
	return fmt.Sprint(r.Source[r.Primary])
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidIdentifier reports whether name is safe to use as an index or field name.
func ValidIdentifier(name string) bool {
	return identRe.MatchString(name)
}

// Validate checks that the record can be stored by any connector.
func (r Record) Validate() error {
	if !ValidIdentifier(r.Index) {
		return fmt.Errorf("%w: index %q", ErrInvalidIdentifier, r.Index)
	}
	primaryDeclared := false
	for _, f := range r.Fields {
		if !ValidIdentifier(f.Name) {
			return fmt.Errorf("%w: field %q", ErrInvalidIdentifier, f.Name)
		}
		if f.Name == r.Primary {
			primaryDeclared = true
		}
	}
	if !primaryDeclared {
		return fmt.Errorf("%w: primary field %q is not declared", ErrInvalidRecord, r.Primary)
	}
	if _, ok := r.Source[r.Primary]; !ok {
		return fmt.Errorf("%w: primary field %q has no value", ErrInvalidRecord, r.Primary)
	}
	return nil
}

// Object is anything that can be turned into a Record.
type Object interface {
	Record() Record
}

// Query selects records of one index whose fields equal every Where value.
// A zero Limit means no limit.
type Query struct {
	Index string
	Where map[string]any
	Limit int
}

// Match reports whether rec satisfies q. Values are compared by their string
// rendering so that a value read back from a store compares equal to the
// value that was written regardless of the numeric type the store returns.
func (q Query) Match(rec Record) bool {
	if rec.Index != q.Index {
		return false
	}
	for k, want := range q.Where {
		got, ok := rec.Source[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Connector is a small, focused interface over one storage backend.
// Implementations must honour the supplied context and be safe for
// concurrent use.
type Connector interface {
	// Name returns the registered connector name.
	Name() string

	// Connect opens the underlying storage.
	Connect(ctx context.Context) error

	// Disconnect closes the underlying storage.
	Disconnect(ctx context.Context) error

	// Persist creates or replaces the given records.
	Persist(ctx context.Context, records []Record) error

	// Retrieve returns the records matching the query.
	Retrieve(ctx context.Context, q Query) ([]Record, error)

	// Delete removes the records matching the query and returns how many were removed.
	Delete(ctx context.Context, q Query) (int, error)
}

// Pinger is implemented by connectors able to check their backend liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}
