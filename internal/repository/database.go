package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Database wraps a Connector with connection state and read-only enforcement.
type Database struct {
	name      string
	conn      Connector
	readOnly  bool
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool
}

// NewDatabase wraps conn. name is used for logging only.
func NewDatabase(name string, conn Connector, readOnly bool, logger *slog.Logger) *Database {
	if logger == nil {
		logger = slog.Default()
	}
	return &Database{
		name:     name,
		conn:     conn,
		readOnly: readOnly,
		logger:   logger.With(slog.String("database", name), slog.String("connector", conn.Name())),
	}
}

// Name returns the database name.
func (d *Database) Name() string { return d.name }

// ReadOnly reports whether writes are rejected.
func (d *Database) ReadOnly() bool { return d.readOnly }

// Connected reports whether Init succeeded and Term was not called since.
func (d *Database) Connected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Init connects the underlying connector.
func (d *Database) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.conn.Connect(ctx); err != nil {
		return fmt.Errorf("database %s: connect: %w", d.name, err)
	}
	d.connected = true
	d.logger.Debug("database connected", slog.Bool("read_only", d.readOnly))
	return nil
}

// Term disconnects the underlying connector.
func (d *Database) Term(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}
	d.connected = false
	if err := d.conn.Disconnect(ctx); err != nil {
		return fmt.Errorf("database %s: disconnect: %w", d.name, err)
	}
	d.logger.Debug("database disconnected")
	return nil
}

// Persist stores the records of the given objects.
func (d *Database) Persist(ctx context.Context, objs ...Object) error {
	if d.readOnly {
		return fmt.Errorf("database %s: persist: %w", d.name, ErrReadOnly)
	}
	records := make([]Record, 0, len(objs))
	for _, obj := range objs {
		rec := obj.Record()
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("database %s: persist: %w", d.name, err)
		}
		records = append(records, rec)
	}
	if err := d.conn.Persist(ctx, records); err != nil {
		return fmt.Errorf("database %s: persist: %w", d.name, err)
	}
	return nil
}

// Retrieve returns the records matching q.
func (d *Database) Retrieve(ctx context.Context, q Query) ([]Record, error) {
	recs, err := d.conn.Retrieve(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("database %s: retrieve: %w", d.name, err)
	}
	return recs, nil
}

// Delete removes the records matching q.
func (d *Database) Delete(ctx context.Context, q Query) (int, error) {
	if d.readOnly {
		return 0, fmt.Errorf("database %s: delete: %w", d.name, ErrReadOnly)
	}
	n, err := d.conn.Delete(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("database %s: delete: %w", d.name, err)
	}
	return n, nil
}

// Ping checks the backend when the connector supports it.
func (d *Database) Ping(ctx context.Context) error {
	if !d.Connected() {
		return ErrNotConnected
	}
	if p, ok := d.conn.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
