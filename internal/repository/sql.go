package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const dbTimeout = 5 * time.Second

// SQLConfig configures a SQLConnector.
type SQLConfig struct {
	// Driver is one of "mysql", "postgres" or "sqlite3".
	Driver string
	// DSN is passed verbatim to the driver.
	DSN string
	// MaxOpenConns bounds the pool; zero keeps the driver default.
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

var columnTypes = map[string]map[DataType]string{
	"sqlite3": {
		TypeInt: "INTEGER", TypeBool: "INTEGER", TypeBytes: "BLOB",
		TypeFloat: "REAL", TypeString: "TEXT",
	},
	"mysql": {
		TypeInt: "BIGINT", TypeBool: "BOOLEAN", TypeBytes: "LONGBLOB",
		TypeFloat: "DOUBLE", TypeString: "TEXT",
	},
	"postgres": {
		TypeInt: "BIGINT", TypeBool: "BOOLEAN", TypeBytes: "BYTEA",
		TypeFloat: "DOUBLE PRECISION", TypeString: "TEXT",
	},
}

type tableSchema struct {
	primary string
	fields  []Field
}

// SQLConnector stores each record index as a table created on first use.
type SQLConnector struct {
	cfg    SQLConfig
	mu     sync.RWMutex
	db     *sqlx.DB
	tables map[string]tableSchema
}

// NewSQLConnector validates the driver name and returns a disconnected connector.
func NewSQLConnector(cfg SQLConfig) (*SQLConnector, error) {
	if _, ok := columnTypes[cfg.Driver]; !ok {
		return nil, fmt.Errorf("sql connector: unsupported driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, errors.New("sql connector: dsn is required")
	}
	return &SQLConnector{cfg: cfg, tables: make(map[string]tableSchema)}, nil
}

func (c *SQLConnector) Name() string { return "sql" }

// Connect opens the pool and pings the server.
func (c *SQLConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return ErrAlreadyConnected
	}

	db, err := sqlx.Open(c.cfg.Driver, c.cfg.DSN)
	if err != nil {
		return fmt.Errorf("sql connector: open: %w", err)
	}
	if c.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.cfg.MaxOpenConns)
		db.SetMaxIdleConns(c.cfg.MaxOpenConns)
	}
	if c.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("sql connector: ping: %w", err)
	}
	c.db = db
	return nil
}

func (c *SQLConnector) Disconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return ErrNotConnected
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// Ping checks the server is reachable.
func (c *SQLConnector) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return c.db.PingContext(ctx)
}

func (c *SQLConnector) columnType(f Field, primary bool) string {
	// MySQL cannot index an unbounded TEXT column.
	if primary && c.cfg.Driver == "mysql" && f.Type == TypeString {
		return "VARCHAR(255)"
	}
	return columnTypes[c.cfg.Driver][f.Type]
}

func (c *SQLConnector) ensureTable(ctx context.Context, tx *sqlx.Tx, rec Record) error {
	if _, ok := c.tables[rec.Index]; ok {
		return nil
	}
	cols := make([]string, 0, len(rec.Fields)+1)
	for _, f := range rec.Fields {
		cols = append(cols, fmt.Sprintf("%s %s", f.Name, c.columnType(f, f.Name == rec.Primary)))
	}
	cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", rec.Primary))
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", rec.Index, strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("sql connector: create table %s: %w", rec.Index, err)
	}
	c.tables[rec.Index] = tableSchema{primary: rec.Primary, fields: slices.Clone(rec.Fields)}
	return nil
}

func (c *SQLConnector) upsertStatement(rec Record) string {
	names := make([]string, len(rec.Fields))
	marks := make([]string, len(rec.Fields))
	for i, f := range rec.Fields {
		names[i] = f.Name
		marks[i] = "?"
	}
	cols, vals := strings.Join(names, ", "), strings.Join(marks, ", ")

	switch c.cfg.Driver {
	case "mysql":
		return fmt.Sprintf("REPLACE INTO %s (%s) VALUES (%s)", rec.Index, cols, vals)
	case "sqlite3":
		return fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)", rec.Index, cols, vals)
	default:
		sets := make([]string, 0, len(names))
		for _, n := range names {
			if n != rec.Primary {
				sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", n, n))
			}
		}
		conflict := "DO NOTHING"
		if len(sets) > 0 {
			conflict = "DO UPDATE SET " + strings.Join(sets, ", ")
		}
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
			rec.Index, cols, vals, rec.Primary, conflict)
	}
}

// Persist upserts records inside a single transaction.
func (c *SQLConnector) Persist(ctx context.Context, records []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sql connector: begin: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return err
		}
		if err := c.ensureTable(ctx, tx, rec); err != nil {
			return err
		}
		args := make([]any, len(rec.Fields))
		for i, f := range rec.Fields {
			args[i] = rec.Source[f.Name]
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(c.upsertStatement(rec)), args...); err != nil {
			return fmt.Errorf("sql connector: insert into %s: %w", rec.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		// Tables created inside the failed transaction may not exist.
		clear(c.tables)
		return fmt.Errorf("sql connector: commit: %w", err)
	}
	return nil
}

func (c *SQLConnector) tableExists(ctx context.Context, index string) (bool, error) {
	if _, ok := c.tables[index]; ok {
		return true, nil
	}
	var q string
	switch c.cfg.Driver {
	case "sqlite3":
		q = "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
	default:
		q = "SELECT COUNT(*) FROM information_schema.tables WHERE table_name = ?"
	}
	var n int
	if err := c.db.GetContext(ctx, &n, c.db.Rebind(q), index); err != nil {
		return false, fmt.Errorf("sql connector: table lookup: %w", err)
	}
	return n > 0, nil
}

// where renders the WHERE clause of q with deterministic column order.
func where(q Query) (string, []any, error) {
	if len(q.Where) == 0 {
		return "", nil, nil
	}
	keys := make([]string, 0, len(q.Where))
	for k := range q.Where {
		if !ValidIdentifier(k) {
			return "", nil, fmt.Errorf("%w: field %q", ErrInvalidIdentifier, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	conds := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		conds[i] = k + " = ?"
		args[i] = q.Where[k]
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func (c *SQLConnector) Retrieve(ctx context.Context, q Query) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil, ErrNotConnected
	}
	if !ValidIdentifier(q.Index) {
		return nil, fmt.Errorf("%w: index %q", ErrInvalidIdentifier, q.Index)
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	exists, err := c.tableExists(ctx, q.Index)
	if err != nil || !exists {
		return nil, err
	}

	clause, args, err := where(q)
	if err != nil {
		return nil, err
	}
	stmt := "SELECT * FROM " + q.Index + clause
	if q.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := c.db.QueryxContext(ctx, c.db.Rebind(stmt), args...)
	if err != nil {
		return nil, fmt.Errorf("sql connector: select from %s: %w", q.Index, err)
	}
	defer rows.Close()

	schema := c.tables[q.Index]
	var out []Record
	for rows.Next() {
		src := make(map[string]any)
		if err := rows.MapScan(src); err != nil {
			return nil, fmt.Errorf("sql connector: scan: %w", err)
		}
		normalize(src, schema.fields)
		out = append(out, Record{
			Index:   q.Index,
			Primary: schema.primary,
			Fields:  slices.Clone(schema.fields),
			Source:  src,
		})
	}
	return out, rows.Err()
}

// normalize turns driver byte slices back into strings for text columns.
func normalize(src map[string]any, fields []Field) {
	types := make(map[string]DataType, len(fields))
	for _, f := range fields {
		types[f.Name] = f.Type
	}
	for k, v := range src {
		if b, ok := v.([]byte); ok && types[k] != TypeBytes {
			src[k] = string(b)
		}
	}
}

func (c *SQLConnector) Delete(ctx context.Context, q Query) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return 0, ErrNotConnected
	}
	if !ValidIdentifier(q.Index) {
		return 0, fmt.Errorf("%w: index %q", ErrInvalidIdentifier, q.Index)
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	exists, err := c.tableExists(ctx, q.Index)
	if err != nil || !exists {
		return 0, err
	}
	clause, args, err := where(q)
	if err != nil {
		return 0, err
	}
	res, err := c.db.ExecContext(ctx, c.db.Rebind("DELETE FROM "+q.Index+clause), args...)
	if err != nil {
		return 0, fmt.Errorf("sql connector: delete from %s: %w", q.Index, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sql connector: rows affected: %w", err)
	}
	return int(n), nil
}
