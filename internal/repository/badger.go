package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures a BadgerConnector.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// Logger receives badger's internal logs; nil disables them.
	Logger *slog.Logger
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerConnector stores records as JSON values keyed by "<index>/<key>".
type BadgerConnector struct {
	cfg BadgerConfig
	mu  sync.RWMutex
	db  *badger.DB
}

// NewBadgerConnector returns a disconnected connector.
func NewBadgerConnector(cfg BadgerConfig) (*BadgerConnector, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger connector: path is required for persistent database")
	}
	return &BadgerConnector{cfg: cfg}, nil
}

func (c *BadgerConnector) Name() string { return "badger" }

func (c *BadgerConnector) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return ErrAlreadyConnected
	}

	var opts badger.Options
	if c.cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(c.cfg.Path, 0o750); err != nil {
			return fmt.Errorf("badger connector: create directory %s: %w", c.cfg.Path, err)
		}
		opts = badger.DefaultOptions(c.cfg.Path)
	}
	opts = opts.WithSyncWrites(c.cfg.SyncWrites).WithNumVersionsToKeep(1)
	if c.cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: c.cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("badger connector: open: %w", err)
	}
	c.db = db
	return nil
}

func (c *BadgerConnector) Disconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return ErrNotConnected
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func badgerKey(index, key string) []byte {
	return []byte(index + "/" + key)
}

func (c *BadgerConnector) Persist(ctx context.Context, records []Record) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		for _, rec := range records {
			val, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("badger connector: marshal: %w", err)
			}
			if err := txn.Set(badgerKey(rec.Index, rec.Key()), val); err != nil {
				return fmt.Errorf("badger connector: set: %w", err)
			}
		}
		return nil
	})
}

func (c *BadgerConnector) Retrieve(ctx context.Context, q Query) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil, ErrNotConnected
	}

	var out []Record
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(q.Index + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec Record
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return fmt.Errorf("badger connector: decode: %w", err)
			}
			if q.Match(rec) {
				out = append(out, rec)
				if q.Limit > 0 && len(out) == q.Limit {
					return nil
				}
			}
		}
		return nil
	})
	return out, err
}

func (c *BadgerConnector) Delete(ctx context.Context, q Query) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return 0, ErrNotConnected
	}

	n := 0
	err := c.db.Update(func(txn *badger.Txn) error {
		var keys [][]byte
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		prefix := []byte(q.Index + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				it.Close()
				return err
			}
			var rec Record
			item := it.Item()
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				it.Close()
				return fmt.Errorf("badger connector: decode: %w", err)
			}
			if q.Match(rec) {
				keys = append(keys, item.KeyCopy(nil))
			}
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		n = len(keys)
		return nil
	})
	return n, err
}
