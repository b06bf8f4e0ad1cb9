package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// FSConnector stores one YAML document per record at <dir>/<index>/<key>.yml.
type FSConnector struct {
	dir       string
	mu        sync.RWMutex
	connected bool
}

// NewFSConnector returns a connector rooted at dir.
func NewFSConnector(dir string) *FSConnector {
	return &FSConnector{dir: dir}
}

func (c *FSConnector) Name() string { return "fs" }

// Connect creates the root directory and checks it is writable.
func (c *FSConnector) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return ErrAlreadyConnected
	}
	if c.dir == "" {
		return errors.New("fs connector: dir is required")
	}
	if err := os.MkdirAll(c.dir, 0o750); err != nil {
		return fmt.Errorf("fs connector: create dir: %w", err)
	}
	probe, err := os.CreateTemp(c.dir, ".perm-test-*")
	if err != nil {
		return fmt.Errorf("fs connector: %s is not writable: %w", c.dir, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	c.connected = true
	return nil
}

func (c *FSConnector) Disconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	c.connected = false
	return nil
}

func (c *FSConnector) recordPath(index, key string) string {
	return filepath.Join(c.dir, index, url.PathEscape(key)+".yml")
}

// Persist writes each record atomically: temp file then rename.
func (c *FSConnector) Persist(ctx context.Context, records []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !ValidIdentifier(rec.Index) {
			return fmt.Errorf("%w: index %q", ErrInvalidIdentifier, rec.Index)
		}
		data, err := yaml.Marshal(rec)
		if err != nil {
			return fmt.Errorf("fs connector: marshal: %w", err)
		}
		dest := c.recordPath(rec.Index, rec.Key())
		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
			return fmt.Errorf("fs connector: create index dir: %w", err)
		}
		tmp, err := os.CreateTemp(filepath.Dir(dest), "record-*.tmp")
		if err != nil {
			return fmt.Errorf("fs connector: create temp: %w", err)
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("fs connector: write: %w", err)
		}
		tmp.Close()
		if err := os.Rename(tmp.Name(), dest); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("fs connector: rename: %w", err)
		}
	}
	return nil
}

func (c *FSConnector) load(path string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("fs connector: decode %s: %w", path, err)
	}
	return rec, nil
}

// scan visits every record file of index until fn returns false.
func (c *FSConnector) scan(ctx context.Context, q Query, fn func(path string, rec Record) bool) error {
	if !ValidIdentifier(q.Index) {
		return fmt.Errorf("%w: index %q", ErrInvalidIdentifier, q.Index)
	}
	root := filepath.Join(c.dir, q.Index)
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fs connector: read index: %w", err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yml") {
			continue
		}
		path := filepath.Join(root, e.Name())
		rec, err := c.load(path)
		if err != nil {
			return err
		}
		if q.Match(rec) && !fn(path, rec) {
			return nil
		}
	}
	return nil
}

func (c *FSConnector) Retrieve(ctx context.Context, q Query) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return nil, ErrNotConnected
	}
	var out []Record
	err := c.scan(ctx, q, func(_ string, rec Record) bool {
		out = append(out, rec)
		return q.Limit == 0 || len(out) < q.Limit
	})
	return out, err
}

func (c *FSConnector) Delete(ctx context.Context, q Query) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return 0, ErrNotConnected
	}
	var paths []string
	if err := c.scan(ctx, q, func(path string, _ Record) bool {
		paths = append(paths, path)
		return true
	}); err != nil {
		return 0, err
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			return 0, fmt.Errorf("fs connector: remove: %w", err)
		}
	}
	return len(paths), nil
}
