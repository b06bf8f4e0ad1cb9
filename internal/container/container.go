// Package container models the file-like objects processed by datashark.
package container

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/koromodako/datashark/internal/repository"
)

// Index is the record index containers are persisted under.
const Index = "container"

// Container is the identity and metadata of a file being processed.
// ID and Parent are fixed at construction.
type Container struct {
	id     uuid.UUID
	parent uuid.UUID

	Path         string
	OriginalPath string
	MIMEType     string // media type without parameters, e.g. "text/plain"
	MIMEText     string // full detected type, e.g. "text/plain; charset=utf-8"
	Size         int64
	Slug         string

	Tags TagSet
}

// New describes the regular file at path. name is the display name the
// slug is derived from. originalPath is the location of the file before any
// extraction took place. Pass uuid.Nil as parent for root containers.
func New(name, path, originalPath string, parent uuid.UUID) (*Container, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("container: stat: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("container: %s is not a regular file", path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("container: abs path: %w", err)
	}
	if originalPath == "" {
		originalPath = abs
	}

	mtype, err := mimetype.DetectFile(abs)
	if err != nil {
		return nil, fmt.Errorf("container: detect mime: %w", err)
	}
	mediaType, _, err := mime.ParseMediaType(mtype.String())
	if err != nil {
		mediaType = mtype.String()
	}

	return &Container{
		id:           uuid.New(),
		parent:       parent,
		Path:         abs,
		OriginalPath: originalPath,
		MIMEType:     mediaType,
		MIMEText:     mtype.String(),
		Size:         info.Size(),
		Slug:         Slugify(name),
	}, nil
}

// ID returns the container identity.
func (c *Container) ID() uuid.UUID { return c.id }

// Parent returns the identity of the container this one was extracted
// from, or uuid.Nil for a root container.
func (c *Container) Parent() uuid.UUID { return c.parent }

// IsRoot reports whether the container was not extracted from another one.
func (c *Container) IsRoot() bool { return c.parent == uuid.Nil }

// Open opens the container bytes for reading.
func (c *Container) Open() (*os.File, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("container %s: open: %w", c.id, err)
	}
	return f, nil
}

func (c *Container) String() string {
	return fmt.Sprintf("Container(id=%s, path=%s, mime=%s)", c.id, c.Path, c.MIMEType)
}

// Record implements repository.Object.
func (c *Container) Record() repository.Record {
	return repository.Record{
		Index:   Index,
		Primary: "uuid",
		Fields: []repository.Field{
			{Name: "uuid", Type: repository.TypeString},
			{Name: "parent", Type: repository.TypeString},
			{Name: "path", Type: repository.TypeString},
			{Name: "original_path", Type: repository.TypeString},
			{Name: "mime_type", Type: repository.TypeString},
			{Name: "mime_text", Type: repository.TypeString},
			{Name: "slug", Type: repository.TypeString},
			{Name: "size", Type: repository.TypeInt},
			{Name: "tags", Type: repository.TypeInt},
		},
		Source: map[string]any{
			"uuid":          c.id.String(),
			"parent":        c.parent.String(),
			"path":          c.Path,
			"original_path": c.OriginalPath,
			"mime_type":     c.MIMEType,
			"mime_text":     c.MIMEText,
			"slug":          c.Slug,
			"size":          c.Size,
			"tags":          int64(c.Tags.Bits()),
		},
	}
}

var errBadRecord = errors.New("container: malformed record")

// FromRecord rebuilds a container from a record produced by Record.
func FromRecord(rec repository.Record) (*Container, error) {
	if rec.Index != Index {
		return nil, fmt.Errorf("%w: index %q", errBadRecord, rec.Index)
	}
	str := func(k string) string {
		s, _ := rec.Source[k].(string)
		return s
	}
	id, err := uuid.Parse(str("uuid"))
	if err != nil {
		return nil, fmt.Errorf("%w: uuid: %v", errBadRecord, err)
	}
	parent, err := uuid.Parse(str("parent"))
	if err != nil {
		return nil, fmt.Errorf("%w: parent: %v", errBadRecord, err)
	}
	size, err := toInt64(rec.Source["size"])
	if err != nil {
		return nil, fmt.Errorf("%w: size: %v", errBadRecord, err)
	}
	tags, _ := toInt64(rec.Source["tags"])

	c := &Container{
		id:           id,
		parent:       parent,
		Path:         str("path"),
		OriginalPath: str("original_path"),
		MIMEType:     str("mime_type"),
		MIMEText:     str("mime_text"),
		Size:         size,
		Slug:         str("slug"),
	}
	c.Tags.set(Tag(tags))
	return c, nil
}

// toInt64 accepts the numeric shapes connectors hand back.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
