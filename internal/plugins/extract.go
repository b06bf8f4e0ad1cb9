package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/koromodako/datashark/internal/container"
)

// ErrUnsafePath is returned for archive entries resolving outside the
// extraction directory.
var ErrUnsafePath = errors.New("archive entry escapes extraction directory")

// extractor writes archive entries under <workspace>/<container uuid>/.
type extractor struct {
	workspace string
}

func (x extractor) init() error {
	if err := os.MkdirAll(x.workspace, 0o750); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

func (x extractor) root(c *container.Container) string {
	return filepath.Join(x.workspace, c.ID().String())
}

// entryName normalizes an archive entry name, rejecting absolute names and
// any ".." climbing out of the extraction directory.
func entryName(name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	switch {
	case clean == "." || clean == ".." || strings.HasPrefix(clean, "../"),
		path.IsAbs(clean), filepath.VolumeName(clean) != "":
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return clean, nil
}

// extract copies r to the entry path and describes it as a sub-container of parent.
func (x extractor) extract(ctx context.Context, parent *container.Container, name string, r io.Reader) (*container.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean, err := entryName(name)
	if err != nil {
		return nil, err
	}
	dest := filepath.Join(x.root(parent), filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return nil, fmt.Errorf("create entry dir: %w", err)
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create entry: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return nil, fmt.Errorf("write entry %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close entry %s: %w", name, err)
	}
	return container.New(path.Base(clean), dest, parent.OriginalPath+"/"+clean, parent.ID())
}
