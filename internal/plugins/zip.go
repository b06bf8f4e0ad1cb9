package plugins

import (
	"archive/zip"
	"context"
	"fmt"
	"iter"

	"github.com/koromodako/datashark/internal/container"
	"github.com/koromodako/datashark/internal/plugin"
)

// ZipDissector extracts the regular files of a zip archive.
type ZipDissector struct {
	plugin.Base
	x extractor
}

// NewZipDissector returns a dissector extracting into workspace.
func NewZipDissector(workspace string) *ZipDissector {
	return &ZipDissector{x: extractor{workspace: workspace}}
}

func (d *ZipDissector) Name() string        { return "zip" }
func (d *ZipDissector) Kind() plugin.Kind   { return plugin.KindDissector }
func (d *ZipDissector) Description() string { return "extracts zip archives" }

func (d *ZipDissector) SupportedMIMETypes() []string {
	return []string{"application/zip"}
}

func (d *ZipDissector) Init(ctx context.Context) error {
	if err := d.x.init(); err != nil {
		return err
	}
	return d.Base.Init(ctx)
}

func (d *ZipDissector) CanDissect(c *container.Container) bool {
	return plugin.SupportsMIME(d.SupportedMIMETypes(), c.MIMEType)
}

func (d *ZipDissector) Containers(ctx context.Context, c *container.Container) iter.Seq2[*container.Container, error] {
	return func(yield func(*container.Container, error) bool) {
		zr, err := zip.OpenReader(c.Path)
		if err != nil {
			yield(nil, fmt.Errorf("open zip: %w", err))
			return
		}
		defer zr.Close()

		for _, f := range zr.File {
			if !f.Mode().IsRegular() {
				continue
			}
			sub, err := d.extract(ctx, c, f)
			if !yield(sub, err) || err != nil {
				return
			}
		}
	}
}

func (d *ZipDissector) extract(ctx context.Context, c *container.Container, f *zip.File) (*container.Container, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	return d.x.extract(ctx, c, f.Name, rc)
}
