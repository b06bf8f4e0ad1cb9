package plugins

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/koromodako/datashark/internal/container"
	"github.com/koromodako/datashark/internal/plugin"
)

// TarDissector extracts tar archives, gzip-compressed or not. A gzip stream
// that does not wrap a tar archive yields its single decompressed member.
type TarDissector struct {
	plugin.Base
	x extractor
}

// NewTarDissector returns a dissector extracting into workspace.
func NewTarDissector(workspace string) *TarDissector {
	return &TarDissector{x: extractor{workspace: workspace}}
}

func (d *TarDissector) Name() string        { return "tar" }
func (d *TarDissector) Kind() plugin.Kind   { return plugin.KindDissector }
func (d *TarDissector) Description() string { return "extracts tar and gzip archives" }

func (d *TarDissector) SupportedMIMETypes() []string {
	return []string{"application/x-tar", "application/gzip"}
}

func (d *TarDissector) Init(ctx context.Context) error {
	if err := d.x.init(); err != nil {
		return err
	}
	return d.Base.Init(ctx)
}

func (d *TarDissector) CanDissect(c *container.Container) bool {
	return plugin.SupportsMIME(d.SupportedMIMETypes(), c.MIMEType)
}

// isTar reports whether the header block carries the ustar magic.
func isTar(br *bufio.Reader) bool {
	block, err := br.Peek(512)
	if err != nil {
		return false
	}
	return bytes.HasPrefix(block[257:], []byte("ustar"))
}

func (d *TarDissector) Containers(ctx context.Context, c *container.Container) iter.Seq2[*container.Container, error] {
	return func(yield func(*container.Container, error) bool) {
		f, err := os.Open(c.Path)
		if err != nil {
			yield(nil, fmt.Errorf("open archive: %w", err))
			return
		}
		defer f.Close()

		var r io.Reader = f
		if c.MIMEType == "application/gzip" {
			zr, err := gzip.NewReader(f)
			if err != nil {
				yield(nil, fmt.Errorf("open gzip: %w", err))
				return
			}
			defer zr.Close()

			br := bufio.NewReaderSize(zr, 4096)
			if !isTar(br) {
				yield(d.x.extract(ctx, c, gunzipName(c, zr.Name), br))
				return
			}
			r = br
		}

		tr := tar.NewReader(r)
		for {
			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("read tar: %w", err))
				return
			}
			if hdr.Typeflag != tar.TypeReg {
				continue
			}
			sub, err := d.x.extract(ctx, c, hdr.Name, tr)
			if !yield(sub, err) || err != nil {
				return
			}
		}
	}
}

// gunzipName is the member name stored in the gzip header, or the archive
// name without its extension.
func gunzipName(c *container.Container, header string) string {
	if header != "" {
		return filepath.Base(header)
	}
	base := filepath.Base(c.OriginalPath)
	for _, ext := range []string{".gz", ".tgz"} {
		if strings.HasSuffix(strings.ToLower(base), ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return base + ".out"
}
