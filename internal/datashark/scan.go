package datashark

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/gobwas/glob"
)

// ScanOptions control which files of a directory are processed.
type ScanOptions struct {
	Recurse bool
	// Include globs keep a file even when an exclude glob matches it.
	Include []string
	Exclude []string
}

// Filter decides whether a scanned path is kept. Include patterns win,
// then exclude patterns, and anything else is kept.
type Filter struct {
	include []glob.Glob
	exclude []glob.Glob
}

// NewFilter compiles the include and exclude patterns.
func NewFilter(include, exclude []string) (*Filter, error) {
	f := &Filter{}
	var err error
	if f.include, err = compile(include); err != nil {
		return nil, err
	}
	if f.exclude, err = compile(exclude); err != nil {
		return nil, err
	}
	return f, nil
}

func compile(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// matches tests a pattern against the file name and the full slash path.
func matches(globs []glob.Glob, path string) bool {
	slashed := filepath.ToSlash(path)
	base := filepath.Base(path)
	for _, g := range globs {
		if g.Match(base) || g.Match(slashed) {
			return true
		}
	}
	return false
}

// Keep reports whether path passes the filter.
func (f *Filter) Keep(path string) bool {
	if matches(f.include, path) {
		return true
	}
	return !matches(f.exclude, path)
}

// ScanDir lists the regular files under root that pass the filters, as
// absolute paths in lexical order.
func ScanDir(root string, opts ScanOptions) ([]string, error) {
	filter, err := NewFilter(opts.Include, opts.Exclude)
	if err != nil {
		return nil, err
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && !opts.Recurse {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && filter.Keep(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return files, nil
}
