package plugins

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/koromodako/datashark/internal/container"
	"github.com/koromodako/datashark/internal/plugin"
)

// MIMEExtensionExaminer reports files whose extension disagrees with the
// detected content type.
type MIMEExtensionExaminer struct {
	plugin.Base
}

func NewMIMEExtensionExaminer() *MIMEExtensionExaminer { return &MIMEExtensionExaminer{} }

func (e *MIMEExtensionExaminer) Name() string      { return "mime-extension" }
func (e *MIMEExtensionExaminer) Kind() plugin.Kind { return plugin.KindExaminer }

func (e *MIMEExtensionExaminer) Description() string {
	return "checks the file extension against the detected MIME type"
}

func (e *MIMEExtensionExaminer) SupportedMIMETypes() []string { return nil }

// CanExamine accepts any container whose original name has an extension.
func (e *MIMEExtensionExaminer) CanExamine(c *container.Container) bool {
	return filepath.Ext(c.OriginalPath) != ""
}

func (e *MIMEExtensionExaminer) Examine(_ context.Context, c *container.Container) (*plugin.Examination, error) {
	ext := strings.ToLower(filepath.Ext(c.OriginalPath))
	expected := expectedExtensions(c.MIMEType)
	details := map[string]any{
		"extension": ext,
		"mime_type": c.MIMEType,
		"expected":  strings.Join(expected, ","),
	}

	if len(expected) == 0 {
		return plugin.NewExamination(e.Name(), c, true, "no known extension for "+c.MIMEType, details), nil
	}
	for _, want := range expected {
		if ext == want {
			return plugin.NewExamination(e.Name(), c, true, "extension matches content", details), nil
		}
	}
	summary := fmt.Sprintf("extension %s does not match content type %s (expected %s)", ext, c.MIMEType, expected[0])
	return plugin.NewExamination(e.Name(), c, false, summary, details), nil
}

// genericTypes carry no extension expectation.
var genericTypes = map[string]bool{
	"application/octet-stream": true,
	"text/plain":               true,
}

// expectedExtensions lists the extensions of mimeType and of its parents in
// the detection tree, plus the ones the system MIME table knows.
func expectedExtensions(mimeType string) []string {
	if genericTypes[mimeType] {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	add := func(ext string) {
		ext = strings.ToLower(ext)
		if ext != "" && !seen[ext] {
			seen[ext] = true
			out = append(out, ext)
		}
	}
	for m := mimetype.Lookup(mimeType); m != nil; m = m.Parent() {
		if m.Is("application/octet-stream") || m.Is("text/plain") {
			break
		}
		add(m.Extension())
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil {
		for _, ext := range exts {
			add(ext)
		}
	}
	return out
}
