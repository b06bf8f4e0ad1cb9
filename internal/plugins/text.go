package plugins

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/koromodako/datashark/internal/container"
	"github.com/koromodako/datashark/internal/plugin"
)

const maxLineSize = 16 << 20

// TextExaminer counts lines and words and flags invalid UTF-8.
type TextExaminer struct {
	plugin.Base
}

func NewTextExaminer() *TextExaminer { return &TextExaminer{} }

func (e *TextExaminer) Name() string        { return "text" }
func (e *TextExaminer) Kind() plugin.Kind   { return plugin.KindExaminer }
func (e *TextExaminer) Description() string { return "counts lines and words, checks UTF-8 encoding" }

func (e *TextExaminer) SupportedMIMETypes() []string {
	return []string{"text/*"}
}

func (e *TextExaminer) CanExamine(c *container.Container) bool {
	return plugin.SupportsMIME(e.SupportedMIMETypes(), c.MIMEType)
}

func (e *TextExaminer) Examine(ctx context.Context, c *container.Container) (*plugin.Examination, error) {
	f, err := c.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lines, words, invalid := 0, 0, 0
	for scanner.Scan() {
		if lines%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		lines++
		words += len(bytes.Fields(scanner.Bytes()))
		if !utf8.Valid(scanner.Bytes()) {
			invalid++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", c.Path, err)
	}

	summary := fmt.Sprintf("%d lines, %d words", lines, words)
	if invalid > 0 {
		summary += fmt.Sprintf(", %d lines with invalid UTF-8", invalid)
	}
	return plugin.NewExamination(e.Name(), c, invalid == 0, summary, map[string]any{
		"lines":         lines,
		"words":         words,
		"invalid_lines": invalid,
	}), nil
}
