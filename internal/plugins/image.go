package plugins

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/koromodako/datashark/internal/container"
	"github.com/koromodako/datashark/internal/plugin"
)

// ImageExaminer checks that an image header decodes.
type ImageExaminer struct {
	plugin.Base
}

func NewImageExaminer() *ImageExaminer { return &ImageExaminer{} }

func (e *ImageExaminer) Name() string        { return "image" }
func (e *ImageExaminer) Kind() plugin.Kind   { return plugin.KindExaminer }
func (e *ImageExaminer) Description() string { return "decodes image headers and reports dimensions" }

func (e *ImageExaminer) SupportedMIMETypes() []string {
	return []string{"image/png", "image/jpeg", "image/gif"}
}

func (e *ImageExaminer) CanExamine(c *container.Container) bool {
	return plugin.SupportsMIME(e.SupportedMIMETypes(), c.MIMEType)
}

func (e *ImageExaminer) Examine(_ context.Context, c *container.Container) (*plugin.Examination, error) {
	f, err := c.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return plugin.NewExamination(e.Name(), c, false, "corrupt image header: "+err.Error(), nil), nil
	}
	return plugin.NewExamination(e.Name(), c, true,
		fmt.Sprintf("%s image %dx%d", format, cfg.Width, cfg.Height),
		map[string]any{
			"format": format,
			"width":  cfg.Width,
			"height": cfg.Height,
		},
	), nil
}
