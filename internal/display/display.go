// Package display abstracts the physical panel. The playback loop is the only
// writer; everything it pushes already matches the panel dimensions.
package display

import (
	"fmt"
	"image"

	"github.com/rs/zerolog"
)

// Display renders raster images on a physical panel. Push is synchronous and
// expected to complete well within one frame interval.
type Display interface {
	Bounds() image.Rectangle
	Push(img image.Image) error
	Close() error
}

// Open builds the configured display backend.
func Open(kind, device string, width, height int, logger zerolog.Logger) (Display, error) {
	switch kind {
	case "framebuffer":
		return OpenFramebuffer(device, width, height)
	case "null":
		return NewNull(width, height, logger), nil
	default:
		return nil, fmt.Errorf("unknown display kind %q", kind)
	}
}

// Null discards frames. Used for headless development and tests.
type Null struct {
	bounds image.Rectangle
	logger zerolog.Logger
	pushed int
}

func NewNull(width, height int, logger zerolog.Logger) *Null {
	return &Null{
		bounds: image.Rect(0, 0, width, height),
		logger: logger,
	}
}

func (n *Null) Bounds() image.Rectangle { return n.bounds }

func (n *Null) Push(img image.Image) error {
	n.pushed++
	if n.pushed%100 == 1 {
		n.logger.Debug().Int("pushed", n.pushed).Msg("null display frame")
	}
	return nil
}

func (n *Null) Close() error { return nil }
