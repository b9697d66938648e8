package display

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"sync"
)

// Framebuffer writes RGB565 little-endian pixels to a Linux framebuffer
// device (the pixel format of the ST7789-class panels this targets). The
// whole frame is converted into one buffer and written with a single pwrite,
// so a frame is never left half-updated on the panel.
type Framebuffer struct {
	mu     sync.Mutex
	f      *os.File
	bounds image.Rectangle
	buf    []byte
}

func OpenFramebuffer(device string, width, height int) (*Framebuffer, error) {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open framebuffer %s: %w", device, err)
	}
	return &Framebuffer{
		f:      f,
		bounds: image.Rect(0, 0, width, height),
		buf:    make([]byte, width*height*2),
	}, nil
}

func (fb *Framebuffer) Bounds() image.Rectangle { return fb.bounds }

func (fb *Framebuffer) Push(img image.Image) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.f == nil {
		return fmt.Errorf("framebuffer closed")
	}
	if img.Bounds().Size() != fb.bounds.Size() {
		return fmt.Errorf("frame size %v does not match panel %v", img.Bounds().Size(), fb.bounds.Size())
	}

	encodeRGB565(fb.buf, img)

	if _, err := fb.f.WriteAt(fb.buf, 0); err != nil {
		return fmt.Errorf("framebuffer write: %w", err)
	}
	return nil
}

// Blank fills the panel with black.
func (fb *Framebuffer) Blank() error {
	black := image.NewRGBA(fb.bounds)
	draw.Draw(black, fb.bounds, image.Black, image.Point{}, draw.Src)
	return fb.Push(black)
}

func (fb *Framebuffer) Close() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.f == nil {
		return nil
	}
	err := fb.f.Close()
	fb.f = nil
	return err
}

// encodeRGB565 converts img into dst as little-endian RGB565. The fast path
// reads *image.RGBA pixels directly; anything else goes through At().
func encodeRGB565(dst []byte, img image.Image) {
	b := img.Bounds()

	if rgba, ok := img.(*image.RGBA); ok {
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := rgba.Pix[(y-b.Min.Y)*rgba.Stride:]
			for x := 0; x < b.Dx(); x++ {
				r, g, bl := row[x*4], row[x*4+1], row[x*4+2]
				px := pack565(r, g, bl)
				dst[i] = byte(px)
				dst[i+1] = byte(px >> 8)
				i += 2
			}
		}
		return
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			px := pack565(c.R, c.G, c.B)
			dst[i] = byte(px)
			dst[i+1] = byte(px >> 8)
			i += 2
		}
	}
}

func pack565(r, g, b uint8) uint16 {
	return uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(b>>3)
}
