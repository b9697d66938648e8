package display

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// StatusImage renders a centered one-line message on a black card matching
// the panel size. Shown while a conversion runs and when nothing is playing.
func StatusImage(bounds image.Rectangle, message string) *image.RGBA {
	img := image.NewRGBA(bounds)
	draw.Draw(img, bounds, image.Black, image.Point{}, draw.Src)

	face := basicfont.Face7x13
	width := font.MeasureString(face, message).Ceil()

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot: fixed.P(
			bounds.Min.X+(bounds.Dx()-width)/2,
			bounds.Min.Y+(bounds.Dy()+face.Ascent)/2,
		),
	}
	d.DrawString(message)
	return img
}
