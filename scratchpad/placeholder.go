package scratchpad

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	placeholderBackground = color.RGBA{R: 0xFF, G: 0xF4, B: 0xE5, A: 0xFF}
	placeholderBorder     = color.RGBA{R: 0xE0, G: 0x8A, B: 0x1E, A: 0xFF}
	placeholderInk        = color.RGBA{R: 0x5A, G: 0x3A, B: 0x10, A: 0xFF}
)

// Placeholder renders the diagnostic frame emitted when the scratchpad cannot
// be captured. reason is printed centred so the tutor can tell the student
// what went wrong.
func Placeholder(width, height int, reason string) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(placeholderBackground), image.Point{}, draw.Src)

	const border = 6
	for _, r := range []image.Rectangle{
		image.Rect(0, 0, width, border),
		image.Rect(0, height-border, width, height),
		image.Rect(0, 0, border, height),
		image.Rect(width-border, 0, width, height),
	} {
		draw.Draw(img, r.Intersect(img.Bounds()), image.NewUniform(placeholderBorder), image.Point{}, draw.Src)
	}

	face := basicfont.Face7x13
	lines := []string{"Scratchpad unavailable", reason}
	lineHeight := face.Metrics().Height.Ceil() + 4
	top := (height-lineHeight*len(lines))/2 + face.Metrics().Ascent.Ceil()
	for i, line := range lines {
		if line == "" {
			continue
		}
		d := &font.Drawer{Dst: img, Src: image.NewUniform(placeholderInk), Face: face}
		w := d.MeasureString(line).Ceil()
		d.Dot = fixed.P((width-w)/2, top+i*lineHeight)
		d.DrawString(line)
	}
	return img
}
