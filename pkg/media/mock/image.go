package mock

import (
	"image"
	"image/color"
	"image/draw"
)

// Color is an opaque RGB colour.
type Color = color.RGBA

// Common colours for layout assertions.
var (
	Red   = Color{R: 255, A: 255}
	Green = Color{G: 255, A: 255}
	Blue  = Color{B: 255, A: 255}
	White = Color{R: 255, G: 255, B: 255, A: 255}
)

// Solid returns a w×h image filled with c.
func Solid(w, h int, c Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}
