// Package overlay draws the recognition outcome onto camera frames.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/andresmejia3/rollcall/internal/apperr"
	"github.com/andresmejia3/rollcall/internal/types"
)

var (
	Green  = color.RGBA{0, 200, 0, 255}
	Yellow = color.RGBA{230, 200, 0, 255}
	Red    = color.RGBA{220, 0, 0, 255}
	black  = color.RGBA{0, 0, 0, 255}
)

const (
	thickness   = 2
	labelPadX   = 4
	labelPadY   = 3
	jpegQuality = 85
)

// Renderer annotates JPEG frames.
type Renderer struct {
	Quality int
}

// New returns a renderer with the default JPEG quality.
func New() *Renderer {
	return &Renderer{Quality: jpegQuality}
}

// Style returns the box color and label text for an outcome. ok is false for outcomes that are
// not drawn.
func Style(o types.Outcome) (c color.RGBA, label string, ok bool) {
	switch o.Status {
	case types.StatusMarked:
		return Green, fmt.Sprintf("%s - attendance marked", o.Name), true
	case types.StatusAlreadyPresent:
		return Yellow, fmt.Sprintf("Present: %s", o.Name), true
	case types.StatusUnknown:
		return Red, "Unknown face", true
	default:
		return color.RGBA{}, "", false
	}
}

// Render draws the face box and label. Waiting outcomes and frames without a face are returned
// unchanged.
func (r *Renderer) Render(frame []byte, face *types.Face, o types.Outcome) ([]byte, error) {
	c, label, ok := Style(o)
	if !ok || face == nil {
		return frame, nil
	}

	src, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w: %w", apperr.ErrInput, err)
	}
	img := image.NewRGBA(src.Bounds())
	draw.Draw(img, img.Bounds(), src, src.Bounds().Min, draw.Src)

	box := image.Rect(face.Box[0], face.Box[1], face.Box[2], face.Box[3])
	drawBox(img, box, c)
	drawLabel(img, box, label, c)

	quality := r.Quality
	if quality <= 0 {
		quality = jpegQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// drawBox strokes rect's border, clipped to the image.
func drawBox(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	rect = rect.Canon().Intersect(img.Bounds())
	if rect.Empty() {
		return
	}

	fill := func(r image.Rectangle) {
		draw.Draw(img, r.Intersect(rect), &image.Uniform{c}, image.Point{}, draw.Src)
	}
	t := thickness
	fill(image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+t)) // top
	fill(image.Rect(rect.Min.X, rect.Max.Y-t, rect.Max.X, rect.Max.Y)) // bottom
	fill(image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+t, rect.Max.Y)) // left
	fill(image.Rect(rect.Max.X-t, rect.Min.Y, rect.Max.X, rect.Max.Y)) // right
}

// drawLabel writes text on a filled strip above the box, or inside it when there is no room.
func drawLabel(img *image.RGBA, box image.Rectangle, text string, c color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: &image.Uniform{black}, Face: face}

	width := d.MeasureString(text).Ceil() + 2*labelPadX
	height := face.Height + 2*labelPadY

	top := box.Min.Y - height
	if top < img.Bounds().Min.Y {
		top = box.Min.Y
	}
	strip := image.Rect(box.Min.X, top, box.Min.X+width, top+height).Intersect(img.Bounds())
	if strip.Empty() {
		return
	}
	draw.Draw(img, strip, &image.Uniform{c}, image.Point{}, draw.Src)

	d.Dot = fixed.P(strip.Min.X+labelPadX, strip.Min.Y+labelPadY+face.Ascent)
	d.DrawString(text)
}
