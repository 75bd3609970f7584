// Package annotate draws smile detection results onto an image.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"strconv"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"

	"github.com/example/smile-check/internal/landmarks"
)

var (
	// SmilingColor frames faces scoring above SmileThreshold.
	SmilingColor = color.NRGBA{R: 0, G: 255, B: 0, A: 255}
	// NeutralColor frames the remaining faces.
	NeutralColor = color.NRGBA{R: 255, G: 0, B: 0, A: 255}
	// LandmarkColor fills the mouth landmark dots.
	LandmarkColor = color.NRGBA{R: 0, G: 0, B: 255, A: 255}
	// ContourColor traces the mouth outline.
	ContourColor = color.NRGBA{R: 255, G: 255, B: 0, A: 255}
)

const (
	// SmileThreshold is the score above which a face counts as smiling.
	SmileThreshold = 50.0

	lineThickness = 2
	dotRadius     = 2
	labelOffset   = 10

	// clipMargin keeps clipped geometry just outside the visible area so
	// strokes crossing the edge still reach it.
	clipMargin = lineThickness + dotRadius + 1
)

// BoxColor returns the frame and label colour for a score.
func BoxColor(score float64) color.NRGBA {
	if score > SmileThreshold {
		return SmilingColor
	}
	return NeutralColor
}

// Label formats the score caption.
func Label(score float64) string {
	return fmt.Sprintf("Smile: %s%%", strconv.FormatFloat(score, 'f', -1, 64))
}

// Draw renders the mouth contour, mouth landmarks, face box and score label
// onto dst in place. All geometry is clipped to dst's bounds before it reaches
// the rasterizer, so the cost is bounded by the image size.
func Draw(dst *image.RGBA, box landmarks.FaceBox, lm landmarks.LandmarkSet, score float64) {
	dc := gg.NewContextForRGBA(dst)
	clip := dst.Bounds().Inset(-clipMargin)
	boxColor := BoxColor(score)
	mouth := lm.Mouth()

	dc.SetColor(ContourColor)
	dc.SetLineWidth(lineThickness)
	for i := range mouth {
		ax, ay := center(mouth[i])
		bx, by := center(mouth[(i+1)%len(mouth)])
		x0, y0, x1, y1, ok := clipSegment(ax, ay, bx, by, clip)
		if !ok {
			continue
		}
		dc.DrawLine(x0, y0, x1, y1)
		dc.Stroke()
	}

	dc.SetColor(LandmarkColor)
	for _, p := range mouth {
		if !(image.Point{X: p.X, Y: p.Y}).In(clip) {
			continue
		}
		x, y := center(p)
		dc.DrawCircle(x, y, dotRadius)
		dc.Fill()
	}

	frame := box.Rect().Canon()
	visible := frame.Intersect(clip)
	if visible.Empty() {
		return
	}
	dc.SetColor(boxColor)
	dc.DrawRectangle(float64(visible.Min.X), float64(visible.Min.Y), float64(visible.Dx()), float64(visible.Dy()))
	dc.Stroke()

	drawLabel(dc, dst.Bounds(), visible, frame, Label(score))
}

func drawLabel(dc *gg.Context, bounds, visible, frame image.Rectangle, label string) {
	face := basicfont.Face7x13
	dc.SetFontFace(face)
	ascent := face.Metrics().Ascent.Ceil()

	x := visible.Min.X
	y := frame.Min.Y - labelOffset
	if y-ascent < bounds.Min.Y {
		// No room above the box.
		y = visible.Min.Y + ascent + lineThickness + 1
	}
	if y-ascent > bounds.Max.Y {
		return
	}
	// Second pass one pixel to the right thickens the bitmap glyphs.
	for _, shift := range []int{0, 1} {
		dc.DrawString(label, float64(x+shift), float64(y))
	}
}

// center maps a landmark onto the middle of its pixel.
func center(p landmarks.Point) (float64, float64) {
	return float64(p.X) + 0.5, float64(p.Y) + 0.5
}

// clipSegment clips the segment to r with the Liang-Barsky algorithm and
// reports whether any part of it remains.
func clipSegment(x0, y0, x1, y1 float64, r image.Rectangle) (float64, float64, float64, float64, bool) {
	dx, dy := x1-x0, y1-y0
	t0, t1 := 0.0, 1.0
	edges := [4][2]float64{
		{-dx, x0 - float64(r.Min.X)},
		{dx, float64(r.Max.X) - x0},
		{-dy, y0 - float64(r.Min.Y)},
		{dy, float64(r.Max.Y) - y0},
	}
	for _, e := range edges {
		p, q := e[0], e[1]
		if p == 0 {
			if q < 0 {
				return 0, 0, 0, 0, false
			}
			continue
		}
		t := q / p
		if p < 0 {
			if t > t1 {
				return 0, 0, 0, 0, false
			}
			if t > t0 {
				t0 = t
			}
		} else {
			if t < t0 {
				return 0, 0, 0, 0, false
			}
			if t < t1 {
				t1 = t
			}
		}
	}
	return x0 + t0*dx, y0 + t0*dy, x0 + t1*dx, y0 + t1*dy, true
}
