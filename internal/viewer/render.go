package viewer

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/Brownie44l1/segcam/internal/frame"
)

// Panel selects what a client sees.
type Panel string

const (
	PanelAll       Panel = "all"
	PanelComposite Panel = "composite"
	PanelLow       Panel = "low"
	PanelMask      Panel = "mask"
)

func ParsePanel(s string) (Panel, error) {
	switch p := Panel(s); p {
	case PanelAll, PanelComposite, PanelLow, PanelMask:
		return p, nil
	}
	return "", fmt.Errorf("unknown panel %q", s)
}

var (
	captionColor = image.NewUniform(color.RGBA{R: 255, G: 255, A: 255})
	captionShade = image.NewUniform(color.RGBA{A: 160})
	emptyPanel   = image.NewUniform(color.RGBA{R: 32, G: 32, B: 32, A: 255})
)

// Renderer lays out preview panels: the scaled composite on top, the
// inference frame and its mask side by side underneath.
type Renderer struct {
	Scale   float64
	Filter  frame.Filter
	Quality int
}

func (r Renderer) Render(c frame.Composite, p Panel, now time.Time) *image.RGBA {
	switch p {
	case PanelComposite:
		return r.compositePanel(c, now)
	case PanelLow:
		return r.lowPanel(c)
	case PanelMask:
		return r.maskPanel(c)
	}

	top := r.compositePanel(c, now)
	low := r.lowPanel(c)
	mask := r.maskPanel(c)

	tb, lb, mb := top.Bounds(), low.Bounds(), mask.Bounds()
	w := max(tb.Dx(), lb.Dx()+mb.Dx())
	h := tb.Dy() + max(lb.Dy(), mb.Dy())

	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.Draw(canvas, tb, top, image.Point{}, draw.Src)
	draw.Draw(canvas, lb.Add(image.Pt(0, tb.Dy())), low, image.Point{}, draw.Src)
	draw.Draw(canvas, mb.Add(image.Pt(lb.Dx(), tb.Dy())), mask, image.Point{}, draw.Src)
	return canvas
}

func (r Renderer) compositePanel(c frame.Composite, now time.Time) *image.RGBA {
	f := c.Frame
	w := max(1, int(float64(f.Width())*r.Scale))
	h := max(1, int(float64(f.Height())*r.Scale))
	img := toRGBA(f.Resize(w, h, r.Filter).Image())

	text := fmt.Sprintf("%dx%d #%d latency %s", f.Width(), f.Height(), c.Seq,
		c.Latency(now).Round(time.Millisecond))
	switch {
	case !c.Masked:
		text += " no mask"
	case c.Reused:
		text += fmt.Sprintf(" mask #%d age %s", c.MaskSeq, c.MaskAge().Round(time.Millisecond))
	}
	caption(img, text)
	return img
}

func (r Renderer) lowPanel(c frame.Composite) *image.RGBA {
	if c.Low.IsZero() {
		return placeholder(64, 64, "no frame")
	}
	img := toRGBA(c.Low.Image())
	caption(img, fmt.Sprintf("input %dx%d", c.Low.Width(), c.Low.Height()))
	return img
}

func (r Renderer) maskPanel(c frame.Composite) *image.RGBA {
	if c.MaskFrame.IsZero() {
		w, h := 64, 64
		if !c.Low.IsZero() {
			w, h = c.Low.Width(), c.Low.Height()
		}
		return placeholder(w, h, "no mask")
	}
	img := toRGBA(c.MaskFrame.Image())
	caption(img, "mask")
	return img
}

func placeholder(w, h int, text string) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), emptyPanel, image.Point{}, draw.Src)
	caption(img, text)
	return img
}

func toRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// caption writes text on a shaded strip in the top-left corner.
func caption(img *image.RGBA, text string) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: captionColor, Face: face}
	width := d.MeasureString(text).Ceil()

	strip := image.Rect(0, 0, width+8, face.Height+6).Intersect(img.Bounds())
	draw.Draw(img, strip, captionShade, image.Point{}, draw.Over)

	d.Dot = fixed.P(4, face.Ascent+3)
	d.DrawString(text)
}

// Encode renders a panel to JPEG.
func (r Renderer) Encode(c frame.Composite, p Panel, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, r.Render(c, p, now), &jpeg.Options{Quality: r.Quality}); err != nil {
		return nil, fmt.Errorf("encode %s panel: %w", p, err)
	}
	return buf.Bytes(), nil
}
