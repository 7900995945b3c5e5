package atlas

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"github.com/golang/geo/r3"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	backgroundColor = color.RGBA{240, 240, 240, 255}
	noDataColor     = color.RGBA{200, 200, 200, 255}
	textColor       = color.RGBA{0, 0, 0, 255}
)

// HeatmapRenderer draws the displacement field as a raster preview, one
// block of pixels per cell, north up.
type HeatmapRenderer struct {
	Grid          *Grid
	PixelsPerCell int
	Padding       int

	// Signed renders Component with a blue-white-red ramp instead of the
	// vector magnitude.
	Signed    bool
	Component Component
}

// NewHeatmapRenderer returns a magnitude renderer with default sizes.
func NewHeatmapRenderer(g *Grid) *HeatmapRenderer {
	return &HeatmapRenderer{
		Grid:          g,
		PixelsPerCell: 8,
		Padding:       10,
	}
}

const legendHeight = 40

func (r *HeatmapRenderer) value(v r3.Vector) float64 {
	if !r.Signed {
		return v.Norm()
	}
	switch r.Component {
	case ComponentX:
		return v.X
	case ComponentY:
		return v.Y
	default:
		return v.Z
	}
}

// scale returns the largest absolute value to map onto the colour ramp.
func (r *HeatmapRenderer) scale() float64 {
	var maxAbs float64
	for _, c := range r.Grid.Cells() {
		if c.HasVector {
			maxAbs = math.Max(maxAbs, math.Abs(r.value(c.Vector)))
		}
	}
	return maxAbs
}

// maxPreviewSide bounds the preview at one pixel per cell.
const maxPreviewSide = 16384

// Render draws the field. The grid's limits must be computed.
func (r *HeatmapRenderer) Render() (*image.RGBA, error) {
	limits, ok := r.Grid.Limits()
	if !ok {
		return nil, ErrLimitsNotComputed
	}
	ppc := r.PixelsPerCell
	if ppc <= 0 {
		ppc = 1
	}

	if limits.XSize > maxPreviewSide || limits.YSize > maxPreviewSide {
		return nil, fmt.Errorf("%w: %dx%d cells for a preview", ErrFieldTooLarge, limits.XSize, limits.YSize)
	}

	// Limit size
	for ppc > 1 && (limits.XSize*ppc > 4000 || limits.YSize*ppc > 4000) {
		ppc--
	}

	width := limits.XSize*ppc + 2*r.Padding
	height := limits.YSize*ppc + 2*r.Padding + legendHeight
	if width < 200 {
		width = 200
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, backgroundColor)
		}
	}

	maxAbs := r.scale()
	for cy := 0; cy < limits.YSize; cy++ {
		for cx := 0; cx < limits.XSize; cx++ {
			c := noDataColor
			v, ok := r.Grid.VectorAt(int32(cx)+limits.XOrigin, int32(cy)+limits.YOrigin)
			if ok {
				c = r.colorFor(r.value(v), maxAbs)
			}
			// Flip rows so +y points up
			px := r.Padding + cx*ppc
			py := r.Padding + (limits.YSize-1-cy)*ppc
			fillRect(img, px, py, ppc, ppc, c)
		}
	}

	r.drawLegend(img, height-legendHeight, maxAbs)
	return img, nil
}

func (r *HeatmapRenderer) colorFor(v, maxAbs float64) color.RGBA {
	if maxAbs == 0 {
		return rampColor(0, r.Signed)
	}
	return rampColor(v/maxAbs, r.Signed)
}

// rampColor maps t in [0,1] (or [-1,1] when signed) onto a colour ramp.
func rampColor(t float64, signed bool) color.RGBA {
	if signed {
		t = math.Max(-1, math.Min(1, t))
		if t < 0 {
			k := uint8(255 * (1 + t))
			return color.RGBA{k, k, 255, 255}
		}
		k := uint8(255 * (1 - t))
		return color.RGBA{255, k, k, 255}
	}
	t = math.Max(0, math.Min(1, t))
	// dark blue -> yellow -> red
	if t < 0.5 {
		k := t * 2
		return color.RGBA{uint8(30 + 225*k), uint8(60 + 170*k), uint8(160 * (1 - k)), 255}
	}
	k := (t - 0.5) * 2
	return color.RGBA{255, uint8(230 * (1 - k)), 0, 255}
}

func (r *HeatmapRenderer) drawLegend(img *image.RGBA, top int, maxAbs float64) {
	label := "|d|"
	if r.Signed {
		label = "d" + r.Component.String()
	}

	// Colour bar with its range
	for i := 0; i < 100; i++ {
		t := float64(i) / 99
		if r.Signed {
			t = 2*t - 1
		}
		fillRect(img, r.Padding+i, top+8, 1, 10, rampColor(t, r.Signed))
	}
	lo := 0.0
	if r.Signed {
		lo = -maxAbs
	}
	drawText(img, r.Padding+106, top+17, fmt.Sprintf("%s %.3g .. %.3g", label, lo, maxAbs), textColor)

	fillRect(img, r.Padding, top+24, 10, 10, noDataColor)
	drawText(img, r.Padding+16, top+34, fmt.Sprintf("no data   cell %g", r.Grid.CellLen()), textColor)
}

// EncodePNG renders the field and writes it as PNG.
func (r *HeatmapRenderer) EncodePNG(w io.Writer) error {
	img, err := r.Render()
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// SavePNG renders the field to a PNG file.
func (r *HeatmapRenderer) SavePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return r.EncodePNG(f)
}

func fillRect(img *image.RGBA, x, y, w, h int, c color.RGBA) {
	for dy := 0; dy < h; dy++ {
		for dx := 0; dx < w; dx++ {
			img.SetRGBA(x+dx, y+dy, c)
		}
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
