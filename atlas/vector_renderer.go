package atlas

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/golang/geo/r3"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// QuiverRenderer draws the horizontal displacement of every registered
// cell as an arrow from the cell centre, over the cell grid.
type QuiverRenderer struct {
	Grid       *Grid
	Padding    float64           // Padding in world units
	Resolution canvas.Resolution // Resolution for PNG output (default: 300 DPI)

	// Exaggeration scales arrows; 0 picks a scale so the longest arrow
	// spans 80% of a cell.
	Exaggeration float64
}

// NewQuiverRenderer creates a quiver renderer with default settings
func NewQuiverRenderer(g *Grid) *QuiverRenderer {
	return &QuiverRenderer{
		Grid:       g,
		Padding:    g.CellLen() / 2,
		Resolution: canvas.DPI(72),
	}
}

var (
	cellFill    = color.RGBA{235, 242, 250, 255}
	cellNoData  = color.RGBA{215, 215, 215, 255}
	upColor     = color.RGBA{200, 40, 40, 255}
	downColor   = color.RGBA{30, 80, 200, 255}
	levelColor  = color.RGBA{40, 40, 40, 255}
	gridOutline = color.RGBA{170, 170, 170, 255}
)

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

func (r *QuiverRenderer) extent() (width, height float64, limits Limits, err error) {
	limits, ok := r.Grid.Limits()
	if !ok {
		return 0, 0, limits, ErrLimitsNotComputed
	}
	if limits.Empty() {
		return 0, 0, limits, ErrEmptyRaster
	}
	width = float64(limits.XSize)*r.Grid.CellLen() + 2*r.Padding
	height = float64(limits.YSize)*r.Grid.CellLen() + 2*r.Padding
	return width, height, limits, nil
}

// RenderToSVG writes the field as an SVG to the provided writer
func (r *QuiverRenderer) RenderToSVG(w io.Writer) error {
	width, height, limits, err := r.extent()
	if err != nil {
		return err
	}

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, limits, width, height)

	// Close SVG renderer to write closing tags
	return svgRenderer.Close()
}

// RenderToPNG writes the field as a PNG to the provided writer
func (r *QuiverRenderer) RenderToPNG(w io.Writer) error {
	width, height, limits, err := r.extent()
	if err != nil {
		return err
	}

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, limits, width, height)

	// Rasterizer implements draw.Image interface, which embeds image.Image
	return png.Encode(w, rast)
}

func (r *QuiverRenderer) arrowScale() float64 {
	if r.Exaggeration > 0 {
		return r.Exaggeration
	}
	var maxLen float64
	for _, c := range r.Grid.Cells() {
		if c.HasVector {
			maxLen = math.Max(maxLen, math.Hypot(c.Vector.X, c.Vector.Y))
		}
	}
	if maxLen == 0 {
		return 1
	}
	return 0.8 * r.Grid.CellLen() / maxLen
}

// renderToCanvas renders cells and arrows (shared logic for SVG and PNG)
func (r *QuiverRenderer) renderToCanvas(renderer canvasRenderer, limits Limits, width, height float64) {
	cellLen := r.Grid.CellLen()
	originX := float64(limits.XOrigin) * cellLen
	originY := float64(limits.YOrigin) * cellLen

	// World point to canvas point
	toCanvas := func(p r3.Vector) (float64, float64) {
		return p.X - originX + r.Padding, p.Y - originY + r.Padding
	}

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	cellStyle := canvas.DefaultStyle
	cellStyle.Stroke = canvas.Paint{Color: gridOutline}
	cellStyle.StrokeWidth = cellLen / 100

	scale := r.arrowScale()
	for _, c := range r.Grid.Cells() {
		x, y := toCanvas(r3.Vector{X: float64(c.X) * cellLen, Y: float64(c.Y) * cellLen})
		cellStyle.Fill = canvas.Paint{Color: cellNoData}
		if c.HasVector {
			cellStyle.Fill = canvas.Paint{Color: cellFill}
		}
		renderer.RenderPath(canvas.Rectangle(cellLen, cellLen).Translate(x, y), cellStyle, canvas.Identity)
	}

	for _, c := range r.Grid.Cells() {
		if !c.HasVector {
			continue
		}
		center := c.Center(cellLen, 0)
		tip := center.Add(r3.Vector{X: c.Vector.X * scale, Y: c.Vector.Y * scale})
		r.drawArrow(renderer, toCanvas, center, tip, arrowColor(c.Vector.Z, cellLen))
	}
}

// arrowColor encodes the vertical component: red for uplift, blue for
// subsidence, near-black when it is negligible relative to the cell.
func arrowColor(dz, cellLen float64) color.RGBA {
	switch {
	case dz > cellLen*1e-4:
		return upColor
	case dz < -cellLen*1e-4:
		return downColor
	default:
		return levelColor
	}
}

func (r *QuiverRenderer) drawArrow(renderer canvasRenderer, toCanvas func(r3.Vector) (float64, float64), from, to r3.Vector, c color.RGBA) {
	cellLen := r.Grid.CellLen()
	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: canvas.Transparent}
	style.Stroke = canvas.Paint{Color: c}
	style.StrokeWidth = cellLen / 40

	x1, y1 := toCanvas(from)
	x2, y2 := toCanvas(to)
	length := math.Hypot(x2-x1, y2-y1)
	if length < cellLen/200 {
		// Too short to show a direction; mark the centre instead
		dot := canvas.DefaultStyle
		dot.Fill = canvas.Paint{Color: c}
		renderer.RenderPath(canvas.Circle(cellLen/40).Translate(x1, y1), dot, canvas.Identity)
		return
	}

	shaft := &canvas.Path{}
	shaft.MoveTo(x1, y1)
	shaft.LineTo(x2, y2)
	renderer.RenderPath(shaft, style, canvas.Identity)

	// Arrow head
	head := math.Min(length*0.35, cellLen/6)
	angle := math.Atan2(y2-y1, x2-x1)
	headPath := &canvas.Path{}
	headPath.MoveTo(x2-head*math.Cos(angle-math.Pi/7), y2-head*math.Sin(angle-math.Pi/7))
	headPath.LineTo(x2, y2)
	headPath.LineTo(x2-head*math.Cos(angle+math.Pi/7), y2-head*math.Sin(angle+math.Pi/7))
	renderer.RenderPath(headPath, style, canvas.Identity)
}
