package atlas

import (
	"bytes"
	"errors"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
)

func TestHeatmapRenderer_Render(t *testing.T) {
	g := gridWithVectors(t, map[[2]int32]r3.Vector{
		{0, 0}: {X: 3, Y: 4},
		{1, 1}: {X: 0.1},
	}, [2]int32{1, 0})

	r := NewHeatmapRenderer(g)
	img, err := r.Render()
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	ppc := r.PixelsPerCell
	wantHeight := 2*ppc + 2*r.Padding + legendHeight
	if img.Bounds().Dy() != wantHeight {
		t.Errorf("height = %d, want %d", img.Bounds().Dy(), wantHeight)
	}

	// cell 0/0 is bottom-left and has the largest magnitude
	bottomLeft := img.RGBAAt(r.Padding+1, r.Padding+ppc+1)
	if bottomLeft != rampColor(1, false) {
		t.Errorf("cell 0/0 colour = %v, want %v", bottomLeft, rampColor(1, false))
	}
	// cell 1/0 is bottom-right and has no vector
	bottomRight := img.RGBAAt(r.Padding+ppc+1, r.Padding+ppc+1)
	if bottomRight != noDataColor {
		t.Errorf("cell 1/0 colour = %v, want no-data grey", bottomRight)
	}
	// cell 0/1 does not exist at all
	topLeft := img.RGBAAt(r.Padding+1, r.Padding+1)
	if topLeft != noDataColor {
		t.Errorf("cell 0/1 colour = %v, want no-data grey", topLeft)
	}
}

func TestHeatmapRenderer_Signed(t *testing.T) {
	g := gridWithVectors(t, map[[2]int32]r3.Vector{
		{0, 0}: {Z: -2},
		{1, 0}: {Z: 2},
	})
	r := NewHeatmapRenderer(g)
	r.Signed = true
	r.Component = ComponentZ

	img, err := r.Render()
	if err != nil {
		t.Fatal(err)
	}
	left := img.RGBAAt(r.Padding+1, r.Padding+1)
	right := img.RGBAAt(r.Padding+r.PixelsPerCell+1, r.Padding+1)
	if left != (color.RGBA{0, 0, 255, 255}) {
		t.Errorf("negative cell = %v, want blue", left)
	}
	if right != (color.RGBA{255, 0, 0, 255}) {
		t.Errorf("positive cell = %v, want red", right)
	}
}

func TestHeatmapRenderer_SavePNG(t *testing.T) {
	g := gridWithVectors(t, map[[2]int32]r3.Vector{{0, 0}: {X: 1}})
	path := filepath.Join(t.TempDir(), "field.png")
	if err := NewHeatmapRenderer(g).SavePNG(path); err != nil {
		t.Fatalf("SavePNG failed: %v", err)
	}
}

func TestHeatmapRenderer_RequiresLimits(t *testing.T) {
	g, _ := NewGrid(1)
	var buf bytes.Buffer
	if err := NewHeatmapRenderer(g).EncodePNG(&buf); !errors.Is(err, ErrLimitsNotComputed) {
		t.Errorf("expected ErrLimitsNotComputed, got %v", err)
	}
}

func TestHeatmapRenderer_RejectsHugeExtent(t *testing.T) {
	g, _ := NewGrid(1)
	_ = g.Insert([]r3.Vector{{X: 0.5, Y: 0.5}, {X: 1e6 + 0.5, Y: 0.5}}, Before)
	g.CalcLimits()
	if _, err := NewHeatmapRenderer(g).Render(); !errors.Is(err, ErrFieldTooLarge) {
		t.Errorf("expected ErrFieldTooLarge, got %v", err)
	}
}

func TestQuiverRenderer_SVG(t *testing.T) {
	g := gridWithVectors(t, map[[2]int32]r3.Vector{
		{0, 0}: {X: 0.2, Y: 0.1, Z: 0.05},
		{2, 1}: {},
	}, [2]int32{1, 1})

	var buf bytes.Buffer
	if err := NewQuiverRenderer(g).RenderToSVG(&buf); err != nil {
		t.Fatalf("RenderToSVG failed: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("<svg")) {
		t.Error("output does not contain <svg tag")
	}
	if !bytes.Contains(buf.Bytes(), []byte("path")) {
		t.Error("output does not contain path elements")
	}
}

func TestQuiverRenderer_PNG(t *testing.T) {
	g := gridWithVectors(t, map[[2]int32]r3.Vector{{0, 0}: {X: 0.2}, {1, 0}: {Y: -0.2}})
	g.cellLen = 100

	var buf bytes.Buffer
	if err := NewQuiverRenderer(g).RenderToPNG(&buf); err != nil {
		t.Fatalf("RenderToPNG failed: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		t.Errorf("empty image: %v", b)
	}
}

func TestQuiverRenderer_EmptyGrid(t *testing.T) {
	g, _ := NewGrid(1)
	g.CalcLimits()
	var buf bytes.Buffer
	if err := NewQuiverRenderer(g).RenderToSVG(&buf); !errors.Is(err, ErrEmptyRaster) {
		t.Errorf("expected ErrEmptyRaster, got %v", err)
	}
}

func TestArrowColor(t *testing.T) {
	if arrowColor(1, 100) != upColor || arrowColor(-1, 100) != downColor || arrowColor(0, 100) != levelColor {
		t.Error("arrow colours do not follow the sign of dz")
	}
}
