package atlas

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Feature kinds carried in the "kind" property.
const (
	FeatureKindCell  = "cell"
	FeatureKindArrow = "arrow"
)

// GeoJSONOptions controls the feature collection export.
type GeoJSONOptions struct {
	// Arrows adds a LineString per registered cell from its centre along
	// the horizontal displacement.
	Arrows bool
	// ArrowScale multiplies arrow lengths; 0 means 1.
	ArrowScale float64
	// IncludeIneligible exports cells that never got a vector.
	IncludeIneligible bool
}

// DefaultGeoJSONOptions exports every cell and its arrow at true scale.
func DefaultGeoJSONOptions() GeoJSONOptions {
	return GeoJSONOptions{Arrows: true, ArrowScale: 1, IncludeIneligible: true}
}

// cellRing returns the closed outline of a cell, counter-clockwise.
func cellRing(c *Cell, cellLen float64) orb.Ring {
	x0 := float64(c.X) * cellLen
	y0 := float64(c.Y) * cellLen
	x1 := x0 + cellLen
	y1 := y0 + cellLen
	return orb.Ring{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}
}

// FieldFeatures exports the grid's cells as polygons in world coordinates,
// in row-major order, with the displacement as properties.
func FieldFeatures(g *Grid, opts GeoJSONOptions) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	scale := opts.ArrowScale
	if scale == 0 {
		scale = 1
	}

	bound := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for _, c := range g.Cells() {
		if !c.HasVector && !opts.IncludeIneligible {
			continue
		}
		poly := orb.Polygon{cellRing(c, g.CellLen())}
		bound = bound.Union(poly.Bound())

		f := geojson.NewFeature(poly)
		f.ID = c.Key().String()
		f.Properties["kind"] = FeatureKindCell
		f.Properties["x"] = int(c.X)
		f.Properties["y"] = int(c.Y)
		f.Properties["status"] = c.Status.String()
		f.Properties["before"] = len(c.Before)
		f.Properties["after"] = len(c.After)
		if c.HasVector {
			f.Properties["dx"] = c.Vector.X
			f.Properties["dy"] = c.Vector.Y
			f.Properties["dz"] = c.Vector.Z
			f.Properties["magnitude"] = c.Vector.Norm()
		}
		if c.Err != nil {
			f.Properties["error"] = c.Err.Error()
		}
		fc.Append(f)

		if opts.Arrows && c.HasVector {
			center := c.Center(g.CellLen(), 0)
			line := orb.LineString{
				{center.X, center.Y},
				{center.X + c.Vector.X*scale, center.Y + c.Vector.Y*scale},
			}
			arrow := geojson.NewFeature(line)
			arrow.Properties["kind"] = FeatureKindArrow
			arrow.Properties["x"] = int(c.X)
			arrow.Properties["y"] = int(c.Y)
			arrow.Properties["dz"] = c.Vector.Z
			fc.Append(arrow)
		}
	}

	if len(fc.Features) > 0 {
		fc.BBox = geojson.NewBBox(bound)
	}
	return fc
}

// EncodeGeoJSON writes the grid as a GeoJSON FeatureCollection.
func EncodeGeoJSON(w io.Writer, g *Grid, opts GeoJSONOptions) error {
	data, err := FieldFeatures(g, opts).MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling geojson: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// SaveGeoJSON writes the grid as GeoJSON to path.
func SaveGeoJSON(path string, g *Grid, opts GeoJSONOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating geojson file: %w", err)
	}
	if err := EncodeGeoJSON(f, g, opts); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
