package atlas

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func TestFieldFeatures_CellsAndArrows(t *testing.T) {
	g := gridWithVectors(t, map[[2]int32]r3.Vector{
		{0, 0}: {X: 0.3, Y: 0.4, Z: -0.1},
	}, [2]int32{1, 0})

	fc := FieldFeatures(g, DefaultGeoJSONOptions())
	// Two cells plus one arrow for the registered cell
	if len(fc.Features) != 3 {
		t.Fatalf("got %d features, want 3", len(fc.Features))
	}

	cell := fc.Features[0]
	poly, ok := cell.Geometry.(orb.Polygon)
	if !ok {
		t.Fatalf("first feature is %T, want orb.Polygon", cell.Geometry)
	}
	if got := poly.Bound(); got.Min != (orb.Point{0, 0}) || got.Max != (orb.Point{1, 1}) {
		t.Errorf("cell bound = %v, want [0,0]-[1,1]", got)
	}
	if cell.Properties.MustString("kind") != FeatureKindCell {
		t.Errorf("kind = %v", cell.Properties["kind"])
	}
	if mag := cell.Properties.MustFloat64("magnitude"); mag < 0.5-1e-12 || mag > 0.5+1e-12 {
		t.Errorf("magnitude = %v, want 0.5", mag)
	}
	if cell.Properties.MustString("status") != "registered" {
		t.Errorf("status = %v", cell.Properties["status"])
	}

	arrow := fc.Features[1]
	line, ok := arrow.Geometry.(orb.LineString)
	if !ok {
		t.Fatalf("second feature is %T, want orb.LineString", arrow.Geometry)
	}
	if line[0] != (orb.Point{0.5, 0.5}) {
		t.Errorf("arrow starts at %v, want cell centre", line[0])
	}
	if dx, dy := line[1][0]-0.8, line[1][1]-0.9; dx*dx+dy*dy > 1e-18 {
		t.Errorf("arrow ends at %v, want [0.8 0.9]", line[1])
	}

	empty := fc.Features[2]
	if _, has := empty.Properties["dx"]; has {
		t.Error("cell without vector should not carry dx")
	}

	if !fc.BBox.Valid() || fc.BBox.Bound().Max != (orb.Point{2, 1}) {
		t.Errorf("bbox = %v, want max [2 1]", fc.BBox)
	}
}

func TestFieldFeatures_SkipIneligible(t *testing.T) {
	g := gridWithVectors(t, map[[2]int32]r3.Vector{
		{0, 0}: {X: 1},
	}, [2]int32{3, 3})

	fc := FieldFeatures(g, GeoJSONOptions{})
	if len(fc.Features) != 1 {
		t.Fatalf("got %d features, want 1", len(fc.Features))
	}
}

func TestEncodeGeoJSON_RoundTrip(t *testing.T) {
	g := gridWithVectors(t, map[[2]int32]r3.Vector{
		{-1, 2}: {X: 1, Y: -1, Z: 2},
	})

	var buf bytes.Buffer
	if err := EncodeGeoJSON(&buf, g, DefaultGeoJSONOptions()); err != nil {
		t.Fatalf("EncodeGeoJSON failed: %v", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(buf.Bytes())
	if err != nil {
		t.Fatalf("output is not a feature collection: %v", err)
	}
	if len(fc.Features) != 2 {
		t.Fatalf("got %d features, want 2", len(fc.Features))
	}
	if fc.Features[0].Properties.MustInt("x") != -1 || fc.Features[0].Properties.MustInt("y") != 2 {
		t.Errorf("cell index lost: %v", fc.Features[0].Properties)
	}
	if fc.Features[0].Properties.MustFloat64("dz") != 2 {
		t.Errorf("dz = %v, want 2", fc.Features[0].Properties["dz"])
	}
}

func TestSaveGeoJSON(t *testing.T) {
	g := gridWithVectors(t, map[[2]int32]r3.Vector{{0, 0}: {}})
	path := filepath.Join(t.TempDir(), "field.geojson")
	if err := SaveGeoJSON(path, g, DefaultGeoJSONOptions()); err != nil {
		t.Fatalf("SaveGeoJSON failed: %v", err)
	}
}
