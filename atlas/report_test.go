package atlas

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildReport(t *testing.T) {
	g := gridWithVectors(t, map[[2]int32]r3.Vector{
		{0, 0}: {X: 1, Y: 2, Z: 3},
	}, [2]int32{2, 1})
	failed, _ := g.Cell(2, 1)
	failed.Status = CellRegistrationFailed
	failed.Err = errors.New("boom")

	r, err := BuildReport(g, 5)
	require.NoError(t, err)

	assert.Equal(t, 1.0, r.CellLength)
	assert.Equal(t, 5, r.MinPoints)
	assert.Equal(t, Limits{XOrigin: 0, YOrigin: 0, XSize: 3, YSize: 2}, r.Limits)
	assert.Equal(t, RunStats{Cells: 2, Registered: 1, Failed: 1}, r.Stats)
	require.Len(t, r.Cells, 2)

	assert.Equal(t, int32(0), r.Cells[0].X)
	require.NotNil(t, r.Cells[0].Vector)
	assert.Equal(t, [3]float64{1, 2, 3}, *r.Cells[0].Vector)

	assert.Equal(t, CellRegistrationFailed, r.Cells[1].Status)
	assert.Nil(t, r.Cells[1].Vector)
	assert.Equal(t, "boom", r.Cells[1].Error)

	assert.Len(t, r.Registered(), 1)
}

func TestBuildReport_NeedsLimits(t *testing.T) {
	g, err := NewGrid(1)
	require.NoError(t, err)
	_, err = BuildReport(g, 1)
	assert.ErrorIs(t, err, ErrLimitsNotComputed)
}

func TestSaveLoadReport(t *testing.T) {
	g := gridWithVectors(t, map[[2]int32]r3.Vector{
		{-3, 4}: {X: 0.5},
	}, [2]int32{-2, 4})
	r, err := BuildReport(g, 1)
	require.NoError(t, err)
	r.Before = "before.las"
	r.After = "after.las"

	path := filepath.Join(t.TempDir(), "nested", "report.json")
	require.NoError(t, SaveReport(path, r))

	loaded, err := LoadReport(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, r.Before, loaded.Before)
	assert.Equal(t, r.Limits, loaded.Limits)
	assert.Equal(t, r.Cells, loaded.Cells)
	assert.Equal(t, CellPending, loaded.Cells[1].Status)
}

func TestLoadReport_Missing(t *testing.T) {
	r, err := LoadReport(filepath.Join(t.TempDir(), "none.json"))
	assert.NoError(t, err)
	assert.Nil(t, r)
}

func TestLoadReport_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"cells":[{"status":"sideways"}]}`), 0644))
	_, err := LoadReport(path)
	assert.Error(t, err)
}
