package atlas

import (
	"sync"
	"time"
)

// ResultStore holds the latest computed field for HTTP endpoints. The grid
// handed to Update must not be modified afterwards.
type ResultStore struct {
	mu        sync.RWMutex
	grid      *Grid
	report    *Report
	updated   time.Time
	cachePath string // path to the report cache; empty disables persistence
}

// NewResultStore creates an empty store.
func NewResultStore() *ResultStore {
	return &ResultStore{}
}

// NewResultStoreWithCache creates a store that persists each report to
// cachePath. If the file exists, its report is loaded on creation so the
// summary endpoints have data before the first run completes.
func NewResultStoreWithCache(cachePath string) *ResultStore {
	rs := &ResultStore{cachePath: cachePath}
	if cachePath != "" {
		if r, err := LoadReport(cachePath); err == nil && r != nil {
			rs.report = r
			rs.updated = time.Unix(r.GeneratedAt, 0)
		}
	}
	return rs
}

// CachePath returns the report cache path, or "" when nothing is persisted.
func (rs *ResultStore) CachePath() string {
	return rs.cachePath
}

// Update replaces the stored result.
func (rs *ResultStore) Update(g *Grid, r *Report) {
	rs.mu.Lock()
	rs.grid = g
	rs.report = r
	rs.updated = time.Now()
	cachePath := rs.cachePath
	rs.mu.Unlock()

	if cachePath != "" && r != nil {
		if err := SaveReport(cachePath, r); err != nil {
			Logf("warning: failed to save report cache: %v", err)
		}
	}
}

// Grid returns the latest grid, or nil.
func (rs *ResultStore) Grid() *Grid {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.grid
}

// Report returns a copy of the latest report, or nil.
func (rs *ResultStore) Report() *Report {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if rs.report == nil {
		return nil
	}
	cp := *rs.report
	cp.Cells = append([]CellReport(nil), rs.report.Cells...)
	cp.Transforms = append([]string(nil), rs.report.Transforms...)
	return &cp
}

// HasField reports whether a grid is available for rendering.
func (rs *ResultStore) HasField() bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.grid != nil
}

// Updated returns when the stored result was produced.
func (rs *ResultStore) Updated() time.Time {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.updated
}

// Band returns one component of the stored field in row-major order,
// together with the grid limits that give it its shape.
func (rs *ResultStore) Band(c Component) ([]float64, Limits, error) {
	g := rs.Grid()
	if g == nil {
		return nil, Limits{}, ErrNoResult
	}
	it, err := NewFieldIterator(g, c)
	if err != nil {
		return nil, Limits{}, err
	}
	limits, _ := g.Limits()
	return it.Values(), limits, nil
}
