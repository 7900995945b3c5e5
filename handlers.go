package main

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/kwv/atlas/atlas"
)

// bandResponse is the body of /bands/{x|y|z}.json.
type bandResponse struct {
	Component string       `json:"component"`
	Limits    atlas.Limits `json:"limits"`
	NoData    float64      `json:"noData"`
	Values    []float64    `json:"values"`
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(store *atlas.ResultStore) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			HasField  bool      `json:"hasField"`
			Updated   time.Time `json:"updated,omitempty"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			HasField:  store.HasField(),
			Updated:   store.Updated(),
		}
		writeJSON(w, status)
	})

	mux.HandleFunc("/field.png", func(w http.ResponseWriter, r *http.Request) {
		grid, ok := fieldOrUnavailable(w, store)
		if !ok {
			return
		}
		renderer := atlas.NewHeatmapRenderer(grid)
		if comp := r.URL.Query().Get("component"); comp != "" {
			c, err := atlas.ParseComponent(comp)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			renderer.Signed = true
			renderer.Component = c
		}

		var buf bytes.Buffer
		if err := renderer.EncodePNG(&buf); err != nil {
			log.Printf("Error rendering field PNG: %v", err)
			http.Error(w, "Error rendering field", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(buf.Bytes())
	})

	mux.HandleFunc("/field.svg", func(w http.ResponseWriter, r *http.Request) {
		grid, ok := fieldOrUnavailable(w, store)
		if !ok {
			return
		}
		var buf bytes.Buffer
		if err := atlas.NewQuiverRenderer(grid).RenderToSVG(&buf); err != nil {
			log.Printf("Error rendering field SVG: %v", err)
			http.Error(w, "Error rendering field", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(buf.Bytes())
	})

	mux.HandleFunc("/field.geojson", func(w http.ResponseWriter, r *http.Request) {
		grid, ok := fieldOrUnavailable(w, store)
		if !ok {
			return
		}
		opts := atlas.DefaultGeoJSONOptions()
		if r.URL.Query().Get("arrows") == "false" {
			opts.Arrows = false
		}
		var buf bytes.Buffer
		if err := atlas.EncodeGeoJSON(&buf, grid, opts); err != nil {
			log.Printf("Error encoding GeoJSON: %v", err)
			http.Error(w, "Error encoding GeoJSON", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(buf.Bytes())
	})

	mux.HandleFunc("/report.json", func(w http.ResponseWriter, r *http.Request) {
		report := store.Report()
		if report == nil {
			http.Error(w, "No report available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, report)
	})

	mux.HandleFunc("/bands/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/bands/"), ".json")
		comp, err := atlas.ParseComponent(name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		values, limits, err := store.Band(comp)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, bandResponse{
			Component: comp.String(),
			Limits:    limits,
			NoData:    atlas.NoData,
			Values:    values,
		})
	})

	return mux
}

// fieldOrUnavailable returns the stored grid, or writes 503 when there is
// nothing to draw.
func fieldOrUnavailable(w http.ResponseWriter, store *atlas.ResultStore) (*atlas.Grid, bool) {
	grid := store.Grid()
	if grid == nil {
		http.Error(w, "No field available", http.StatusServiceUnavailable)
		return nil, false
	}
	if limits, _ := grid.Limits(); limits.Empty() {
		http.Error(w, "Field has no data", http.StatusServiceUnavailable)
		return nil, false
	}
	return grid, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}
