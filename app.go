package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/kwv/atlas/atlas"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *atlas.Config
	Store      *atlas.ResultStore
	MQTTClient *atlas.MQTTClient
	Publisher  *atlas.Publisher

	Before   string
	After    string
	HttpPort int
	MqttMode bool
	HttpMode bool

	// Out receives the human-readable run summary.
	Out io.Writer
	// FetchOptions apply to http(s) point sources.
	FetchOptions []atlas.FetchOption

	runMu sync.Mutex
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Config: atlas.DefaultConfig(),
		Store:  atlas.NewResultStore(),
		Out:    os.Stdout,
	}
}

// ApplyOptions loads the config file, if any, and lets explicit flags
// override it. Positional transforms follow those from the file.
func (a *App) ApplyOptions(opts AppOptions) error {
	cfg := atlas.DefaultConfig()
	if opts.ConfigFile != "" {
		loaded, err := atlas.LoadConfig(opts.ConfigFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if opts.IsSet("cell-length") {
		cfg.CellLength = opts.CellLength
	}
	if opts.IsSet("minpts") {
		cfg.MinPoints = opts.MinPoints
	}
	if opts.IsSet("debug") {
		cfg.Debug = opts.Debug
	}
	if opts.IsSet("workers") {
		cfg.Workers = opts.Workers
	}
	if opts.IsSet("output") {
		cfg.Output.Raster = opts.Output
	}
	if opts.IsSet("srs") {
		cfg.Output.EPSG = opts.SRS
	}
	if opts.IsSet("png") {
		cfg.Output.PNG = opts.PNG
	}
	if opts.IsSet("svg") {
		cfg.Output.SVG = opts.SVG
	}
	if opts.IsSet("geojson") {
		cfg.Output.GeoJSON = opts.GeoJSON
	}
	if opts.IsSet("report") {
		cfg.Output.Report = opts.Report
	}
	cfg.Transform = append(cfg.Transform, opts.Transforms...)

	if err := cfg.Validate(); err != nil {
		return err
	}

	a.Config = cfg
	if (opts.MqttMode || opts.HttpMode) && cfg.Output.Report != "" {
		// A service starts from the last saved report until its first run ends.
		a.Store = atlas.NewResultStoreWithCache(cfg.Output.Report)
	}
	a.Before = opts.Before
	a.After = opts.After
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
	return nil
}

// readScans loads both scans concurrently, applying the pre-transform.
func (a *App) readScans(ctx context.Context) (before, after []r3.Vector, err error) {
	transform, err := atlas.LoadTransformSpecs(a.Config.Transform)
	if err != nil {
		return nil, nil, err
	}
	if !atlas.IsIdentity4(transform, 0) {
		log.Printf("Pre-transform:\n%s", atlas.FormatMatrix4(transform))
	}

	read := func(arg string, dst *[]r3.Vector) func() error {
		return func() error {
			src := atlas.TransformedSource{
				Source:    atlas.NewPointSource(arg, a.FetchOptions...),
				Transform: transform,
			}
			points, err := src.Points(ctx)
			if err != nil {
				return fmt.Errorf("reading %s: %w", arg, err)
			}
			*dst = points
			return nil
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(read(a.Before, &before))
	eg.Go(read(a.After, &after))
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// Compute bins both scans and registers every cell.
func (a *App) Compute(ctx context.Context) (*atlas.Grid, *atlas.Report, error) {
	before, after, err := a.readScans(ctx)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("Read %d points from %s and %d points from %s", len(before), a.Before, len(after), a.After)

	grid, err := atlas.NewGrid(a.Config.CellLength)
	if err != nil {
		return nil, nil, err
	}
	if err := grid.Insert(before, atlas.Before); err != nil {
		return nil, nil, err
	}
	if err := grid.Insert(after, atlas.After); err != nil {
		return nil, nil, err
	}
	grid.CalcLimits()

	start := time.Now()
	stats, err := grid.RegisterAllContext(ctx, a.Config.RegisterOptions())
	if err != nil {
		return nil, nil, err
	}
	log.Printf("Registered %d of %d cells in %v (%d ineligible, %d failed, %d singular)",
		stats.Registered, stats.Cells, time.Since(start).Round(time.Millisecond),
		stats.Ineligible, stats.Failed, stats.Singular)

	report, err := atlas.BuildReport(grid, a.Config.MinPoints)
	if err != nil {
		return nil, nil, err
	}
	report.Before = a.Before
	report.After = a.After
	report.Transforms = append([]string(nil), a.Config.Transform...)
	return grid, report, nil
}

// RunOnce computes the field, writes every configured output and, when
// MQTT is enabled, publishes the result.
func (a *App) RunOnce(ctx context.Context) error {
	grid, report, err := a.run(ctx)
	if err != nil {
		return err
	}

	if a.MqttMode {
		if err := a.connectMQTT(ctx, nil); err != nil {
			return err
		}
		defer a.MQTTClient.Disconnect()
		if err := a.publish(report); err != nil {
			return err
		}
	}

	a.printSummary(grid, report)
	return nil
}

// run serializes computations so a recompute never overlaps another.
func (a *App) run(ctx context.Context) (*atlas.Grid, *atlas.Report, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	grid, report, err := a.Compute(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := a.WriteOutputs(grid, report); err != nil {
		return nil, nil, err
	}
	a.Store.Update(grid, report)
	return grid, report, nil
}

// WriteOutputs writes the raster and the optional previews. An empty grid
// is a valid outcome: it is reported and nothing is written.
func (a *App) WriteOutputs(grid *atlas.Grid, report *atlas.Report) error {
	limits, _ := grid.Limits()
	if limits.Empty() {
		log.Printf("No data: no points fell into any cell, skipping outputs")
		return nil
	}
	out := a.Config.Output

	if out.Raster != "" {
		sink := &atlas.GeoTIFFWriter{Path: out.Raster, EPSG: out.EPSG}
		if err := atlas.WriteRaster(grid, sink); err != nil {
			return fmt.Errorf("writing raster: %w", err)
		}
		report.Raster = out.Raster
		log.Printf("Wrote %dx%d raster to %s", limits.XSize, limits.YSize, out.Raster)
	}

	// Previews are best effort; all are attempted.
	var errs error
	if out.PNG != "" {
		if err := atlas.NewHeatmapRenderer(grid).SavePNG(out.PNG); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("writing PNG: %w", err))
		} else {
			log.Printf("Wrote preview to %s", out.PNG)
		}
	}
	if out.SVG != "" {
		if err := saveSVG(out.SVG, grid); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("writing SVG: %w", err))
		} else {
			log.Printf("Wrote quiver plot to %s", out.SVG)
		}
	}
	if out.GeoJSON != "" {
		if err := atlas.SaveGeoJSON(out.GeoJSON, grid, atlas.DefaultGeoJSONOptions()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("writing GeoJSON: %w", err))
		} else {
			log.Printf("Wrote GeoJSON to %s", out.GeoJSON)
		}
	}
	if out.Report != "" && out.Report != a.Store.CachePath() {
		if err := atlas.SaveReport(out.Report, report); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			log.Printf("Wrote report to %s", out.Report)
		}
	}
	return errs
}

func saveSVG(path string, grid *atlas.Grid) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return atlas.NewQuiverRenderer(grid).RenderToSVG(f)
}

// connectMQTT initializes the client and waits for the first connection.
func (a *App) connectMQTT(ctx context.Context, onCommand atlas.CommandHandler) error {
	if a.MQTTClient == nil {
		client, err := atlas.InitMQTT(a.Config, onCommand)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT requested but no broker configured (set mqtt.broker or MQTT_BROKER)")
		}
		a.MQTTClient = client
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.MQTTClient.WaitConnected(waitCtx); err != nil {
		return fmt.Errorf("connecting to MQTT broker: %w", err)
	}
	if a.Publisher == nil {
		a.Publisher = atlas.NewPublisher(a.MQTTClient.GetClient(), a.MQTTClient.Settings().PublishPrefix)
	}
	return nil
}

func (a *App) publish(report *atlas.Report) error {
	if a.Publisher == nil {
		return nil
	}
	if err := a.Publisher.PublishReport(report); err != nil {
		return fmt.Errorf("publishing results: %w", err)
	}
	return nil
}

// Recompute reruns the pipeline and publishes the new result. Errors are
// logged; the previous result stays in the store.
func (a *App) Recompute(ctx context.Context) {
	_, report, err := a.run(ctx)
	if err != nil {
		log.Printf("Recompute failed: %v", err)
		return
	}
	if err := a.publish(report); err != nil {
		log.Printf("Error publishing recomputed field: %v", err)
	}
}

// RunService computes once, then serves the latest result over HTTP and
// MQTT until ctx is cancelled. A recompute request on MQTT reruns the
// pipeline against the same sources.
func (a *App) RunService(ctx context.Context) error {
	if _, _, err := a.run(ctx); err != nil {
		log.Printf("Initial computation failed: %v", err)
	}

	if a.MqttMode {
		err := a.connectMQTT(ctx, func([]byte) {
			go a.Recompute(ctx)
		})
		if err != nil {
			return err
		}
		if report := a.Store.Report(); report != nil {
			if err := a.publish(report); err != nil {
				log.Printf("Error publishing initial field: %v", err)
			}
		}
	}

	var srv *http.Server
	srvErr := make(chan error, 1)
	if a.HttpMode {
		srv = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a.Store),
			ReadHeaderTimeout: 10 * time.Second,
		}
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("[HTTP] listen: %w", err)
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", srv.Addr)
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- err
			}
		}()
	}

	a.printServiceInfo()

	var err error
	select {
	case <-ctx.Done():
	case err = <-srvErr:
		err = fmt.Errorf("[HTTP] server error: %w", err)
	}

	fmt.Fprintln(a.Out, "\nShutting down service...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, srv.Shutdown(shutdownCtx))
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Fprintln(a.Out, "Service stopped")
	return err
}

func (a *App) printSummary(grid *atlas.Grid, report *atlas.Report) {
	limits, _ := grid.Limits()
	fmt.Fprintf(a.Out, "\nCells: %d populated, %d registered\n", report.Stats.Cells, report.Stats.Registered)
	if limits.Empty() {
		fmt.Fprintln(a.Out, "No data")
		return
	}
	fmt.Fprintf(a.Out, "Grid: %dx%d cells of %g from cell %d/%d\n",
		limits.XSize, limits.YSize, grid.CellLen(), limits.XOrigin, limits.YOrigin)
	if report.Raster != "" {
		fmt.Fprintf(a.Out, "Raster: %s\n", report.Raster)
	}
}

func (a *App) printServiceInfo() {
	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")

	if a.MqttMode && a.MQTTClient != nil {
		s := a.MQTTClient.Settings()
		fmt.Fprintln(a.Out, "\nMQTT:")
		fmt.Fprintf(a.Out, "  Summary: %s/summary\n", s.PublishPrefix)
		fmt.Fprintf(a.Out, "  Cells: %s/cells/{x}_{y}\n", s.PublishPrefix)
		fmt.Fprintf(a.Out, "  Recompute: %s\n", s.CommandTopic())
	}

	if a.HttpMode {
		fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Fprintln(a.Out, "  GET /health          - Health check")
		fmt.Fprintln(a.Out, "  GET /field.png       - Displacement magnitude preview")
		fmt.Fprintln(a.Out, "  GET /field.svg       - Quiver plot")
		fmt.Fprintln(a.Out, "  GET /field.geojson   - Cells and arrows")
		fmt.Fprintln(a.Out, "  GET /report.json     - Run report")
		fmt.Fprintln(a.Out, "  GET /bands/{x|y|z}.json - One displacement band")
	}

	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")
}
