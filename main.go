package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kwv/atlas/atlas"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed command line.
type AppOptions struct {
	ConfigFile string
	CellLength float64
	MinPoints  int
	Debug      bool
	Workers    int
	Output     string
	SRS        int
	PNG        string
	SVG        string
	GeoJSON    string
	Report     string
	MqttMode   bool
	HttpMode   bool
	HttpPort   int

	Before     string
	After      string
	Transforms []string

	// Set holds the names of flags given explicitly; only those override
	// the config file.
	Set map[string]bool
}

// IsSet reports whether the named flag was given on the command line.
func (o AppOptions) IsSet(name string) bool {
	return o.Set[name]
}

// Runner is what run drives; App implements it.
type Runner interface {
	ApplyOptions(opts AppOptions) error
	RunOnce(ctx context.Context) error
	RunService(ctx context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("Error: %v", err)
	}
}

func run(ctx context.Context, args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("atlas", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprintln(out, "Usage of atlas: atlas [flags] BEFORE AFTER [TRANSFORM...]")
		fmt.Fprintln(out, "\nBEFORE and AFTER are point files (.las, .xyz, .txt, .csv, .gz) or http(s) URLs.")
		fmt.Fprintln(out, "Each TRANSFORM is 16 numbers or a file holding them; all are multiplied in order.")
		fmt.Fprintln(out, "\nFlags:")
		fs.PrintDefaults()
	}

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "", "Path to YAML configuration file")
	fs.Float64Var(&opts.CellLength, "cell-length", atlas.DefaultCellLength, "Cell side length in scan units")
	fs.IntVar(&opts.MinPoints, "minpts", atlas.DefaultMinPoints, "Minimum points per scan for a cell to be registered")
	fs.BoolVar(&opts.Debug, "debug", false, "Log inverse transforms and per-point vectors")
	fs.IntVar(&opts.Workers, "workers", 1, "Cells registered concurrently")
	fs.StringVar(&opts.Output, "output", "vector.tif", "Output GeoTIFF path")
	fs.IntVar(&opts.SRS, "srs", atlas.DefaultEPSG, "EPSG code of the projected coordinate system")
	fs.StringVar(&opts.PNG, "png", "", "Write a displacement magnitude PNG preview")
	fs.StringVar(&opts.SVG, "svg", "", "Write an SVG quiver plot of horizontal displacement")
	fs.StringVar(&opts.GeoJSON, "geojson", "", "Write cells and displacement arrows as GeoJSON")
	fs.StringVar(&opts.Report, "report", "", "Write a JSON run report")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Publish results to MQTT and accept recompute requests")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve the latest field over HTTP")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")

	if err := fs.Parse(args); err != nil {
		return err
	}
	fmt.Fprintf(out, "atlas version: %s\n", Version)

	opts.Set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { opts.Set[f.Name] = true })

	rest := fs.Args()
	if len(rest) < 2 {
		fs.Usage()
		return fmt.Errorf("need BEFORE and AFTER scans, got %d argument(s)", len(rest))
	}
	opts.Before, opts.After = rest[0], rest[1]
	opts.Transforms = rest[2:]

	if err := app.ApplyOptions(opts); err != nil {
		return err
	}

	if opts.MqttMode || opts.HttpMode {
		return app.RunService(ctx)
	}
	return app.RunOnce(ctx)
}
