package atlas

import (
	"fmt"
	"strings"
)

// NoData is written for every raster pixel whose cell has no displacement.
const NoData = -9999.0

const (
	// DefaultCellLength is the side of a square cell in input units.
	DefaultCellLength = 100.0

	// DefaultMinPoints is the per-scan point count a cell needs to be registered.
	DefaultMinPoints = 250

	// DefaultEPSG is the projected coordinate system written into rasters.
	DefaultEPSG = 32624
)

// Order says which scan a point came from.
type Order int

const (
	Before Order = iota
	After
)

func (o Order) String() string {
	switch o {
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return fmt.Sprintf("Order(%d)", int(o))
	}
}

// Component selects one axis of a displacement vector.
type Component int

const (
	ComponentX Component = iota
	ComponentY
	ComponentZ
)

// Components lists the raster bands in output order.
var Components = []Component{ComponentX, ComponentY, ComponentZ}

func (c Component) String() string {
	switch c {
	case ComponentX:
		return "X"
	case ComponentY:
		return "Y"
	case ComponentZ:
		return "Z"
	default:
		return fmt.Sprintf("Component(%d)", int(c))
	}
}

// Valid reports whether c names one of the three axes.
func (c Component) Valid() bool {
	return c >= ComponentX && c <= ComponentZ
}

// ParseComponent accepts "x", "y" or "z" in either case.
func ParseComponent(s string) (Component, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x":
		return ComponentX, nil
	case "y":
		return ComponentY, nil
	case "z":
		return ComponentZ, nil
	}
	return 0, fmt.Errorf("unknown component %q", s)
}

// Config represents the full configuration file
type Config struct {
	CellLength float64      `yaml:"cellLength" json:"cellLength"`
	MinPoints  int          `yaml:"minPoints" json:"minPoints"`
	Debug      bool         `yaml:"debug,omitempty" json:"debug,omitempty"`
	Workers    int          `yaml:"workers,omitempty" json:"workers,omitempty"`
	Transform  []string     `yaml:"transform,omitempty" json:"transform,omitempty"` // 16-entry matrices or files holding them, applied in order
	ICP        ICPSettings  `yaml:"icp" json:"icp"`
	Output     OutputConfig `yaml:"output" json:"output"`
	MQTT       MQTTConfig   `yaml:"mqtt" json:"mqtt"`
}

// ICPSettings overrides the registration defaults. Zero values keep the default.
type ICPSettings struct {
	MaxIterations     int     `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
	Tolerance         float64 `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
	MaxCorrespondDist float64 `yaml:"maxCorrespondDist,omitempty" json:"maxCorrespondDist,omitempty"`
	OutlierPercentile float64 `yaml:"outlierPercentile,omitempty" json:"outlierPercentile,omitempty"`
	SamplePoints      int     `yaml:"samplePoints,omitempty" json:"samplePoints,omitempty"`
}

// OutputConfig names the files a run writes. Empty paths are skipped.
type OutputConfig struct {
	Raster  string `yaml:"raster" json:"raster"`
	EPSG    int    `yaml:"epsg,omitempty" json:"epsg,omitempty"`
	PNG     string `yaml:"png,omitempty" json:"png,omitempty"`
	SVG     string `yaml:"svg,omitempty" json:"svg,omitempty"`
	GeoJSON string `yaml:"geojson,omitempty" json:"geojson,omitempty"`
	Report  string `yaml:"report,omitempty" json:"report,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		CellLength: DefaultCellLength,
		MinPoints:  DefaultMinPoints,
		Workers:    1,
		Output: OutputConfig{
			Raster: "vector.tif",
			EPSG:   DefaultEPSG,
		},
	}
}

// RegisterOptions builds the per-run registration options from the config.
func (c *Config) RegisterOptions() RegisterOptions {
	icp := DefaultICPConfig()
	if c.ICP.MaxIterations > 0 {
		icp.MaxIterations = c.ICP.MaxIterations
	}
	if c.ICP.Tolerance > 0 {
		icp.ConvergenceThresh = c.ICP.Tolerance
	}
	if c.ICP.MaxCorrespondDist > 0 {
		icp.MaxCorrespondDist = c.ICP.MaxCorrespondDist
	}
	if c.ICP.OutlierPercentile > 0 {
		icp.OutlierPercentile = c.ICP.OutlierPercentile
	}
	if c.ICP.SamplePoints > 0 {
		icp.SamplePoints = c.ICP.SamplePoints
	}
	return RegisterOptions{
		MinPoints: c.MinPoints,
		Debug:     c.Debug,
		Workers:   c.Workers,
		Registrar: NewRigidICP(icp),
	}
}
