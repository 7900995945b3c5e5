package atlas

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads a YAML configuration. Fields the file leaves out keep
// their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks every field that a run depends on, including that each
// transform spec parses.
func (c *Config) Validate() error {
	if math.IsNaN(c.CellLength) || math.IsInf(c.CellLength, 0) || c.CellLength <= 0 {
		return fmt.Errorf("cellLength must be a positive number, got %v", c.CellLength)
	}
	if c.MinPoints < 0 {
		return fmt.Errorf("minPoints must not be negative, got %d", c.MinPoints)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if p := c.ICP.OutlierPercentile; p < 0 || p > 1 {
		return fmt.Errorf("icp.outlierPercentile must be within [0, 1], got %v", p)
	}
	if c.ICP.MaxIterations < 0 || c.ICP.Tolerance < 0 || c.ICP.MaxCorrespondDist < 0 || c.ICP.SamplePoints < 0 {
		return fmt.Errorf("icp settings must not be negative")
	}
	if c.Output.EPSG < 0 || c.Output.EPSG > math.MaxUint16 {
		return fmt.Errorf("output.epsg %d is not a valid EPSG code", c.Output.EPSG)
	}
	if _, err := LoadTransformSpecs(c.Transform); err != nil {
		return err
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
