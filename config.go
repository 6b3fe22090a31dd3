package main

import (
	_ "embed"
	"fmt"
	"os"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default-config.yaml
var defaultConfigYAML string

// PlotConfig describes a field plot and where to borrow SLA from when a species was not measured locally
type PlotConfig struct {
	Code           string `yaml:"code" json:"code"`                                               // e.g., "LOW-1"
	Name           string `yaml:"name,omitempty" json:"name,omitempty"`                           // Human-readable label
	Elevation      string `yaml:"elevation,omitempty" json:"elevation,omitempty"`                 // "low", "mid", "high"
	Salinity       string `yaml:"salinity,omitempty" json:"salinity,omitempty"`                   // Exposure class, free text
	SubstitutePlot string `yaml:"substitute_plot,omitempty" json:"substitute_plot,omitempty"` // Plot whose SLA fills local gaps
}

// EstimateRecord is one prepared (plot, species) row from the data-preparation pipeline.
// Statistics are pointers so that an omitted value is distinguishable from zero.
type EstimateRecord struct {
	Plot           string   `yaml:"plot" json:"plot"`
	Species        string   `yaml:"species" json:"species"`
	LitterMassMean *float64 `yaml:"litter_mass_mean" json:"litter_mass_mean"` // g/m², mean across traps
	LitterMassSD   *float64 `yaml:"litter_mass_sd" json:"litter_mass_sd"`     // g/m², sd across traps
	SLAMean        *float64 `yaml:"sla_mean,omitempty" json:"sla_mean,omitempty"` // cm²/g, local measurement
	SLASD          *float64 `yaml:"sla_sd,omitempty" json:"sla_sd,omitempty"`     // cm²/g, local measurement
}

// SimulationConfig holds Monte Carlo parameters
type SimulationConfig struct {
	Trials     int     `yaml:"trials" json:"trials"`                               // Trials per (plot, species, mode), default 1000
	Seed       uint64  `yaml:"seed" json:"seed"`                                   // Base seed for every random stream
	Workers    int     `yaml:"workers,omitempty" json:"workers,omitempty"`         // Parallel (plot, mode) jobs, default NumCPU
	IntervalZ  float64 `yaml:"interval_z,omitempty" json:"interval_z,omitempty"`   // Normal quantile for the interval, default 1.96
	KeepTrials *bool   `yaml:"keep_trials,omitempty" json:"keep_trials,omitempty"` // Retain per-trial totals for density plots (default true)
}

// DefaultTrials is the number of Monte Carlo trials when none is configured
const DefaultTrials = 1000

// DefaultIntervalZ is the two-sided 95% normal quantile
const DefaultIntervalZ = 1.96

// GetTrials returns the configured trial count, using the default if not set.
// A negative value is returned unchanged so the sampler can reject it.
func (s *SimulationConfig) GetTrials() int {
	if s.Trials == 0 {
		return DefaultTrials
	}
	return s.Trials
}

// GetWorkers returns the worker count, using the CPU count if not set
func (s *SimulationConfig) GetWorkers() int {
	if s.Workers <= 0 {
		return runtime.NumCPU()
	}
	return s.Workers
}

// GetIntervalZ returns the interval multiplier, using 1.96 if not set
func (s *SimulationConfig) GetIntervalZ() float64 {
	if s.IntervalZ <= 0 {
		return DefaultIntervalZ
	}
	return s.IntervalZ
}

// ShouldKeepTrials returns whether per-trial totals are retained (default: true)
func (s *SimulationConfig) ShouldKeepTrials() bool {
	if s.KeepTrials == nil {
		return true
	}
	return *s.KeepTrials
}

// OutputConfig controls which artifacts are rendered
type OutputConfig struct {
	Dir     string   `yaml:"dir" json:"dir"`         // Root folder for dated report folders
	Formats []string `yaml:"formats" json:"formats"` // Any of: html, pdf, csv, json
}

// GetDir returns the output directory, defaulting to "reports"
func (o *OutputConfig) GetDir() string {
	if o.Dir == "" {
		return "reports"
	}
	return o.Dir
}

// HasFormat reports whether an artifact format is enabled
func (o *OutputConfig) HasFormat(format string) bool {
	for _, f := range o.Formats {
		if strings.EqualFold(f, format) {
			return true
		}
	}
	return false
}

// StorageConfig selects where runs are persisted
type StorageConfig struct {
	Driver string `yaml:"driver" json:"driver"` // "", "sqlite" or "postgres"
	DSN    string `yaml:"dsn" json:"dsn"`       // File path for sqlite, URL for postgres
}

// Enabled reports whether run persistence is configured
func (s *StorageConfig) Enabled() bool {
	return s.Driver != ""
}

// PublishConfig selects where rendered artifacts are stored
type PublishConfig struct {
	Driver    string `yaml:"driver" json:"driver"`                             // "fs" (default) or "s3"
	Bucket    string `yaml:"bucket,omitempty" json:"bucket,omitempty"`         // S3 bucket
	Region    string `yaml:"region,omitempty" json:"region,omitempty"`         // S3 region, default us-east-1
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`     // Custom endpoint (MinIO)
	PathStyle bool   `yaml:"path_style,omitempty" json:"path_style,omitempty"` // Path-style addressing
	Prefix    string `yaml:"prefix,omitempty" json:"prefix,omitempty"`         // Key prefix inside the bucket

	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"-"` // Static keys (MinIO); default credential chain when empty
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"-"`
}

// ConvergenceConfig holds the trial-count sweep parameters
type ConvergenceConfig struct {
	TrialCounts []int `yaml:"trial_counts" json:"trial_counts"` // e.g., [100, 250, 500, 1000, 2000]
	Replicates  int   `yaml:"replicates" json:"replicates"`     // Seeds per trial count
}

// GetTrialCounts returns the sweep trial counts, with defaults if not set
func (c *ConvergenceConfig) GetTrialCounts() []int {
	if len(c.TrialCounts) == 0 {
		return []int{100, 250, 500, 1000, 2000}
	}
	return c.TrialCounts
}

// GetReplicates returns the number of seeds per trial count (default 10)
func (c *ConvergenceConfig) GetReplicates() int {
	if c.Replicates <= 0 {
		return 10
	}
	return c.Replicates
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"` // "debug", "info", "warn", "error"
}

// Config holds the complete configuration
type Config struct {
	Simulation  SimulationConfig  `yaml:"simulation" json:"simulation"`
	Plots       []PlotConfig      `yaml:"plots" json:"plots"`
	Estimates   []EstimateRecord  `yaml:"estimates" json:"estimates"`
	Output      OutputConfig      `yaml:"output" json:"output"`
	Storage     StorageConfig     `yaml:"storage" json:"storage"`
	Publish     PublishConfig     `yaml:"publish" json:"publish"`
	Convergence ConvergenceConfig `yaml:"convergence" json:"convergence"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}

	return &config, nil
}

// LoadDefaultConfig loads the example configuration compiled into the binary
func LoadDefaultConfig() (*Config, error) {
	var config Config
	if err := yaml.Unmarshal([]byte(defaultConfigYAML), &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filename string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return err
	}

	header := []byte(`# Leaf Area Index Monte Carlo Configuration
#
# ═══════════════════════════════════════════════════════════════════════════════
# INPUT TABLE
# ═══════════════════════════════════════════════════════════════════════════════
#
# estimates: one row per (plot, species), already joined by the data pipeline.
#   litter_mass_mean / litter_mass_sd: annual leaf litter, g/m², across traps
#   sla_mean / sla_sd: specific leaf area, cm²/g, measured in this plot
#
# Missing SLA values are filled, per species, from:
#   1. the plot's substitute_plot (see plots:)
#   2. the median of that species across all plots with a local measurement
# A row that is still incomplete excludes its plot from the run.
#
# ═══════════════════════════════════════════════════════════════════════════════
# RUN COMMANDS
# ═══════════════════════════════════════════════════════════════════════════════
#   lai run                      Console summary
#   lai run --html --pdf         Also write HTML and PDF reports
#   lai run --save               Persist the run (storage: section)
#   lai convergence              Trial-count / seed sweep
#   lai serve --addr :8080       HTTP API
#   lai --help                   Show all options

`)
	content := append(header, data...)
	return os.WriteFile(filename, content, 0644)
}

// FindPlot finds a plot by code
func (c *Config) FindPlot(code string) *PlotConfig {
	for i := range c.Plots {
		if c.Plots[i].Code == code {
			return &c.Plots[i]
		}
	}
	return nil
}

// SubstitutePlots returns the plot → substitute plot mapping
func (c *Config) SubstitutePlots() map[string]string {
	subs := make(map[string]string)
	for _, p := range c.Plots {
		if p.SubstitutePlot != "" {
			subs[p.Code] = p.SubstitutePlot
		}
	}
	return subs
}

// PlotCodes returns all plot codes referenced by the config, plots section first
func (c *Config) PlotCodes() []string {
	seen := make(map[string]bool)
	var codes []string
	for _, p := range c.Plots {
		if !seen[p.Code] {
			seen[p.Code] = true
			codes = append(codes, p.Code)
		}
	}
	for _, e := range c.Estimates {
		if !seen[e.Plot] {
			seen[e.Plot] = true
			codes = append(codes, e.Plot)
		}
	}
	return codes
}

// Validate checks the configuration for values the simulation cannot use.
// Missing statistics are not validation errors; they are handled by backfill.
func (c *Config) Validate() error {
	if c.Simulation.Trials < 0 {
		return InvalidTrialCountError{Trials: c.Simulation.Trials}
	}
	if c.Simulation.IntervalZ < 0 {
		return ValidationError{Field: "simulation.interval_z", Message: "interval_z must be positive"}
	}

	plots := make(map[string]bool)
	for _, p := range c.Plots {
		if err := validatePlotCode(p.Code); err != nil {
			return err
		}
		if plots[p.Code] {
			return ValidationError{Field: "plots", Message: fmt.Sprintf("duplicate plot %s", p.Code)}
		}
		plots[p.Code] = true
	}
	for _, p := range c.Plots {
		if p.SubstitutePlot == "" {
			continue
		}
		if p.SubstitutePlot == p.Code {
			return ValidationError{Field: "plots.substitute_plot", Message: fmt.Sprintf("plot %s cannot substitute itself", p.Code)}
		}
		if !plots[p.SubstitutePlot] {
			return ValidationError{Field: "plots.substitute_plot", Message: fmt.Sprintf("plot %s names unknown substitute %s", p.Code, p.SubstitutePlot)}
		}
	}

	if err := validateRecords(c.Estimates, c.Plots); err != nil {
		return err
	}

	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return ValidationError{Field: "storage.driver", Message: fmt.Sprintf("unknown storage driver %q", c.Storage.Driver)}
	}
	switch c.Publish.Driver {
	case "", "fs":
	case "s3":
		if c.Publish.Bucket == "" {
			return ValidationError{Field: "publish.bucket", Message: "bucket required for s3 publishing"}
		}
	default:
		return ValidationError{Field: "publish.driver", Message: fmt.Sprintf("unknown publish driver %q", c.Publish.Driver)}
	}
	return nil
}
