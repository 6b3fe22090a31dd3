package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadDefaultConfig(t *testing.T) {
	config, err := LoadDefaultConfig()
	if err != nil {
		t.Fatal(err)
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	want := []string{"LOW-1", "LOW-2", "MID-1", "MID-2", "HIGH-1", "HIGH-2"}
	if diff := cmp.Diff(want, config.PlotCodes()); diff != "" {
		t.Errorf("plot codes mismatch (-want +got):\n%s", diff)
	}
	subs := config.SubstitutePlots()
	if subs["LOW-2"] != "LOW-1" || subs["MID-2"] != "MID-1" || subs["HIGH-2"] != "HIGH-1" || len(subs) != 3 {
		t.Errorf("substitutes %v", subs)
	}
	if config.FindPlot("MID-1") == nil || config.FindPlot("NOPE") != nil {
		t.Error("FindPlot lookup wrong")
	}
}

func TestSimulationConfigDefaults(t *testing.T) {
	var sim SimulationConfig
	if sim.GetTrials() != DefaultTrials {
		t.Errorf("GetTrials() = %d, want %d", sim.GetTrials(), DefaultTrials)
	}
	if sim.GetIntervalZ() != DefaultIntervalZ {
		t.Errorf("GetIntervalZ() = %v, want %v", sim.GetIntervalZ(), DefaultIntervalZ)
	}
	if sim.GetWorkers() < 1 {
		t.Errorf("GetWorkers() = %d", sim.GetWorkers())
	}
	if !sim.ShouldKeepTrials() {
		t.Error("trials are kept by default")
	}

	keep := false
	sim = SimulationConfig{Trials: -3, Workers: 2, IntervalZ: 2.58, KeepTrials: &keep}
	if sim.GetTrials() != -3 {
		t.Error("negative trial count should pass through for rejection")
	}
	if sim.GetWorkers() != 2 || sim.GetIntervalZ() != 2.58 || sim.ShouldKeepTrials() {
		t.Errorf("explicit settings not honoured: %+v", sim)
	}

	opts := OptionsFromConfig(sim)
	if opts.Trials != -3 || opts.Workers != 2 || opts.IntervalZ != 2.58 || opts.KeepTrials {
		t.Errorf("options %+v", opts)
	}
}

func TestSectionDefaults(t *testing.T) {
	var out OutputConfig
	if out.GetDir() != "reports" {
		t.Errorf("output dir %q", out.GetDir())
	}
	out.Formats = []string{"HTML", "csv"}
	if !out.HasFormat("html") || !out.HasFormat("csv") || out.HasFormat("pdf") {
		t.Errorf("HasFormat wrong for %v", out.Formats)
	}

	var conv ConvergenceConfig
	if diff := cmp.Diff([]int{100, 250, 500, 1000, 2000}, conv.GetTrialCounts()); diff != "" {
		t.Errorf("trial counts:\n%s", diff)
	}
	if conv.GetReplicates() != 10 {
		t.Errorf("replicates %d", conv.GetReplicates())
	}

	var storage StorageConfig
	if storage.Enabled() {
		t.Error("storage should be disabled without a driver")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		mutate      func(c *Config)
		field       string
		description string
	}{
		{func(c *Config) { c.Plots = append(c.Plots, PlotConfig{Code: "LOW-1"}) }, "plots", "duplicate plot"},
		{func(c *Config) { c.Plots[1].SubstitutePlot = "LOW-2" }, "plots.substitute_plot", "self substitute"},
		{func(c *Config) { c.Plots[1].SubstitutePlot = "NOWHERE" }, "plots.substitute_plot", "unknown substitute"},
		{func(c *Config) { c.Simulation.IntervalZ = -1 }, "simulation.interval_z", "negative interval z"},
		{func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver", "unknown storage driver"},
		{func(c *Config) { c.Publish.Driver = "s3" }, "publish.bucket", "s3 without bucket"},
		{func(c *Config) { c.Publish.Driver = "ftp" }, "publish.driver", "unknown publish driver"},
		{func(c *Config) { c.Plots[0].Code = "bad code" }, "plot", "invalid plot code"},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			config, err := LoadDefaultConfig()
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(config)
			var ve ValidationError
			if err := config.Validate(); !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field %q, want %q", ve.Field, tt.field)
			}
		})
	}

	config, _ := LoadDefaultConfig()
	config.Simulation.Trials = -1
	var invalid InvalidTrialCountError
	if err := config.Validate(); !errors.As(err, &invalid) {
		t.Errorf("expected InvalidTrialCountError, got %v", err)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	config, err := LoadDefaultConfig()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := SaveConfig(config, path); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# Leaf Area Index Monte Carlo Configuration") {
		t.Error("saved config is missing its header")
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(config, loaded); diff != "" {
		t.Errorf("config changed on round trip (-saved +loaded):\n%s", diff)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: expected ErrNotExist, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("plots: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected parse error")
	}
}
