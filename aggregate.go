package main

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// MonteCarloOptions controls a Monte Carlo run
type MonteCarloOptions struct {
	Trials     int     `json:"trials"`
	Seed       uint64  `json:"seed"`
	Workers    int     `json:"workers"`     // Parallel (plot, mode) jobs; <= 0 means one
	IntervalZ  float64 `json:"interval_z"`  // Interval half-width in sd units; <= 0 means 1.96
	KeepTrials bool    `json:"keep_trials"` // Retain per-trial totals in the result
}

// OptionsFromConfig builds run options from the simulation section
func OptionsFromConfig(s SimulationConfig) MonteCarloOptions {
	return MonteCarloOptions{
		Trials:     s.GetTrials(),
		Seed:       s.Seed,
		Workers:    s.GetWorkers(),
		IntervalZ:  s.GetIntervalZ(),
		KeepTrials: s.ShouldKeepTrials(),
	}
}

// MonteCarloResult holds the per-(plot, mode) summaries of a run
type MonteCarloResult struct {
	Estimates []PlotLAIEstimate        // Plot order of the input table, then AllModes order
	Totals    map[PlotModeKey][]float64 // Per-trial total LAI, when retained
	Options   MonteCarloOptions
}

// Estimate returns the summary for one (plot, mode)
func (r *MonteCarloResult) Estimate(plot string, mode UncertaintyMode) (PlotLAIEstimate, bool) {
	for _, e := range r.Estimates {
		if e.Plot == plot && e.Mode == mode {
			return e, true
		}
	}
	return PlotLAIEstimate{}, false
}

// ByMode returns the summaries of every plot under one mode
func (r *MonteCarloResult) ByMode(mode UncertaintyMode) []PlotLAIEstimate {
	var out []PlotLAIEstimate
	for _, e := range r.Estimates {
		if e.Mode == mode {
			out = append(out, e)
		}
	}
	return out
}

// Plots returns the simulated plots in result order
func (r *MonteCarloResult) Plots() []string {
	var plots []string
	for _, e := range r.ByMode(ModeBoth) {
		plots = append(plots, e.Plot)
	}
	return plots
}

// RunMonteCarlo simulates every complete plot of the table under all three
// modes. Jobs are (plot, mode) pairs; each species' draws for a job come from
// its own keyed streams, so results do not depend on the worker count.
func RunMonteCarlo(ctx context.Context, table *InputTable, opts MonteCarloOptions) (*MonteCarloResult, error) {
	if opts.Trials <= 0 {
		return nil, InvalidTrialCountError{Trials: opts.Trials}
	}
	if opts.IntervalZ <= 0 {
		opts.IntervalZ = DefaultIntervalZ
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	type job struct {
		plot string
		mode UncertaintyMode
		rows []PlotSpeciesEstimate
	}
	var jobs []job
	for _, plot := range table.Plots() {
		rows := table.RowsForPlot(plot)
		for _, mode := range AllModes {
			jobs = append(jobs, job{plot: plot, mode: mode, rows: rows})
		}
	}

	estimates := make([]PlotLAIEstimate, len(jobs))
	totals := make([][]float64, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sum, err := plotTotals(j.rows, j.mode, opts.Trials, opts.Seed)
			if err != nil {
				return fmt.Errorf("plot %s mode %s: %w", j.plot, j.mode, err)
			}
			est := Summarize(j.plot, j.mode, sum, opts.IntervalZ)
			est.Species = len(j.rows)
			for _, r := range j.rows {
				est.Expected += r.ExpectedLAI()
			}
			estimates[i] = est
			totals[i] = sum
			trialsSimulated.WithLabelValues(j.mode.Key()).Add(float64(opts.Trials * len(j.rows)))
			logger.Debug("plot simulated",
				zap.String("plot", j.plot),
				zap.Stringer("mode", j.mode),
				zap.Int("species", len(j.rows)),
				zap.Float64("median", est.Median),
				zap.Float64("sd", est.SD))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &MonteCarloResult{Estimates: estimates, Options: opts}
	if opts.KeepTrials {
		result.Totals = make(map[PlotModeKey][]float64, len(jobs))
		for i, j := range jobs {
			result.Totals[PlotModeKey{Plot: j.plot, Mode: j.mode}] = totals[i]
		}
	}
	return result, nil
}

// plotTotals sums species contributions by trial index for one (plot, mode)
func plotTotals(rows []PlotSpeciesEstimate, mode UncertaintyMode, n int, seed uint64) ([]float64, error) {
	sum := make([]float64, n)
	for _, row := range rows {
		rng := NewTrialRNG(seed, row.Plot, row.SpeciesCode, mode)
		lai, err := Simulate(row, mode, n, rng)
		if err != nil {
			return nil, err
		}
		floats.Add(sum, lai)
	}
	return sum, nil
}

// Summarize computes the median, sample sd and normal-approximation interval
// of per-trial totals. Empirical 2.5%/97.5% quantiles are reported alongside.
func Summarize(plot string, mode UncertaintyMode, totals []float64, z float64) PlotLAIEstimate {
	est := PlotLAIEstimate{Plot: plot, Mode: mode, Trials: len(totals)}
	if len(totals) == 0 {
		return est
	}

	sorted := make([]float64, len(totals))
	copy(sorted, totals)
	sort.Float64s(sorted)

	est.Median = median(sorted)
	est.Mean = stat.Mean(totals, nil)
	if len(totals) > 1 {
		est.SD = stat.StdDev(totals, nil)
	}
	est.Lower = est.Median - z*est.SD
	est.Upper = est.Median + z*est.SD
	est.Q025 = stat.Quantile(0.025, stat.Empirical, sorted, nil)
	est.Q975 = stat.Quantile(0.975, stat.Empirical, sorted, nil)
	return est
}

// median returns the middle value, averaging the two central values for an
// even count. The input is not modified.
func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return math.NaN()
	}
	sorted := values
	if !sort.Float64sAreSorted(values) {
		sorted = make([]float64, n)
		copy(sorted, values)
		sort.Float64s(sorted)
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// DecomposeUncertainty attributes each plot's combined variance to litter
// sampling and SLA measurement
func DecomposeUncertainty(result *MonteCarloResult) []UncertaintyBreakdown {
	var out []UncertaintyBreakdown
	for _, plot := range result.Plots() {
		litter, okL := result.Estimate(plot, ModeLitter)
		sla, okS := result.Estimate(plot, ModeSLA)
		both, okB := result.Estimate(plot, ModeBoth)
		if !okL || !okS || !okB {
			continue
		}
		b := UncertaintyBreakdown{
			Plot:           plot,
			VarianceLitter: litter.Variance(),
			VarianceSLA:    sla.Variance(),
			VarianceBoth:   both.Variance(),
		}
		if b.VarianceBoth > 0 {
			b.LitterShare = b.VarianceLitter / b.VarianceBoth
			b.SLAShare = b.VarianceSLA / b.VarianceBoth
		}
		switch {
		case b.VarianceLitter == 0 && b.VarianceSLA == 0:
			b.Dominant = "none"
		case b.VarianceLitter >= b.VarianceSLA:
			b.Dominant = ModeLitter.String()
		default:
			b.Dominant = ModeSLA.String()
		}
		out = append(out, b)
	}
	return out
}
