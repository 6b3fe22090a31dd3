package main

import (
	"context"
	"fmt"
	"html"
	"io"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// ConvergenceCell holds one (trial count, plot) point of the sweep,
// averaged across replicate seeds
type ConvergenceCell struct {
	Trials        int     `json:"trials"`
	Plot          string  `json:"plot"`
	MeanMedian    float64 `json:"mean_median"`    // Both mode
	MedianSpread  float64 `json:"median_spread"`  // sd of the median across seeds
	MeanWidth     float64 `json:"mean_width"`     // Both mode interval width
	MeanVarLitter float64 `json:"mean_var_litter"`
	MeanVarSLA    float64 `json:"mean_var_sla"`
	MeanVarBoth   float64 `json:"mean_var_both"`
	OrderingHolds bool    `json:"ordering_holds"` // Both variance >= 90% of each single-source variance
}

// ConvergenceAnalysis holds the complete trial-count sweep
type ConvergenceAnalysis struct {
	Cells       [][]ConvergenceCell `json:"cells"` // [trialIdx][plotIdx]
	TrialCounts []int               `json:"trial_counts"`
	Replicates  int                 `json:"replicates"`
	Plots       []string            `json:"plots"`
	BaseSeed    uint64              `json:"base_seed"`
	FailedPlots []string            `json:"failed_plots,omitempty"`
}

// orderingTolerance is the sampling allowance on the variance ordering check
const orderingTolerance = 0.10

// RunConvergenceAnalysis repeats the simulation for every trial count with
// replicate seeds base, base+1, ... and averages the per-plot statistics
func RunConvergenceAnalysis(ctx context.Context, table *InputTable, counts []int, replicates int, opts MonteCarloOptions) (*ConvergenceAnalysis, error) {
	if replicates <= 0 {
		return nil, ValidationError{Field: "convergence.replicates", Message: "replicates must be positive"}
	}
	for _, n := range counts {
		if n <= 0 {
			return nil, InvalidTrialCountError{Trials: n}
		}
	}

	analysis := &ConvergenceAnalysis{
		TrialCounts: counts,
		Replicates:  replicates,
		Plots:       table.Plots(),
		BaseSeed:    opts.Seed,
		FailedPlots: table.FailedPlots(),
		Cells:       make([][]ConvergenceCell, len(counts)),
	}

	for ti, n := range counts {
		medians := make([][]float64, len(analysis.Plots))
		widths := make([][]float64, len(analysis.Plots))
		varL := make([][]float64, len(analysis.Plots))
		varS := make([][]float64, len(analysis.Plots))
		varB := make([][]float64, len(analysis.Plots))

		for r := 0; r < replicates; r++ {
			runOpts := opts
			runOpts.Trials = n
			runOpts.Seed = opts.Seed + uint64(r)
			runOpts.KeepTrials = false
			result, err := RunMonteCarlo(ctx, table, runOpts)
			if err != nil {
				return nil, fmt.Errorf("convergence trials=%d replicate=%d: %w", n, r, err)
			}
			for pi, plot := range analysis.Plots {
				l, _ := result.Estimate(plot, ModeLitter)
				s, _ := result.Estimate(plot, ModeSLA)
				b, _ := result.Estimate(plot, ModeBoth)
				medians[pi] = append(medians[pi], b.Median)
				widths[pi] = append(widths[pi], b.Width())
				varL[pi] = append(varL[pi], l.Variance())
				varS[pi] = append(varS[pi], s.Variance())
				varB[pi] = append(varB[pi], b.Variance())
			}
		}

		row := make([]ConvergenceCell, len(analysis.Plots))
		for pi, plot := range analysis.Plots {
			cell := ConvergenceCell{
				Trials:        n,
				Plot:          plot,
				MeanMedian:    stat.Mean(medians[pi], nil),
				MeanWidth:     stat.Mean(widths[pi], nil),
				MeanVarLitter: stat.Mean(varL[pi], nil),
				MeanVarSLA:    stat.Mean(varS[pi], nil),
				MeanVarBoth:   stat.Mean(varB[pi], nil),
			}
			if replicates > 1 {
				cell.MedianSpread = stat.StdDev(medians[pi], nil)
			}
			limit := (1 - orderingTolerance) * math.Max(cell.MeanVarLitter, cell.MeanVarSLA)
			cell.OrderingHolds = cell.MeanVarBoth >= limit
			row[pi] = cell
		}
		analysis.Cells[ti] = row
	}
	return analysis, nil
}

// Cell returns the cell of a trial count and plot
func (a *ConvergenceAnalysis) Cell(trials int, plot string) (ConvergenceCell, bool) {
	for ti, n := range a.TrialCounts {
		if n != trials {
			continue
		}
		for _, c := range a.Cells[ti] {
			if c.Plot == plot {
				return c, true
			}
		}
	}
	return ConvergenceCell{}, false
}

// PrintConvergence prints the sweep as a trial-count × plot matrix
func PrintConvergence(a *ConvergenceAnalysis) {
	fmt.Println("╔══════════════════════════════════════════════════════════════════════════════╗")
	fmt.Println("║              MONTE CARLO CONVERGENCE ANALYSIS                                ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Replicates per trial count: %d (seeds %d to %d)\n", a.Replicates, a.BaseSeed, a.BaseSeed+uint64(a.Replicates)-1)
	fmt.Println()

	fmt.Printf("%-8s", "Trials")
	for _, p := range a.Plots {
		fmt.Printf(" │ %-24s", p)
	}
	fmt.Println()
	fmt.Println(strings.Repeat("─", 8+len(a.Plots)*27))
	for ti, n := range a.TrialCounts {
		fmt.Printf("%-8d", n)
		for _, c := range a.Cells[ti] {
			mark := "✓"
			if !c.OrderingHolds {
				mark = "✗"
			}
			fmt.Printf(" │ %6.3f ±%6.4f w%6.3f %s", c.MeanMedian, c.MedianSpread, c.MeanWidth, mark)
		}
		fmt.Println()
	}
	fmt.Println(strings.Repeat("─", 8+len(a.Plots)*27))
	fmt.Println("  median ±spread across seeds, w = mean interval width, ✓ = Both variance not below single-source variance")
	if len(a.FailedPlots) > 0 {
		fmt.Printf("  Excluded (incomplete input): %s\n", strings.Join(a.FailedPlots, ", "))
	}
}

// WriteConvergenceHTML renders the sweep as a standalone HTML page
func WriteConvergenceHTML(w io.Writer, a *ConvergenceAnalysis) error {
	ew := &errWriter{w: w}
	writeHTMLHead(ew, "Leaf Area Index: convergence")
	fmt.Fprintf(ew, `    <h1>Monte Carlo Convergence</h1>
    <p class="subtitle">%d replicate seeds per trial count, starting at seed %d</p>
`, a.Replicates, a.BaseSeed)

	for _, section := range []struct {
		title string
		value func(ConvergenceCell) string
	}{
		{"Median of total LAI (Both)", func(c ConvergenceCell) string {
			return fmt.Sprintf("%.3f <span class=\"muted\">&plusmn;%.4f</span>", c.MeanMedian, c.MedianSpread)
		}},
		{"Interval width (Both)", func(c ConvergenceCell) string { return fmt.Sprintf("%.3f", c.MeanWidth) }},
		{"Variance ordering", func(c ConvergenceCell) string {
			badge := `<span class="badge badge-success">holds</span>`
			if !c.OrderingHolds {
				badge = `<span class="badge badge-danger">violated</span>`
			}
			return fmt.Sprintf("%.4f / %.4f / %.4f %s", c.MeanVarLitter, c.MeanVarSLA, c.MeanVarBoth, badge)
		}},
	} {
		fmt.Fprintf(ew, "    <div class=\"card\">\n        <h2>%s</h2>\n        <table>\n            <tr><th>Trials</th>", section.title)
		for _, p := range a.Plots {
			fmt.Fprintf(ew, "<th>%s</th>", html.EscapeString(p))
		}
		fmt.Fprintf(ew, "</tr>\n")
		for ti, n := range a.TrialCounts {
			fmt.Fprintf(ew, "            <tr><td>%d</td>", n)
			for _, c := range a.Cells[ti] {
				fmt.Fprintf(ew, "<td>%s</td>", section.value(c))
			}
			fmt.Fprintf(ew, "</tr>\n")
		}
		fmt.Fprintf(ew, "        </table>\n    </div>\n")
	}

	if len(a.FailedPlots) > 0 {
		fmt.Fprintf(ew, "    <div class=\"card\"><h2>Plots Not Simulated</h2><p>%s</p></div>\n",
			html.EscapeString(strings.Join(a.FailedPlots, ", ")))
	}
	writeHTMLFoot(ew, "Variance ordering: Litter / SLA / Both, averaged across seeds")
	return ew.err
}
