package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// RunExport is the JSON document of a run
type RunExport struct {
	ID         string                 `json:"id"`
	CreatedAt  time.Time              `json:"created_at"`
	DurationMS int64                  `json:"duration_ms"`
	Outcome    string                 `json:"outcome"`
	Options    MonteCarloOptions      `json:"options"`
	Backfilled int                    `json:"backfilled"`
	Inputs     []PlotSpeciesEstimate  `json:"inputs"`
	Estimates  []PlotLAIEstimate      `json:"estimates"`
	Summaries  []PlotSummary          `json:"summaries"`
	Breakdown  []UncertaintyBreakdown `json:"breakdown"`
	Failed     []FailedPlot           `json:"failed,omitempty"`
	Totals     map[string][]float64   `json:"totals,omitempty"` // Keyed "plot/mode"
}

// NewRunExport flattens a run for serialisation. Per-trial totals are
// included only when withTotals is set.
func NewRunExport(report *RunReport, withTotals bool) RunExport {
	out := RunExport{
		ID:         report.ID,
		CreatedAt:  report.CreatedAt,
		DurationMS: report.Duration.Milliseconds(),
		Outcome:    report.Outcome(),
		Options:    report.Options,
		Backfilled: report.Table.Backfilled,
		Inputs:     report.Table.Rows,
		Estimates:  report.Result.Estimates,
		Summaries:  report.View.All(),
		Breakdown:  report.Breakdown,
		Failed:     report.View.Failed(),
	}
	if withTotals && len(report.Result.Totals) > 0 {
		out.Totals = make(map[string][]float64, len(report.Result.Totals))
		for k, v := range report.Result.Totals {
			out.Totals[k.String()] = v
		}
	}
	return out
}

// WriteRunJSON writes the run as indented JSON
func WriteRunJSON(w io.Writer, report *RunReport, withTotals bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(NewRunExport(report, withTotals))
}

// WriteEstimatesCSV writes one row per (plot, mode), followed by one
// "failed" row per excluded plot carrying its missing inputs in reason
func WriteEstimatesCSV(w io.Writer, report *RunReport) error {
	cw := csv.NewWriter(w)
	header := []string{"plot", "mode", "lai_median", "lai_lower", "lai_upper", "lai_sd", "lai_mean", "lai_q025", "lai_q975", "species", "trials", "status", "reason"}
	if err := cw.Write(header); err != nil {
		return err
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
	for _, e := range report.Result.Estimates {
		if err := cw.Write([]string{
			e.Plot, e.Mode.Key(), f(e.Median), f(e.Lower), f(e.Upper), f(e.SD), f(e.Mean),
			f(e.Q025), f(e.Q975), strconv.Itoa(e.Species), strconv.Itoa(e.Trials), "ok", "",
		}); err != nil {
			return err
		}
	}
	for _, fp := range report.View.Failed() {
		if err := cw.Write([]string{fp.Plot, "", "", "", "", "", "", "", "", "", "", "failed", strings.Join(fp.Reasons, "; ")}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTotalsCSV writes per-trial totals in long form for density plotting
func WriteTotalsCSV(w io.Writer, report *RunReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"plot", "mode", "trial", "lai_total"}); err != nil {
		return err
	}
	for _, plot := range report.Result.Plots() {
		for _, m := range AllModes {
			totals := report.Result.Totals[PlotModeKey{Plot: plot, Mode: m}]
			for i, v := range totals {
				if err := cw.Write([]string{plot, m.Key(), strconv.Itoa(i + 1), strconv.FormatFloat(v, 'f', 6, 64)}); err != nil {
					return err
				}
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// Artifact file names inside a run folder
const (
	artifactSummaryCSV = "lai_summary.csv"
	artifactTotalsCSV  = "lai_trial_totals.csv"
	artifactJSON       = "lai_run.json"
	artifactHTML       = "lai_report.html"
	artifactPDF        = "lai_report.pdf"
)

// RenderArtifacts renders the requested formats ("csv", "json", "html", "pdf") in memory
func RenderArtifacts(report *RunReport, formats []string) ([]Artifact, error) {
	var artifacts []Artifact
	for _, format := range formats {
		var buf bytes.Buffer
		switch format {
		case "csv":
			if err := WriteEstimatesCSV(&buf, report); err != nil {
				return nil, err
			}
			artifacts = append(artifacts, Artifact{Name: artifactSummaryCSV, ContentType: "text/csv", Data: buf.Bytes()})
			if len(report.Result.Totals) > 0 {
				var totals bytes.Buffer
				if err := WriteTotalsCSV(&totals, report); err != nil {
					return nil, err
				}
				artifacts = append(artifacts, Artifact{Name: artifactTotalsCSV, ContentType: "text/csv", Data: totals.Bytes()})
			}
		case "json":
			if err := WriteRunJSON(&buf, report, true); err != nil {
				return nil, err
			}
			artifacts = append(artifacts, Artifact{Name: artifactJSON, ContentType: "application/json", Data: buf.Bytes()})
		case "html":
			if err := WriteHTMLReport(&buf, report); err != nil {
				return nil, err
			}
			artifacts = append(artifacts, Artifact{Name: artifactHTML, ContentType: "text/html; charset=utf-8", Data: buf.Bytes()})
		case "pdf":
			if err := WritePDFReport(&buf, report); err != nil {
				return nil, err
			}
			artifacts = append(artifacts, Artifact{Name: artifactPDF, ContentType: "application/pdf", Data: buf.Bytes()})
		default:
			return nil, ValidationError{Field: "output.formats", Message: fmt.Sprintf("unknown output format %q", format)}
		}
	}
	return artifacts, nil
}
