package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func partialReport(t *testing.T) *RunReport {
	t.Helper()
	records := append(scenarioRecords(),
		record("C", "ACRU", 90, 9, 210, 20),
		litterOnly("C", "QUVI", 30, 5),
	)
	return mustRunReport(t, records, nil, testOptions(100, 4))
}

// =============================================================================
// CSV
// =============================================================================

func TestWriteEstimatesCSV(t *testing.T) {
	report := partialReport(t)
	var buf bytes.Buffer
	if err := WriteEstimatesCSV(&buf, report); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}

	if rows[0][0] != "plot" || rows[0][11] != "status" || rows[0][12] != "reason" {
		t.Errorf("header %v", rows[0])
	}
	// A and B × three modes, then one failed row for C
	if len(rows) != 1+6+1 {
		t.Fatalf("%d rows, want 8", len(rows))
	}
	if diff := cmp.Diff([]string{"A", "litter"}, rows[1][:2]); diff != "" {
		t.Errorf("first data row:\n%s", diff)
	}
	if rows[1][11] != "ok" || rows[1][12] != "" {
		t.Errorf("simulated row status %q reason %q", rows[1][11], rows[1][12])
	}
	last := rows[len(rows)-1]
	if last[0] != "C" || last[11] != "failed" {
		t.Errorf("failed row %v", last)
	}
	for _, fragment := range []string{"QUVI", "sla_mean", "dataset_median"} {
		if !strings.Contains(last[12], fragment) {
			t.Errorf("failed row reason %q missing %q", last[12], fragment)
		}
	}

	both := mustEstimate(t, report.Result, "A", ModeBoth)
	median, err := strconv.ParseFloat(rows[3][2], 64)
	if err != nil {
		t.Fatal(err)
	}
	if rows[3][1] != "both" || median != roundTo6(both.Median) {
		t.Errorf("A/both row %v, want median %.6f", rows[3], both.Median)
	}
}

func roundTo6(v float64) float64 {
	r, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 6, 64), 64)
	return r
}

func TestWriteTotalsCSV(t *testing.T) {
	report := mustRunReport(t, scenarioRecords(), nil, testOptions(25, 4))
	var buf bytes.Buffer
	if err := WriteTotalsCSV(&buf, report); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	// 2 plots × 3 modes × 25 trials
	if len(rows) != 1+150 {
		t.Errorf("%d rows, want 151", len(rows))
	}
	if diff := cmp.Diff([]string{"plot", "mode", "trial", "lai_total"}, rows[0]); diff != "" {
		t.Errorf("header:\n%s", diff)
	}
	if rows[1][2] != "1" || rows[25][2] != "25" {
		t.Errorf("trial numbering %s..%s, want 1..25", rows[1][2], rows[25][2])
	}
}

// =============================================================================
// JSON
// =============================================================================

func TestWriteRunJSON(t *testing.T) {
	report := partialReport(t)

	tests := []struct {
		withTotals  bool
		description string
	}{
		{false, "summary only"},
		{true, "with per-trial totals"},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteRunJSON(&buf, report, tt.withTotals); err != nil {
				t.Fatal(err)
			}
			var decoded RunExport
			if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
				t.Fatal(err)
			}
			if decoded.ID != report.ID || decoded.Outcome != "partial" {
				t.Errorf("id %s outcome %s", decoded.ID, decoded.Outcome)
			}
			if diff := cmp.Diff(report.Result.Estimates, decoded.Estimates); diff != "" {
				t.Errorf("estimates mismatch:\n%s", diff)
			}
			if len(decoded.Failed) != 1 || decoded.Failed[0].Plot != "C" {
				t.Errorf("failed %+v", decoded.Failed)
			}
			if got := len(decoded.Totals); (got > 0) != tt.withTotals {
				t.Errorf("%d totals series, withTotals=%v", got, tt.withTotals)
			}
			if tt.withTotals && len(decoded.Totals["B/sla"]) != 100 {
				t.Errorf("B/sla has %d totals, want 100", len(decoded.Totals["B/sla"]))
			}
		})
	}
}

// =============================================================================
// Artifacts
// =============================================================================

func TestRenderArtifacts(t *testing.T) {
	report := partialReport(t)

	artifacts, err := RenderArtifacts(report, []string{"csv", "json", "html", "pdf"})
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, a := range artifacts {
		names = append(names, a.Name)
		if len(a.Data) == 0 {
			t.Errorf("%s is empty", a.Name)
		}
	}
	want := []string{artifactSummaryCSV, artifactTotalsCSV, artifactJSON, artifactHTML, artifactPDF}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("artifact names mismatch (-want +got):\n%s", diff)
	}

	html := string(artifacts[3].Data)
	for _, fragment := range []string{"<html", "Plots Not Simulated", "QUVI"} {
		if !strings.Contains(html, fragment) {
			t.Errorf("HTML report missing %q", fragment)
		}
	}
	if !bytes.HasPrefix(artifacts[4].Data, []byte("%PDF")) {
		t.Error("PDF artifact does not start with %PDF")
	}
}

func TestRenderArtifacts_NoTotalsSkipsTrialCSV(t *testing.T) {
	opts := testOptions(50, 1)
	opts.KeepTrials = false
	report := mustRunReport(t, scenarioRecords(), nil, opts)

	artifacts, err := RenderArtifacts(report, []string{"csv"})
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 1 || artifacts[0].Name != artifactSummaryCSV {
		t.Errorf("artifacts %v, want only the summary CSV", artifacts)
	}
}

func TestRenderArtifacts_UnknownFormat(t *testing.T) {
	report := mustRunReport(t, scenarioRecords(), nil, testOptions(20, 1))
	_, err := RenderArtifacts(report, []string{"csv", "docx"})
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Field != "output.formats" {
		t.Errorf("expected output.formats ValidationError, got %v", err)
	}
}
