package main

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// ValueSource records where a resolved statistic came from
type ValueSource int

const (
	SourceLocal         ValueSource = iota // Measured in the plot itself
	SourceSubstitute                       // Borrowed from the plot's substitute plot
	SourceDatasetMedian                    // Median of the species' local values across plots
)

func (s ValueSource) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceSubstitute:
		return "substitute"
	case SourceDatasetMedian:
		return "dataset_median"
	default:
		return "unknown"
	}
}

// MarshalText encodes the source as its identifier
func (s ValueSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a source identifier
func (s *ValueSource) UnmarshalText(text []byte) error {
	for _, v := range []ValueSource{SourceLocal, SourceSubstitute, SourceDatasetMedian} {
		if string(text) == v.String() {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown value source %q", string(text))
}

// slaStatistic selects one SLA statistic on a raw record
type slaStatistic struct {
	Field string
	Get   func(EstimateRecord) *float64
}

var (
	statSLAMean = slaStatistic{Field: "sla_mean", Get: func(r EstimateRecord) *float64 { return r.SLAMean }}
	statSLASD   = slaStatistic{Field: "sla_sd", Get: func(r EstimateRecord) *float64 { return r.SLASD }}
)

// present returns the value and whether it is usable
func present(v *float64) (float64, bool) {
	if v == nil || math.IsNaN(*v) {
		return 0, false
	}
	return *v, true
}

// recordIndex gives the backfill sources explicit (plot, species) lookups
type recordIndex struct {
	rows        map[string]EstimateRecord // plot + "/" + species
	substitutes map[string]string         // plot -> substitute plot
	species     map[string][]EstimateRecord
}

func rowKey(plot, species string) string {
	return plot + "/" + species
}

func newRecordIndex(records []EstimateRecord, plots []PlotConfig) *recordIndex {
	idx := &recordIndex{
		rows:        make(map[string]EstimateRecord, len(records)),
		substitutes: make(map[string]string),
		species:     make(map[string][]EstimateRecord),
	}
	for _, r := range records {
		idx.rows[rowKey(r.Plot, r.Species)] = r
		idx.species[r.Species] = append(idx.species[r.Species], r)
	}
	for _, p := range plots {
		if p.SubstitutePlot != "" {
			idx.substitutes[p.Code] = p.SubstitutePlot
		}
	}
	return idx
}

// BackfillSource is one step of the SLA fallback cascade
type BackfillSource struct {
	ID          ValueSource
	Name        string
	Description string
	Resolve     func(idx *recordIndex, plot, species string, stat slaStatistic) (float64, bool)
}

// BackfillChain holds the fallback sources in precedence order
type BackfillChain struct {
	sources map[ValueSource]*BackfillSource
	order   []ValueSource
}

// NewBackfillChain creates the standard local → substitute plot → dataset median chain
func NewBackfillChain() *BackfillChain {
	c := &BackfillChain{
		sources: make(map[ValueSource]*BackfillSource),
	}

	c.Register(&BackfillSource{
		ID:          SourceLocal,
		Name:        "Local measurement",
		Description: "SLA measured on leaves collected in the plot",
		Resolve: func(idx *recordIndex, plot, species string, stat slaStatistic) (float64, bool) {
			r, ok := idx.rows[rowKey(plot, species)]
			if !ok {
				return 0, false
			}
			return present(stat.Get(r))
		},
	})

	c.Register(&BackfillSource{
		ID:          SourceSubstitute,
		Name:        "Substitute plot",
		Description: "Local measurement of the same species in the designated substitute plot",
		Resolve: func(idx *recordIndex, plot, species string, stat slaStatistic) (float64, bool) {
			sub, ok := idx.substitutes[plot]
			if !ok {
				return 0, false
			}
			r, ok := idx.rows[rowKey(sub, species)]
			if !ok {
				return 0, false
			}
			return present(stat.Get(r))
		},
	})

	c.Register(&BackfillSource{
		ID:          SourceDatasetMedian,
		Name:        "Dataset median",
		Description: "Median of the species' local measurements across all plots",
		Resolve: func(idx *recordIndex, plot, species string, stat slaStatistic) (float64, bool) {
			var values []float64
			for _, r := range idx.species[species] {
				if v, ok := present(stat.Get(r)); ok {
					values = append(values, v)
				}
			}
			if len(values) == 0 {
				return 0, false
			}
			return median(values), true
		},
	})

	return c
}

// Register appends a source at the lowest precedence
func (c *BackfillChain) Register(s *BackfillSource) {
	c.sources[s.ID] = s
	c.order = append(c.order, s.ID)
}

// Get returns a source by ID
func (c *BackfillChain) Get(id ValueSource) *BackfillSource {
	return c.sources[id]
}

// Sources returns all sources in precedence order
func (c *BackfillChain) Sources() []*BackfillSource {
	result := make([]*BackfillSource, len(c.order))
	for i, id := range c.order {
		result[i] = c.sources[id]
	}
	return result
}

// Resolve walks the chain until a source yields a value
func (c *BackfillChain) Resolve(idx *recordIndex, plot, species string, stat slaStatistic) (float64, ValueSource, error) {
	tried := make([]string, 0, len(c.order))
	for _, id := range c.order {
		s := c.sources[id]
		if v, ok := s.Resolve(idx, plot, species, stat); ok {
			return v, id, nil
		}
		tried = append(tried, id.String())
	}
	return 0, 0, &IncompleteInputError{Plot: plot, Species: species, Field: stat.Field, Tried: tried}
}

// InputTable is the resolved uncertainty input table
type InputTable struct {
	Rows       []PlotSpeciesEstimate   // Complete rows of plots that can be simulated
	Incomplete []*IncompleteInputError // Unresolvable statistics; their plots are excluded
	Backfilled int                     // Statistics filled from a non-local source

	plotOrder []string
}

// Plots returns the plots that have complete rows, in input order
func (t *InputTable) Plots() []string {
	seen := make(map[string]bool)
	var plots []string
	for _, r := range t.Rows {
		if !seen[r.Plot] {
			seen[r.Plot] = true
			plots = append(plots, r.Plot)
		}
	}
	return plots
}

// FailedPlots returns the plots excluded because of incomplete rows
func (t *InputTable) FailedPlots() []string {
	failed := make(map[string]bool)
	for _, e := range t.Incomplete {
		failed[e.Plot] = true
	}
	var plots []string
	for _, p := range t.plotOrder {
		if failed[p] {
			plots = append(plots, p)
		}
	}
	return plots
}

// RowsForPlot returns the complete rows of one plot
func (t *InputTable) RowsForPlot(plot string) []PlotSpeciesEstimate {
	var rows []PlotSpeciesEstimate
	for _, r := range t.Rows {
		if r.Plot == plot {
			rows = append(rows, r)
		}
	}
	return rows
}

// Lookup returns the resolved row for a (plot, species) pair
func (t *InputTable) Lookup(plot, species string) (PlotSpeciesEstimate, bool) {
	for _, r := range t.Rows {
		if r.Plot == plot && r.SpeciesCode == species {
			return r, true
		}
	}
	return PlotSpeciesEstimate{}, false
}

// Err joins every incomplete-row error, or returns nil if all plots resolved
func (t *InputTable) Err() error {
	if len(t.Incomplete) == 0 {
		return nil
	}
	errs := make([]error, len(t.Incomplete))
	for i, e := range t.Incomplete {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// BuildInputTable resolves every (plot, species) record into a complete row.
// Litter statistics must be local. SLA mean and sd are resolved independently
// through the backfill chain. A plot with any unresolved row is excluded and
// reported in Incomplete; the returned error covers invalid input only.
func BuildInputTable(records []EstimateRecord, plots []PlotConfig) (*InputTable, error) {
	if err := validateRecords(records, plots); err != nil {
		return nil, err
	}

	idx := newRecordIndex(records, plots)
	chain := NewBackfillChain()
	table := &InputTable{}

	var resolved []PlotSpeciesEstimate
	seenPlot := make(map[string]bool)
	failed := make(map[string]bool)

	for _, r := range records {
		if !seenPlot[r.Plot] {
			seenPlot[r.Plot] = true
			table.plotOrder = append(table.plotOrder, r.Plot)
		}

		row := PlotSpeciesEstimate{Plot: r.Plot, SpeciesCode: r.Species}
		complete := true

		for _, litter := range []struct {
			field string
			value *float64
			dst   *float64
		}{
			{"litter_mass_mean", r.LitterMassMean, &row.MeanLitterMass},
			{"litter_mass_sd", r.LitterMassSD, &row.SDLitterMass},
		} {
			v, ok := present(litter.value)
			if !ok {
				table.Incomplete = append(table.Incomplete, &IncompleteInputError{
					Plot: r.Plot, Species: r.Species, Field: litter.field,
					Tried: []string{SourceLocal.String()},
				})
				complete = false
				continue
			}
			*litter.dst = v
		}

		for _, sla := range []struct {
			stat slaStatistic
			dst  *float64
			src  *ValueSource
		}{
			{statSLAMean, &row.MeanSLA, &row.SLAMeanSource},
			{statSLASD, &row.SDSLA, &row.SLASDSource},
		} {
			v, src, err := chain.Resolve(idx, r.Plot, r.Species, sla.stat)
			if err != nil {
				var incomplete *IncompleteInputError
				if errors.As(err, &incomplete) {
					table.Incomplete = append(table.Incomplete, incomplete)
				}
				complete = false
				continue
			}
			*sla.dst = v
			*sla.src = src
			if src != SourceLocal {
				table.Backfilled++
				logger.Debug("sla backfilled",
					zap.String("plot", r.Plot),
					zap.String("species", r.Species),
					zap.String("field", sla.stat.Field),
					zap.Stringer("source", src),
					zap.Float64("value", v))
			}
		}

		if !complete {
			failed[r.Plot] = true
			continue
		}
		resolved = append(resolved, row)
	}

	for _, e := range table.Incomplete {
		logger.Warn("incomplete input row",
			zap.String("plot", e.Plot),
			zap.String("species", e.Species),
			zap.String("field", e.Field),
			zap.Strings("tried", e.Tried))
	}

	for _, row := range resolved {
		if !failed[row.Plot] {
			table.Rows = append(table.Rows, row)
		}
	}
	return table, nil
}

// validateRecords rejects malformed input before any backfill is attempted
func validateRecords(records []EstimateRecord, plots []PlotConfig) error {
	known := make(map[string]bool)
	for _, p := range plots {
		known[p.Code] = true
	}
	for _, r := range records {
		known[r.Plot] = true
	}
	for _, p := range plots {
		if p.SubstitutePlot != "" && !known[p.SubstitutePlot] {
			return ValidationError{Field: "substitute_plot", Message: fmt.Sprintf("plot %s names unknown substitute %s", p.Code, p.SubstitutePlot)}
		}
	}

	seen := make(map[string]bool)
	for _, r := range records {
		if err := validatePlotCode(r.Plot); err != nil {
			return err
		}
		if err := validateSpeciesCode(r.Species); err != nil {
			return err
		}
		key := rowKey(r.Plot, r.Species)
		if seen[key] {
			return ValidationError{Field: "estimates", Message: fmt.Sprintf("duplicate row for plot %s species %s", r.Plot, r.Species)}
		}
		seen[key] = true
		if err := validateSpread(r.LitterMassSD, key+" litter_mass_sd"); err != nil {
			return err
		}
		if err := validateSpread(r.SLASD, key+" sla_sd"); err != nil {
			return err
		}
	}
	return nil
}
