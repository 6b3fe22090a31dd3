package main

import (
	"fmt"
	"strings"
)

// IncompleteInputError reports a (plot, species) row whose statistic could not
// be resolved by any backfill source. The plot it belongs to is not simulated.
type IncompleteInputError struct {
	Plot    string
	Species string
	Field   string
	Tried   []string // Backfill sources consulted, in order
}

func (e *IncompleteInputError) Error() string {
	if len(e.Tried) == 0 {
		return fmt.Sprintf("plot %s species %s: %s missing", e.Plot, e.Species, e.Field)
	}
	return fmt.Sprintf("plot %s species %s: %s missing (tried %s)",
		e.Plot, e.Species, e.Field, strings.Join(e.Tried, ", "))
}

// InvalidTrialCountError is returned when a run is requested with no trials
type InvalidTrialCountError struct {
	Trials int
}

func (e InvalidTrialCountError) Error() string {
	return fmt.Sprintf("trial count must be positive (got %d)", e.Trials)
}
