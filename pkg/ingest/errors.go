package ingest

import "fmt"

// ThresholdError fails a whole source file when too large a share of its
// records are malformed. Below the threshold bad records are dropped and
// counted instead.
type ThresholdError struct {
	Path      string
	Malformed int
	Total     int
	Threshold float64
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("ingest %s: %d/%d records malformed, exceeds threshold %.2f",
		e.Path, e.Malformed, e.Total, e.Threshold)
}

// parseError marks a record that cannot be coerced into the canonical schema:
// undecodable JSON, a missing required field, a non-numeric price or size, or
// an impossible side value. Counted per file, never propagated per record.
type parseError struct {
	reason string
}

func (e *parseError) Error() string { return e.reason }

func badRecord(format string, args ...interface{}) error {
	return &parseError{reason: fmt.Sprintf(format, args...)}
}
