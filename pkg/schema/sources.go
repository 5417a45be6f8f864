// Package schema declares the raw source formats the pipeline understands and
// the priority order used to resolve dates covered by more than one format.
package schema

import (
	"fmt"
	"sort"
	"time"
)

// Format identifies one raw source format.
type Format string

const (
	// NodeTrades is the oldest legacy format: one record per trade with both
	// counterparties embedded in a side_info array.
	NodeTrades Format = "node_trades"
	// NodeFills is the mid legacy format: [user, fill] tuples.
	NodeFills Format = "node_fills"
	// NodeFillsByBlock is the current format: block envelopes with an events
	// array of [user, fill] tuples plus block metadata.
	NodeFillsByBlock Format = "node_fills_by_block"
)

// Source describes one raw format tree: where it lives, which dates it claims
// to cover, and its overlap rank. Rank 1 is the most trusted format; when two
// formats cover the same date, the lower rank wins per (trade_hash, user).
type Source struct {
	Format Format
	// Dir is the subdirectory under the raw data root, laid out as
	// <Dir>/hourly/<YYYYMMDD>/<HH>.lz4.
	Dir   string
	Rank  uint8
	Start time.Time
	End   time.Time
}

// Covers reports whether the source's declared range includes the date.
func (s Source) Covers(date time.Time) bool {
	d := date.Truncate(24 * time.Hour)
	return !d.Before(s.Start) && !d.After(s.End)
}

// Registry is the versioned source-format configuration. The version is
// recorded in the partitions manifest so a registry change (a new format, a
// range correction) invalidates the skip decision for affected dates.
type Registry struct {
	Version uint32
	Sources []Source
}

func mustDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// DefaultRegistry returns the shipped source configuration. Ranks follow the
// format generations: the current block feed supersedes the fills feed, which
// supersedes the raw trades feed.
func DefaultRegistry() Registry {
	return Registry{
		Version: 1,
		Sources: []Source{
			{Format: NodeTrades, Dir: "node_trades", Rank: 3, Start: mustDate("2025-03-22"), End: mustDate("2025-06-21")},
			{Format: NodeFills, Dir: "node_fills", Rank: 2, Start: mustDate("2025-05-25"), End: mustDate("2025-07-27")},
			{Format: NodeFillsByBlock, Dir: "node_fills_by_block", Rank: 1, Start: mustDate("2025-07-27"), End: mustDate("2025-11-07")},
		},
	}
}

// SourcesFor returns every source covering the date, best rank first.
func (r Registry) SourcesFor(date time.Time) []Source {
	var out []Source
	for _, s := range r.Sources {
		if s.Covers(date) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// Lookup returns the source for a format.
func (r Registry) Lookup(f Format) (Source, error) {
	for _, s := range r.Sources {
		if s.Format == f {
			return s, nil
		}
	}
	return Source{}, fmt.Errorf("unknown source format %q", f)
}

// InOverlap reports whether more than one format covers the date. Dates inside
// an overlap window must always be recomputed: late data from either format can
// change the resolved winner for any (trade_hash, user) pair.
func (r Registry) InOverlap(date time.Time) bool {
	return len(r.SourcesFor(date)) > 1
}

// AllDates returns every date any source declares, ascending. The raw tree may
// still be missing days inside a declared range; the scanner handles that.
func (r Registry) AllDates() []time.Time {
	seen := map[string]time.Time{}
	for _, s := range r.Sources {
		for d := s.Start; !d.After(s.End); d = d.AddDate(0, 0, 1) {
			seen[d.Format("2006-01-02")] = d
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
