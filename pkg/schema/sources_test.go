package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestSourcesForOrdersByRank(t *testing.T) {
	r := DefaultRegistry()

	// 2025-07-27 is covered by both node_fills and node_fills_by_block.
	srcs := r.SourcesFor(d("2025-07-27"))
	require.Len(t, srcs, 2)
	assert.Equal(t, NodeFillsByBlock, srcs[0].Format, "best rank first")
	assert.Equal(t, NodeFills, srcs[1].Format)
}

func TestSourcesForSingleCoverage(t *testing.T) {
	r := DefaultRegistry()

	srcs := r.SourcesFor(d("2025-04-01"))
	require.Len(t, srcs, 1)
	assert.Equal(t, NodeTrades, srcs[0].Format)
	assert.False(t, r.InOverlap(d("2025-04-01")))
}

func TestInOverlapWindows(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		date    string
		overlap bool
	}{
		{"2025-03-22", false}, // node_trades only
		{"2025-05-24", false},
		{"2025-05-25", true}, // node_trades + node_fills
		{"2025-06-21", true},
		{"2025-06-22", false}, // node_fills only
		{"2025-07-27", true},  // node_fills + node_fills_by_block
		{"2025-07-28", false},
		{"2025-11-07", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.overlap, r.InOverlap(d(tt.date)), "date %s", tt.date)
	}
}

func TestCoversBoundaries(t *testing.T) {
	s := Source{Format: NodeFills, Rank: 2, Start: d("2025-05-25"), End: d("2025-07-27")}

	assert.True(t, s.Covers(d("2025-05-25")))
	assert.True(t, s.Covers(d("2025-07-27")))
	assert.False(t, s.Covers(d("2025-05-24")))
	assert.False(t, s.Covers(d("2025-07-28")))
}

func TestAllDatesContiguousAndSorted(t *testing.T) {
	r := DefaultRegistry()
	dates := r.AllDates()
	require.NotEmpty(t, dates)

	assert.Equal(t, d("2025-03-22"), dates[0])
	assert.Equal(t, d("2025-11-07"), dates[len(dates)-1])
	for i := 1; i < len(dates); i++ {
		assert.True(t, dates[i].After(dates[i-1]), "dates must be strictly ascending")
	}
}

func TestLookupUnknownFormat(t *testing.T) {
	r := DefaultRegistry()
	_, err := r.Lookup(Format("node_candles"))
	require.Error(t, err)
}
