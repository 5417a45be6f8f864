package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketlens/fillx/pkg/db/models/fills"
)

var testDate = time.Date(2025, 7, 27, 0, 0, 0, 0, time.UTC)

func fill(hash, user string, rank uint8, seq uint64) *fills.Fill {
	return &fills.Fill{
		Date:          testDate,
		TimeMs:        1753574400000,
		UserAddress:   user,
		Coin:          "BTC",
		Side:          fills.SideAsk,
		Px:            60000,
		Sz:            1,
		TradeHash:     hash,
		SourceRank:    rank,
		ProvenanceSeq: seq,
	}
}

func TestHigherPriorityFormatWins(t *testing.T) {
	legacy := fill("0x01", "0xaaa", 2, 500)
	legacyFee := 0.5
	legacy.Fee = &legacyFee

	current := fill("0x01", "0xaaa", 1, 10)
	currentFee := 0.3
	current.Fee = &currentFee

	r := NewResolver(testDate)
	require.NoError(t, r.Observe(legacy))
	require.NoError(t, r.Observe(current))

	resolved := r.Fills()
	require.Len(t, resolved, 1)
	assert.Equal(t, uint8(1), resolved[0].SourceRank)
	assert.Equal(t, currentFee, *resolved[0].Fee)

	// Arrival order must not matter.
	r2 := NewResolver(testDate)
	require.NoError(t, r2.Observe(current))
	require.NoError(t, r2.Observe(legacy))
	assert.Equal(t, r.Checksum(), r2.Checksum())
}

func TestEqualRankLaterProvenanceWins(t *testing.T) {
	early := fill("0x01", "0xaaa", 2, 1<<32)
	late := fill("0x01", "0xaaa", 2, 5<<32)

	r := NewResolver(testDate)
	require.NoError(t, r.Observe(early))
	require.NoError(t, r.Observe(late))

	resolved := r.Fills()
	require.Len(t, resolved, 1)
	assert.Equal(t, uint64(5<<32), resolved[0].ProvenanceSeq)
}

func TestConflictingPayloadFailsDate(t *testing.T) {
	a := fill("0x01", "0xaaa", 2, 1)
	b := fill("0x01", "0xaaa", 1, 2)
	b.Px = 61000

	r := NewResolver(testDate)
	require.NoError(t, r.Observe(a))
	err := r.Observe(b)
	require.Error(t, err)

	var overlapErr *OverlapError
	require.ErrorAs(t, err, &overlapErr)
	assert.Equal(t, "0x01", overlapErr.TradeHash)
	assert.Equal(t, "0xaaa", overlapErr.UserAddress)
	assert.Equal(t, uint8(1), overlapErr.Kept.SourceRank)
	assert.Equal(t, uint8(2), overlapErr.Conflict.SourceRank)
}

func TestOptionalFieldDisagreementIsNotAConflict(t *testing.T) {
	a := fill("0x01", "0xaaa", 2, 1)
	aFee := 0.5
	a.Fee = &aFee

	b := fill("0x01", "0xaaa", 1, 2)

	r := NewResolver(testDate)
	require.NoError(t, r.Observe(a))
	require.NoError(t, r.Observe(b))

	resolved := r.Fills()
	require.Len(t, resolved, 1)
	assert.Nil(t, resolved[0].Fee)
}

func TestCounterpartiesBothSurvive(t *testing.T) {
	buyer := fill("0x01", "0xaaa", 1, 1)
	buyer.Side = fills.SideBid
	seller := fill("0x01", "0xbbb", 1, 2)

	r := NewResolver(testDate)
	require.NoError(t, r.Observe(buyer))
	require.NoError(t, r.Observe(seller))
	assert.Equal(t, 2, r.Len())
}

func TestResolvedOrderIsDeterministic(t *testing.T) {
	mk := func(order []int) *Resolver {
		r := NewResolver(testDate)
		for _, i := range order {
			f := fill("0x0"+string(rune('a'+i)), "0xaaa", 1, uint64(i))
			f.TimeMs = 1753574400000 + int64(i%3)
			require.NoError(t, r.Observe(f))
		}
		return r
	}

	a := mk([]int{0, 1, 2, 3, 4})
	b := mk([]int{4, 2, 0, 3, 1})

	assert.Equal(t, a.Fills(), b.Fills())
	assert.Equal(t, a.Checksum(), b.Checksum())

	resolved := a.Fills()
	for i := 1; i < len(resolved); i++ {
		prev, cur := resolved[i-1], resolved[i]
		if prev.TimeMs == cur.TimeMs {
			assert.LessOrEqual(t, prev.TradeHash, cur.TradeHash)
		} else {
			assert.Less(t, prev.TimeMs, cur.TimeMs)
		}
	}
}
