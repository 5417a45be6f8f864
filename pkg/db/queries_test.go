package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestQueryParamsSignatureStable(t *testing.T) {
	a := QueryParams{
		Start: date("2025-07-01"),
		End:   date("2025-07-31"),
		Coins: []string{"ETH", "BTC"},
		Scope: SideScopePrimary,
	}
	b := QueryParams{
		Start: date("2025-07-01"),
		End:   date("2025-07-31"),
		Coins: []string{"BTC", "ETH"}, // different order, same set
		Scope: SideScopePrimary,
	}

	assert.Equal(t, a.Signature(), b.Signature(), "signature must be order-independent")
	assert.Equal(t, "2025-07-01..2025-07-31|coins=BTC,ETH|scope=primary", a.Signature())
}

func TestQueryParamsSignatureDistinguishes(t *testing.T) {
	base := QueryParams{Start: date("2025-07-01"), End: date("2025-07-31")}

	withCoin := base
	withCoin.Coins = []string{"BTC"}
	withScope := base
	withScope.Scope = SideScopePrimary
	withEnd := base
	withEnd.End = date("2025-08-01")

	sigs := map[string]bool{
		base.Signature():      true,
		withCoin.Signature():  true,
		withScope.Signature(): true,
		withEnd.Signature():   true,
	}
	assert.Len(t, sigs, 4, "each parameter change must change the signature")
}

func TestQueryParamsSignatureDefaultsScope(t *testing.T) {
	p := QueryParams{Start: date("2025-07-01"), End: date("2025-07-02")}
	assert.Contains(t, p.Signature(), "scope=all")
}

func TestVolumeColumnFollowsSideRule(t *testing.T) {
	assert.Equal(t, "primary_volume", volumeColumn(SideScopePrimary))
	assert.Equal(t, "volume", volumeColumn(SideScopeAll))
	assert.Equal(t, "volume", volumeColumn(""), "unset scope reads the user-level column")
}

func TestBucketCase(t *testing.T) {
	expr := bucketCase([]float64{100, 1000})

	assert.Contains(t, expr, "WHEN daily_volume < 100 THEN '< $100'")
	assert.Contains(t, expr, "WHEN daily_volume >= 100 AND daily_volume < 1000 THEN '$100 - $1000'")
	assert.Contains(t, expr, "ELSE '>= $1000' END")
}

func TestCoinPredicate(t *testing.T) {
	pred, args := coinPredicate(nil)
	assert.Empty(t, pred)
	assert.Empty(t, args)

	pred, args = coinPredicate([]string{"BTC", "ETH"})
	assert.Equal(t, "AND coin IN (?, ?)", pred)
	require.Len(t, args, 2)
	assert.Equal(t, "BTC", args[0])
	assert.Equal(t, "ETH", args[1])
}

func TestDatesPredicate(t *testing.T) {
	assert.Empty(t, datesPredicate(nil))

	pred := datesPredicate([]time.Time{date("2025-07-27"), date("2025-07-28")})
	assert.Equal(t, "WHERE date IN ('2025-07-27', '2025-07-28')", pred)
}

func TestDefaultVolumeBucketsAscending(t *testing.T) {
	buckets := DefaultVolumeBuckets()
	require.NotEmpty(t, buckets)
	for i := 1; i < len(buckets); i++ {
		assert.Greater(t, buckets[i], buckets[i-1])
	}
}
