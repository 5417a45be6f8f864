package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SideScope selects which side rule a metric query applies.
type SideScope string

const (
	// SideScopePrimary sums the primary side only: market-level reading, each
	// trade counted once.
	SideScopePrimary SideScope = "primary"
	// SideScopeAll sums both sides: user-level reading, a user's buys and
	// sells both count as that user's activity.
	SideScopeAll SideScope = "all"
)

// QueryParams are the recognized options of every metric operation. Coins nil
// means no coin filter.
type QueryParams struct {
	Start time.Time
	End   time.Time
	Coins []string
	Scope SideScope
}

// Signature renders a canonical, order-independent string form of the
// parameters for cache keying.
func (p QueryParams) Signature() string {
	coins := append([]string(nil), p.Coins...)
	sort.Strings(coins)
	scope := p.Scope
	if scope == "" {
		scope = SideScopeAll
	}
	return fmt.Sprintf("%s..%s|coins=%s|scope=%s",
		p.Start.Format("2006-01-02"), p.End.Format("2006-01-02"),
		strings.Join(coins, ","), scope)
}

// volumeColumn maps a side scope onto the daily_user_volume column carrying it.
func volumeColumn(scope SideScope) string {
	if scope == SideScopePrimary {
		return "primary_volume"
	}
	return "volume"
}

// coinPredicate renders an optional coin restriction with bind placeholders.
func coinPredicate(coins []string) (string, []interface{}) {
	if len(coins) == 0 {
		return "", nil
	}
	placeholders := make([]string, len(coins))
	args := make([]interface{}, len(coins))
	for i, c := range coins {
		placeholders[i] = "?"
		args[i] = c
	}
	return fmt.Sprintf("AND coin IN (%s)", strings.Join(placeholders, ", ")), args
}

// ActiveUsersRow is one date of the active_users operation.
type ActiveUsersRow struct {
	Date          time.Time `json:"date" ch:"date"`
	ActiveUsers   uint64    `json:"active_users" ch:"active_users"`
	PrimaryVolume float64   `json:"primary_volume" ch:"primary_volume"`
	FillCount     uint64    `json:"fill_count" ch:"fill_count"`
}

// ActiveUsers returns per-date distinct active users. Without a coin filter it
// reads the pre-aggregated daily_metrics table; with one it derives the counts
// from daily_user_volume restricted to the requested coins.
func (db *ReportsDB) ActiveUsers(ctx context.Context, p QueryParams) ([]ActiveUsersRow, error) {
	var rows []ActiveUsersRow

	if len(p.Coins) == 0 {
		query := fmt.Sprintf(`
			SELECT date, active_users, primary_volume, fill_count
			FROM "%s"."daily_metrics" FINAL
			WHERE date >= ? AND date <= ?
			ORDER BY date
		`, db.Name)
		if err := db.SelectWithFinal(ctx, &rows, query, p.Start, p.End); err != nil {
			return nil, fmt.Errorf("active users: %w", err)
		}
		return rows, nil
	}

	pred, args := coinPredicate(p.Coins)
	query := fmt.Sprintf(`
		SELECT
			date,
			uniqExact(user_address) AS active_users,
			sum(primary_volume)     AS primary_volume,
			sum(fill_count)         AS fill_count
		FROM "%s"."daily_user_volume" FINAL
		WHERE date >= ? AND date <= ? %s
		GROUP BY date
		ORDER BY date
	`, db.Name, pred)

	qargs := append([]interface{}{p.Start, p.End}, args...)
	if err := db.SelectWithFinal(ctx, &rows, query, qargs...); err != nil {
		return nil, fmt.Errorf("active users by coin: %w", err)
	}
	return rows, nil
}

// NewUsersRow is one date of the new_users operation.
type NewUsersRow struct {
	Date     time.Time `json:"date" ch:"date"`
	NewUsers uint64    `json:"new_users" ch:"new_users"`
}

// NewUsers counts users whose first ever fill lands on each date in the range.
// The inner min-group makes the read correct even before background merges.
func (db *ReportsDB) NewUsers(ctx context.Context, p QueryParams) ([]NewUsersRow, error) {
	query := fmt.Sprintf(`
		SELECT first_date AS date, count() AS new_users
		FROM (
			SELECT user_address, min(first_date) AS first_date
			FROM "%s"."user_first_trade"
			GROUP BY user_address
		)
		WHERE first_date >= ? AND first_date <= ?
		GROUP BY first_date
		ORDER BY first_date
	`, db.Name)

	var rows []NewUsersRow
	if err := db.Select(ctx, &rows, query, p.Start, p.End); err != nil {
		return nil, fmt.Errorf("new users: %w", err)
	}
	return rows, nil
}

// VolumeBucketRow is one (date, bucket) cell of the volume distribution.
type VolumeBucketRow struct {
	Date         time.Time `json:"date" ch:"date"`
	Bucket       string    `json:"bucket" ch:"bucket"`
	UserCount    uint64    `json:"user_count" ch:"user_count"`
	BucketVolume float64   `json:"bucket_volume" ch:"bucket_volume"`
}

// DefaultVolumeBuckets are the shipped distribution thresholds in quote units.
func DefaultVolumeBuckets() []float64 {
	return []float64{100, 1_000, 10_000, 100_000, 1_000_000}
}

// bucketCase renders the CASE expression classifying a user's daily volume
// into ordered buckets. Thresholds must be ascending.
func bucketCase(buckets []float64) string {
	var b strings.Builder
	b.WriteString("CASE")
	for i, threshold := range buckets {
		if i == 0 {
			fmt.Fprintf(&b, " WHEN daily_volume < %.0f THEN '< $%.0f'", threshold, threshold)
			continue
		}
		prev := buckets[i-1]
		fmt.Fprintf(&b, " WHEN daily_volume >= %.0f AND daily_volume < %.0f THEN '$%.0f - $%.0f'",
			prev, threshold, prev, threshold)
	}
	fmt.Fprintf(&b, " ELSE '>= $%.0f' END", buckets[len(buckets)-1])
	return b.String()
}

// VolumeDistribution buckets users by their total daily volume and counts the
// population of each bucket per date. Bucket thresholds default to
// DefaultVolumeBuckets when empty.
func (db *ReportsDB) VolumeDistribution(ctx context.Context, p QueryParams, buckets []float64) ([]VolumeBucketRow, error) {
	if len(buckets) == 0 {
		buckets = DefaultVolumeBuckets()
	}

	pred, args := coinPredicate(p.Coins)
	query := fmt.Sprintf(`
		WITH user_daily_total AS (
			SELECT date, user_address, sum(%s) AS daily_volume
			FROM "%s"."daily_user_volume" FINAL
			WHERE date >= ? AND date <= ? %s
			GROUP BY date, user_address
		)
		SELECT
			date,
			%s AS bucket,
			count()          AS user_count,
			sum(daily_volume) AS bucket_volume
		FROM user_daily_total
		GROUP BY date, bucket
		ORDER BY date, bucket
	`, volumeColumn(p.Scope), db.Name, pred, bucketCase(buckets))

	qargs := append([]interface{}{p.Start, p.End}, args...)
	var rows []VolumeBucketRow
	if err := db.SelectWithFinal(ctx, &rows, query, qargs...); err != nil {
		return nil, fmt.Errorf("volume distribution: %w", err)
	}
	return rows, nil
}

// CoinStatsRow is one coin of the coin_stats operation. Volume carries the
// requested side scope; PrimaryVolume is always the market-level reading.
type CoinStatsRow struct {
	Coin          string  `json:"coin" ch:"coin"`
	FillCount     uint64  `json:"fill_count" ch:"fill_count"`
	UniqueTraders uint64  `json:"unique_traders" ch:"unique_traders"`
	Volume        float64 `json:"volume" ch:"volume"`
	PrimaryVolume float64 `json:"primary_volume" ch:"primary_volume"`
}

// CoinStats returns per-coin totals over the range, ordered by primary volume.
func (db *ReportsDB) CoinStats(ctx context.Context, p QueryParams) ([]CoinStatsRow, error) {
	query := fmt.Sprintf(`
		SELECT
			coin,
			sum(fill_count)         AS fill_count,
			uniqExact(user_address) AS unique_traders,
			sum(%s)                 AS volume,
			sum(primary_volume)     AS primary_volume
		FROM "%s"."daily_user_volume" FINAL
		WHERE date >= ? AND date <= ?
		GROUP BY coin
		ORDER BY primary_volume DESC
	`, volumeColumn(p.Scope), db.Name)

	var rows []CoinStatsRow
	if err := db.SelectWithFinal(ctx, &rows, query, p.Start, p.End); err != nil {
		return nil, fmt.Errorf("coin stats: %w", err)
	}
	return rows, nil
}

// TopUserRow is one entry of the top_users ranking. Volume follows the
// user-level rule: both sides count.
type TopUserRow struct {
	UserAddress string  `json:"user_address" ch:"user_address"`
	Volume      float64 `json:"volume" ch:"volume"`
	FillCount   uint64  `json:"fill_count" ch:"fill_count"`
	ActiveDays  uint64  `json:"active_days" ch:"active_days"`
	UniqueCoins uint64  `json:"unique_coins" ch:"unique_coins"`
}

// TopUsers ranks users by total volume over the range.
func (db *ReportsDB) TopUsers(ctx context.Context, p QueryParams, limit int) ([]TopUserRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	pred, args := coinPredicate(p.Coins)
	query := fmt.Sprintf(`
		SELECT
			user_address,
			sum(volume)       AS volume,
			sum(fill_count)   AS fill_count,
			uniqExact(date)   AS active_days,
			uniqExact(coin)   AS unique_coins
		FROM "%s"."daily_user_volume" FINAL
		WHERE date >= ? AND date <= ? %s
		GROUP BY user_address
		ORDER BY volume DESC
		LIMIT %d
	`, db.Name, pred, limit)

	qargs := append([]interface{}{p.Start, p.End}, args...)
	var rows []TopUserRow
	if err := db.SelectWithFinal(ctx, &rows, query, qargs...); err != nil {
		return nil, fmt.Errorf("top users: %w", err)
	}
	return rows, nil
}

// SummaryRow is the dataset-level overview.
type SummaryRow struct {
	TotalFills    uint64    `json:"total_fills" ch:"total_fills"`
	UniqueUsers   uint64    `json:"unique_users" ch:"unique_users"`
	UniqueCoins   uint64    `json:"unique_coins" ch:"unique_coins"`
	TotalDays     uint64    `json:"total_days" ch:"total_days"`
	EarliestDate  time.Time `json:"earliest_date" ch:"earliest_date"`
	LatestDate    time.Time `json:"latest_date" ch:"latest_date"`
	PrimaryVolume float64   `json:"primary_volume" ch:"primary_volume"`
}

// Summary returns high-level dataset totals from the pre-aggregated tables.
func (db *ReportsDB) Summary(ctx context.Context) (*SummaryRow, error) {
	query := fmt.Sprintf(`
		SELECT
			(SELECT sum(fill_count) FROM "%s"."daily_metrics" FINAL)        AS total_fills,
			(SELECT uniqExact(user_address) FROM "%s"."user_first_trade")   AS unique_users,
			(SELECT uniqExact(coin) FROM "%s"."daily_user_volume")          AS unique_coins,
			(SELECT uniqExact(date) FROM "%s"."daily_metrics")              AS total_days,
			(SELECT min(date) FROM "%s"."daily_metrics")                    AS earliest_date,
			(SELECT max(date) FROM "%s"."daily_metrics")                    AS latest_date,
			(SELECT sum(primary_volume) FROM "%s"."daily_metrics" FINAL)    AS primary_volume
	`, db.Name, db.Name, db.Name, db.Name, db.Name, db.Name, db.Name)

	var rows []SummaryRow
	if err := db.SelectWithFinal(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	if len(rows) == 0 {
		return &SummaryRow{}, nil
	}
	return &rows[0], nil
}
