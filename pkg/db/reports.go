package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marketlens/fillx/pkg/db/clickhouse"
)

// ReportsDB holds the derived aggregate tables. Every table is re-derivable
// from the fills partitions; the generation marker tracks which snapshot of the
// partition set the tables were built from.
//
// Side rules (see the volume double-counting rule):
//   - daily_user_volume: both sides. A user's buys and sells are both that
//     user's activity. The primary_volume column additionally carries the
//     primary-side-only sum so market-level readings stay available per coin.
//   - user_first_trade: both sides.
//   - daily_metrics: active_users over both sides, primary_volume over the
//     primary side only, fill_count over both sides.
type ReportsDB struct {
	clickhouse.Client
	Name string

	// PrimarySide is the single side summed for market-level volume.
	PrimarySide string
}

// Generation is the version marker of the aggregate store. It is bumped on
// every rebuild and embedded in query-cache keys, so committing a generation
// invalidates the whole cache by construction.
type Generation struct {
	Generation          uint64    `json:"generation" ch:"generation"`
	BuiltAt             time.Time `json:"built_at" ch:"built_at"`
	Mode                string    `json:"mode" ch:"mode"`
	DatesCount          uint32    `json:"dates_count" ch:"dates_count"`
	MaxPartitionVersion uint64    `json:"max_partition_version" ch:"max_partition_version"`
}

// DatabaseName returns the reports database name.
func (db *ReportsDB) DatabaseName() string {
	return db.Name
}

// Close terminates the underlying ClickHouse connection.
func (db *ReportsDB) Close() error {
	return db.Db.Close()
}

// InitializeDB creates the reports database and the aggregate tables.
func (db *ReportsDB) InitializeDB(ctx context.Context) error {
	if err := db.CreateDbIfNotExists(ctx, db.Name); err != nil {
		return fmt.Errorf("failed to create database %s: %w", db.Name, err)
	}

	// Per-(date,user,coin) volumes, both sides. Partitioned by date so a date
	// can be rebuilt in isolation; ReplacingMergeTree absorbs activity retries.
	query1 := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."daily_user_volume" (
			date Date,
			user_address String,
			coin LowCardinality(String),
			volume Float64,
			primary_volume Float64,
			fill_count UInt64,
			version UInt64
		) ENGINE = ReplacingMergeTree(version)
		PARTITION BY date
		ORDER BY (date, user_address, coin)
	`, db.Name)
	if err := db.Exec(ctx, query1); err != nil {
		return fmt.Errorf("init daily_user_volume: %w", err)
	}

	// First trade date per user, both sides. SimpleAggregateFunction(min) makes
	// incremental inserts merge to the true minimum without rescanning history.
	query2 := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."user_first_trade" (
			user_address String,
			first_date SimpleAggregateFunction(min, Date)
		) ENGINE = AggregatingMergeTree
		ORDER BY (user_address)
	`, db.Name)
	if err := db.Exec(ctx, query2); err != nil {
		return fmt.Errorf("init user_first_trade: %w", err)
	}

	// Per-date exchange metrics. active_users counts both sides; primary_volume
	// sums the primary side only so each trade is counted once.
	query3 := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."daily_metrics" (
			date Date,
			active_users UInt64,
			primary_volume Float64,
			fill_count UInt64,
			version UInt64
		) ENGINE = ReplacingMergeTree(version)
		PARTITION BY date
		ORDER BY (date)
	`, db.Name)
	if err := db.Exec(ctx, query3); err != nil {
		return fmt.Errorf("init daily_metrics: %w", err)
	}

	query4 := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."generations" (
			generation UInt64,
			built_at DateTime64(3),
			mode LowCardinality(String),
			dates_count UInt32,
			max_partition_version UInt64
		) ENGINE = ReplacingMergeTree(generation)
		ORDER BY (generation)
	`, db.Name)
	if err := db.Exec(ctx, query4); err != nil {
		return fmt.Errorf("init generations: %w", err)
	}

	return nil
}

// TruncateAggregates clears all derived tables ahead of a full rebuild.
func (db *ReportsDB) TruncateAggregates(ctx context.Context) error {
	for _, table := range []string{"daily_user_volume", "user_first_trade", "daily_metrics"} {
		query := fmt.Sprintf(`TRUNCATE TABLE "%s"."%s"`, db.Name, table)
		if err := db.Exec(ctx, query); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}

// datesPredicate renders an optional date restriction. Dates are produced
// internally by the scheduler, never by callers, so literal formatting is safe.
func datesPredicate(dates []time.Time) string {
	if len(dates) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(dates))
	for _, d := range dates {
		quoted = append(quoted, fmt.Sprintf("'%s'", d.Format("2006-01-02")))
	}
	return fmt.Sprintf("WHERE date IN (%s)", strings.Join(quoted, ", "))
}

// ComputeDailyUserVolume derives daily_user_volume rows from the fills store.
// A nil dates slice recomputes every partition (full rebuild); otherwise only
// the listed dates are scanned. User-level table: sums both sides.
func (db *ReportsDB) ComputeDailyUserVolume(ctx context.Context, fillsDatabase string, dates []time.Time, generation uint64) error {
	query := fmt.Sprintf(`
		INSERT INTO "%s"."daily_user_volume"
			(date, user_address, coin, volume, primary_volume, fill_count, version)
		SELECT
			date,
			user_address,
			coin,
			sum(px * sz)                    AS volume,
			sumIf(px * sz, side = '%s')     AS primary_volume,
			count()                         AS fill_count,
			%d                              AS version
		FROM "%s"."fills"
		%s
		GROUP BY date, user_address, coin
	`, db.Name, db.PrimarySide, generation, fillsDatabase, datesPredicate(dates))

	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("compute daily_user_volume: %w", err)
	}
	return nil
}

// ComputeUserFirstTrade derives first-trade dates. Incremental inserts only
// scan the new dates; the engine merges to the minimum across generations.
func (db *ReportsDB) ComputeUserFirstTrade(ctx context.Context, fillsDatabase string, dates []time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO "%s"."user_first_trade" (user_address, first_date)
		SELECT user_address, min(date) AS first_date
		FROM "%s"."fills"
		%s
		GROUP BY user_address
	`, db.Name, fillsDatabase, datesPredicate(dates))

	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("compute user_first_trade: %w", err)
	}
	return nil
}

// ComputeDailyMetrics derives per-date exchange metrics. Market-level volume
// sums the primary side only, so a trade never counts twice.
func (db *ReportsDB) ComputeDailyMetrics(ctx context.Context, fillsDatabase string, dates []time.Time, generation uint64) error {
	query := fmt.Sprintf(`
		INSERT INTO "%s"."daily_metrics"
			(date, active_users, primary_volume, fill_count, version)
		SELECT
			date,
			uniqExact(user_address)         AS active_users,
			sumIf(px * sz, side = '%s')     AS primary_volume,
			count()                         AS fill_count,
			%d                              AS version
		FROM "%s"."fills"
		%s
		GROUP BY date
	`, db.Name, db.PrimarySide, generation, fillsDatabase, datesPredicate(dates))

	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("compute daily_metrics: %w", err)
	}
	return nil
}

// DropAggregateDate removes a date's rows from the per-date aggregate tables.
// Used when a republished partition forces a date to be recomputed.
func (db *ReportsDB) DropAggregateDate(ctx context.Context, date time.Time) error {
	for _, table := range []string{"daily_user_volume", "daily_metrics"} {
		query := fmt.Sprintf(`ALTER TABLE "%s"."%s" DROP PARTITION '%s'`,
			db.Name, table, date.Format("2006-01-02"))
		if err := db.Exec(ctx, query); err != nil {
			return fmt.Errorf("drop aggregate date %s from %s: %w", date.Format("2006-01-02"), table, err)
		}
	}
	return nil
}

// HasAggregateDate reports whether daily_metrics already carries rows for a
// date. Used to tell appended dates from republished ones when planning an
// incremental rebuild.
func (db *ReportsDB) HasAggregateDate(ctx context.Context, date time.Time) (bool, error) {
	query := fmt.Sprintf(`
		SELECT count() AS n
		FROM "%s"."daily_metrics" FINAL
		WHERE date = ?
	`, db.Name)

	var n uint64
	if err := db.QueryRow(ctx, query, date).Scan(&n); err != nil {
		if clickhouse.IsNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("check aggregate date %s: %w", date.Format("2006-01-02"), err)
	}
	return n > 0, nil
}

// CommitGeneration records a completed rebuild. The new generation becomes
// current immediately; readers key their caches on it.
func (db *ReportsDB) CommitGeneration(ctx context.Context, g *Generation) error {
	query := fmt.Sprintf(`
		INSERT INTO "%s"."generations"
			(generation, built_at, mode, dates_count, max_partition_version)
		VALUES (?, ?, ?, ?, ?)
	`, db.Name)
	if err := db.Exec(ctx, query,
		g.Generation, g.BuiltAt, g.Mode, g.DatesCount, g.MaxPartitionVersion); err != nil {
		return fmt.Errorf("commit generation %d: %w", g.Generation, err)
	}
	return nil
}

// CurrentGeneration returns the latest committed generation, or nil when no
// rebuild has ever completed.
func (db *ReportsDB) CurrentGeneration(ctx context.Context) (*Generation, error) {
	query := fmt.Sprintf(`
		SELECT generation, built_at, mode, dates_count, max_partition_version
		FROM "%s"."generations" FINAL
		ORDER BY generation DESC
		LIMIT 1
	`, db.Name)

	var rows []Generation
	if err := db.SelectWithFinal(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("current generation: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
