package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marketlens/fillx/pkg/db/clickhouse"
	"github.com/marketlens/fillx/pkg/db/models/fills"
)

// FillsDB holds the canonical partitioned fill store: the published `fills`
// table, the writer-private `fills_staging` table and the `partitions`
// manifest. Partitions are published wholesale with REPLACE PARTITION, so a
// reader either sees a date in full or not at all.
type FillsDB struct {
	clickhouse.Client
	Name string
}

// DatabaseName returns the fills database name.
func (db *FillsDB) DatabaseName() string {
	return db.Name
}

// Close terminates the underlying ClickHouse connection.
func (db *FillsDB) Close() error {
	return db.Db.Close()
}

const fillColumns = `
	date Date,
	time Int64,
	user_address String,
	coin LowCardinality(String),
	side LowCardinality(String),
	px Float64,
	sz Float64,
	trade_hash String,
	oid Nullable(Int64),
	tid Nullable(Int64),
	closed_pnl Nullable(Float64),
	fee Nullable(Float64),
	source_format LowCardinality(String),
	source_rank UInt8,
	source_file String,
	provenance_seq UInt64
`

// InitializeDB creates the fills database and its tables.
func (db *FillsDB) InitializeDB(ctx context.Context) error {
	if err := db.CreateDbIfNotExists(ctx, db.Name); err != nil {
		return fmt.Errorf("failed to create database %s: %w", db.Name, err)
	}

	// Published store. ORDER BY starts with the dedup key so point lookups on
	// (trade_hash, user_address) stay cheap.
	fillsSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."fills" (%s)
		ENGINE = MergeTree
		PARTITION BY date
		ORDER BY (date, trade_hash, user_address)
	`, db.Name, fillColumns)
	if err := db.Exec(ctx, fillsSQL); err != nil {
		return fmt.Errorf("init fills: %w", err)
	}

	// Staging mirror. Same partitioning so a finished date can be swapped into
	// the published table atomically.
	stagingSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."fills_staging" (%s)
		ENGINE = MergeTree
		PARTITION BY date
		ORDER BY (date, trade_hash, user_address)
	`, db.Name, fillColumns)
	if err := db.Exec(ctx, stagingSQL); err != nil {
		return fmt.Errorf("init fills_staging: %w", err)
	}

	manifestSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."partitions" (
			date Date,
			source_format LowCardinality(String),
			row_count UInt64,
			checksum UInt64,
			registry_version UInt32,
			version UInt64
		) ENGINE = ReplacingMergeTree(version)
		ORDER BY (date)
	`, db.Name)
	if err := db.Exec(ctx, manifestSQL); err != nil {
		return fmt.Errorf("init partitions: %w", err)
	}

	return nil
}

// InsertStagingFills batch-inserts resolved fills into the staging table.
func (db *FillsDB) InsertStagingFills(ctx context.Context, rows []*fills.Fill) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := db.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO "%s"."fills_staging"`, db.Name))
	if err != nil {
		return fmt.Errorf("prepare staging batch: %w", err)
	}

	for _, f := range rows {
		if err := batch.Append(
			f.Date,
			f.TimeMs,
			f.UserAddress,
			f.Coin,
			f.Side,
			f.Px,
			f.Sz,
			f.TradeHash,
			f.Oid,
			f.Tid,
			f.ClosedPnl,
			f.Fee,
			f.SourceFormat,
			f.SourceRank,
			f.SourceFile,
			f.ProvenanceSeq,
		); err != nil {
			return fmt.Errorf("append staging fill: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send staging batch: %w", err)
	}

	return nil
}

// ClearStagingPartition drops the staging partition for a date. Called before a
// build so a retried date never sees leftovers from an interrupted run.
func (db *FillsDB) ClearStagingPartition(ctx context.Context, date time.Time) error {
	query := fmt.Sprintf(`ALTER TABLE "%s"."fills_staging" DROP PARTITION '%s'`,
		db.Name, date.Format("2006-01-02"))
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("clear staging partition %s: %w", date.Format("2006-01-02"), err)
	}
	return nil
}

// PromotePartition atomically replaces the published partition for a date with
// the fully built staging partition. A crash before this point leaves the
// published table untouched; a crash after it leaves a complete partition.
func (db *FillsDB) PromotePartition(ctx context.Context, date time.Time) error {
	query := fmt.Sprintf(`ALTER TABLE "%s"."fills" REPLACE PARTITION '%s' FROM "%s"."fills_staging"`,
		db.Name, date.Format("2006-01-02"), db.Name)
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("promote partition %s: %w", date.Format("2006-01-02"), err)
	}

	db.Logger.Info("Partition published",
		zap.String("date", date.Format("2006-01-02")))
	return nil
}

// RecordPartition upserts the manifest row for a published partition.
func (db *FillsDB) RecordPartition(ctx context.Context, p *fills.PartitionSummary) error {
	query := fmt.Sprintf(`
		INSERT INTO "%s"."partitions"
			(date, source_format, row_count, checksum, registry_version, version)
		VALUES (?, ?, ?, ?, ?, ?)
	`, db.Name)
	if err := db.Exec(ctx, query,
		p.Date, p.SourceFormat, p.RowCount, p.Checksum, p.RegistryVersion, p.Version); err != nil {
		return fmt.Errorf("record partition %s: %w", p.Date.Format("2006-01-02"), err)
	}
	return nil
}

// GetPartition returns the manifest row for a date, or nil when the date has
// never been published.
func (db *FillsDB) GetPartition(ctx context.Context, date time.Time) (*fills.PartitionSummary, error) {
	query := fmt.Sprintf(`
		SELECT date, source_format, row_count, checksum, registry_version, version
		FROM "%s"."partitions" FINAL
		WHERE date = ?
	`, db.Name)

	var rows []fills.PartitionSummary
	if err := db.SelectWithFinal(ctx, &rows, query, date); err != nil {
		return nil, fmt.Errorf("get partition %s: %w", date.Format("2006-01-02"), err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListPartitions returns every committed partition ordered by date.
func (db *FillsDB) ListPartitions(ctx context.Context) ([]fills.PartitionSummary, error) {
	query := fmt.Sprintf(`
		SELECT date, source_format, row_count, checksum, registry_version, version
		FROM "%s"."partitions" FINAL
		ORDER BY date
	`, db.Name)

	var rows []fills.PartitionSummary
	if err := db.SelectWithFinal(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	return rows, nil
}

// CommittedDates returns the committed partition dates within [start, end].
func (db *FillsDB) CommittedDates(ctx context.Context, start, end time.Time) ([]time.Time, error) {
	query := fmt.Sprintf(`
		SELECT date
		FROM "%s"."partitions" FINAL
		WHERE date >= ? AND date <= ?
		ORDER BY date
	`, db.Name)

	var rows []struct {
		Date time.Time `ch:"date"`
	}
	if err := db.SelectWithFinal(ctx, &rows, query, start, end); err != nil {
		return nil, fmt.Errorf("committed dates: %w", err)
	}

	out := make([]time.Time, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Date)
	}
	return out, nil
}

// MaxPartitionVersion returns the highest manifest version across all
// partitions, used to detect aggregate staleness. Zero when nothing has been
// published yet.
func (db *FillsDB) MaxPartitionVersion(ctx context.Context) (uint64, error) {
	query := fmt.Sprintf(`SELECT max(version) FROM "%s"."partitions"`, db.Name)

	var v uint64
	if err := db.QueryRow(ctx, query).Scan(&v); err != nil {
		if clickhouse.IsNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("max partition version: %w", err)
	}
	return v, nil
}

// PartitionRowCount counts the published rows for a date.
func (db *FillsDB) PartitionRowCount(ctx context.Context, date time.Time) (uint64, error) {
	query := fmt.Sprintf(`SELECT count() FROM "%s"."fills" WHERE date = ?`, db.Name)

	var n uint64
	if err := db.QueryRow(ctx, query, date).Scan(&n); err != nil {
		return 0, fmt.Errorf("partition row count %s: %w", date.Format("2006-01-02"), err)
	}
	return n, nil
}

// DistinctUsers counts distinct user addresses in a date's partition, across
// both sides. Used to verify aggregate/partition consistency.
func (db *FillsDB) DistinctUsers(ctx context.Context, date time.Time) (uint64, error) {
	query := fmt.Sprintf(`SELECT uniqExact(user_address) FROM "%s"."fills" WHERE date = ?`, db.Name)

	var n uint64
	if err := db.QueryRow(ctx, query, date).Scan(&n); err != nil {
		return 0, fmt.Errorf("distinct users %s: %w", date.Format("2006-01-02"), err)
	}
	return n, nil
}

// ReadPartition streams back a date's published fills in deterministic order.
// Mostly used by verification and by query fallbacks when no aggregate
// generation exists yet.
func (db *FillsDB) ReadPartition(ctx context.Context, date time.Time) ([]fills.Fill, error) {
	query := fmt.Sprintf(`
		SELECT date, time, user_address, coin, side, px, sz, trade_hash,
			oid, tid, closed_pnl, fee,
			source_format, source_rank, source_file, provenance_seq
		FROM "%s"."fills"
		WHERE date = ?
		ORDER BY time, trade_hash, user_address
	`, db.Name)

	var rows []fills.Fill
	if err := db.Select(ctx, &rows, query, date); err != nil {
		return nil, fmt.Errorf("read partition %s: %w", date.Format("2006-01-02"), err)
	}
	return rows, nil
}
