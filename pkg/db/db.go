package db

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/marketlens/fillx/pkg/db/clickhouse"
	"github.com/marketlens/fillx/pkg/db/models/fills"
	"github.com/marketlens/fillx/pkg/utils"
)

// NewBasicDbs creates the fills and reports database handles used by every
// component. Database names come from the environment so test runs can point
// at throwaway databases.
func NewBasicDbs(ctx context.Context, logger *zap.Logger, component string) (*FillsDB, *ReportsDB, error) {
	fillsDbName := clickhouse.SanitizeName(utils.Env("FILLS_DB", "fillx_fills"))
	reportsDbName := clickhouse.SanitizeName(utils.Env("REPORTS_DB", "fillx_reports"))

	poolCfg := clickhouse.GetPoolConfigForComponent(component)

	fillsClient, err := clickhouse.New(ctx, logger.With(zap.String("db", fillsDbName)), fillsDbName, poolCfg)
	if err != nil {
		return nil, nil, err
	}

	reportsClient, err := clickhouse.New(ctx, logger.With(zap.String("db", reportsDbName)), reportsDbName, poolCfg)
	if err != nil {
		return nil, nil, err
	}

	fillsDb := &FillsDB{Client: fillsClient, Name: fillsDbName}
	reportsDb := &ReportsDB{
		Client:      reportsClient,
		Name:        reportsDbName,
		PrimarySide: utils.Env("PRIMARY_SIDE", fills.SideAsk),
	}

	return fillsDb, reportsDb, nil
}

// FillStore exposes the partition-store operations used by the normalizer and
// the query service. *FillsDB implements it; tests substitute mocks.
type FillStore interface {
	DatabaseName() string
	InsertStagingFills(ctx context.Context, rows []*fills.Fill) error
	ClearStagingPartition(ctx context.Context, date time.Time) error
	PromotePartition(ctx context.Context, date time.Time) error
	RecordPartition(ctx context.Context, p *fills.PartitionSummary) error
	GetPartition(ctx context.Context, date time.Time) (*fills.PartitionSummary, error)
	ListPartitions(ctx context.Context) ([]fills.PartitionSummary, error)
	CommittedDates(ctx context.Context, start, end time.Time) ([]time.Time, error)
	MaxPartitionVersion(ctx context.Context) (uint64, error)
	PartitionRowCount(ctx context.Context, date time.Time) (uint64, error)
	DistinctUsers(ctx context.Context, date time.Time) (uint64, error)
	ReadPartition(ctx context.Context, date time.Time) ([]fills.Fill, error)
	Close() error
}

// ReportStore exposes the aggregate-store operations used by the aggregation
// builder and the query service.
type ReportStore interface {
	DatabaseName() string
	TruncateAggregates(ctx context.Context) error
	ComputeDailyUserVolume(ctx context.Context, fillsDatabase string, dates []time.Time, generation uint64) error
	ComputeUserFirstTrade(ctx context.Context, fillsDatabase string, dates []time.Time) error
	ComputeDailyMetrics(ctx context.Context, fillsDatabase string, dates []time.Time, generation uint64) error
	DropAggregateDate(ctx context.Context, date time.Time) error
	HasAggregateDate(ctx context.Context, date time.Time) (bool, error)
	CommitGeneration(ctx context.Context, g *Generation) error
	CurrentGeneration(ctx context.Context) (*Generation, error)
	ActiveUsers(ctx context.Context, p QueryParams) ([]ActiveUsersRow, error)
	NewUsers(ctx context.Context, p QueryParams) ([]NewUsersRow, error)
	VolumeDistribution(ctx context.Context, p QueryParams, buckets []float64) ([]VolumeBucketRow, error)
	CoinStats(ctx context.Context, p QueryParams) ([]CoinStatsRow, error)
	TopUsers(ctx context.Context, p QueryParams, limit int) ([]TopUserRow, error)
	Summary(ctx context.Context) (*SummaryRow, error)
	Close() error
}

var (
	_ FillStore   = (*FillsDB)(nil)
	_ ReportStore = (*ReportsDB)(nil)
)
