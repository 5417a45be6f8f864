package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marketlens/fillx/pkg/db"
)

// Build modes recorded on the generations table.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
)

// GenerationCommittedChannel is the Redis Pub/Sub channel announcing a new
// aggregate generation. The query service drops its cached generation on
// receipt.
const GenerationCommittedChannel = "fillx:generation.committed"

// GenerationCommittedEvent is published after a rebuild commits.
type GenerationCommittedEvent struct {
	Event      string    `json:"event"` // always "generation.committed"
	Generation uint64    `json:"generation"`
	Mode       string    `json:"mode"`
	DatesCount uint32    `json:"datesCount"`
	Timestamp  time.Time `json:"timestamp"`
}

// EncodeEvent renders the event for Pub/Sub.
func (e *GenerationCommittedEvent) Encode() string {
	raw, _ := json.Marshal(e)
	return string(raw)
}

// Publisher is the slice of the Redis client the builder needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{})
}

// BuildOutput summarizes one rebuild.
type BuildOutput struct {
	Generation uint64   `json:"generation"`
	Mode       string   `json:"mode"`
	Dates      []string `json:"dates"`
	DurationMs float64  `json:"durationMs"`
}

// Builder derives the aggregate tables from committed partitions.
//
// Side semantics per table: daily_user_volume sums all of a user's fills
// regardless of side, since both buying and selling are that user's activity
// (a side-filtered primary_volume column rides along for market-level
// slicing). daily_metrics' volume is primary-side only, so each trade counts
// once. user_first_trade is side-agnostic.
type Builder struct {
	Logger    *zap.Logger
	Fills     db.FillStore
	Reports   db.ReportStore
	Publisher Publisher // optional
}

func NewBuilder(logger *zap.Logger, fillStore db.FillStore, reportStore db.ReportStore, publisher Publisher) *Builder {
	return &Builder{
		Logger:    logger,
		Fills:     fillStore,
		Reports:   reportStore,
		Publisher: publisher,
	}
}

// BuildFull recomputes every aggregate table from scratch over all committed
// partitions. Deterministic given a fixed partition set.
func (b *Builder) BuildFull(ctx context.Context) (*BuildOutput, error) {
	partitions, err := b.Fills.ListPartitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	dates := make([]time.Time, 0, len(partitions))
	var maxVersion uint64
	for _, p := range partitions {
		dates = append(dates, p.Date)
		if p.Version > maxVersion {
			maxVersion = p.Version
		}
	}

	if err := b.Reports.TruncateAggregates(ctx); err != nil {
		return nil, fmt.Errorf("truncate aggregates: %w", err)
	}

	return b.compute(ctx, ModeFull, dates, nil, maxVersion)
}

// BuildIncremental folds newly committed partition dates into the existing
// aggregates without rescanning history. Valid only for dates appended since
// the last generation: a republished (overlap) date can lower nothing but
// first-trade minimums, which only a full rebuild can retract, so callers
// must escalate those to BuildFull. The equivalence with a full rebuild over
// the same partition set is what the integration suite checks.
func (b *Builder) BuildIncremental(ctx context.Context, newDates []time.Time) (*BuildOutput, error) {
	if len(newDates) == 0 {
		return nil, fmt.Errorf("incremental build requires at least one new date")
	}

	current, err := b.Reports.CurrentGeneration(ctx)
	if err != nil {
		return nil, fmt.Errorf("read current generation: %w", err)
	}
	if current == nil {
		// Nothing to extend. Fall back to a full build.
		return b.BuildFull(ctx)
	}

	maxVersion, err := b.Fills.MaxPartitionVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("read partition version: %w", err)
	}

	// Drop any partial contribution a previously failed run may have left
	// for these dates, then recompute them.
	for _, d := range newDates {
		if err := b.Reports.DropAggregateDate(ctx, d); err != nil {
			return nil, fmt.Errorf("drop aggregate date %s: %w", d.Format(time.DateOnly), err)
		}
	}

	return b.compute(ctx, ModeIncremental, newDates, current, maxVersion)
}

func (b *Builder) compute(ctx context.Context, mode string, dates []time.Time, prev *db.Generation, maxVersion uint64) (*BuildOutput, error) {
	start := time.Now()

	var generation uint64 = 1
	if prev != nil {
		generation = prev.Generation + 1
	} else if mode == ModeFull {
		current, err := b.Reports.CurrentGeneration(ctx)
		if err != nil {
			return nil, fmt.Errorf("read current generation: %w", err)
		}
		if current != nil {
			generation = current.Generation + 1
		}
	}

	fillsDb := b.Fills.DatabaseName()

	if len(dates) > 0 {
		if err := b.Reports.ComputeDailyUserVolume(ctx, fillsDb, dates, generation); err != nil {
			return nil, fmt.Errorf("compute daily_user_volume: %w", err)
		}
		if err := b.Reports.ComputeUserFirstTrade(ctx, fillsDb, dates); err != nil {
			return nil, fmt.Errorf("compute user_first_trade: %w", err)
		}
		if err := b.Reports.ComputeDailyMetrics(ctx, fillsDb, dates, generation); err != nil {
			return nil, fmt.Errorf("compute daily_metrics: %w", err)
		}
	}

	gen := &db.Generation{
		Generation:          generation,
		BuiltAt:             time.Now().UTC(),
		Mode:                mode,
		DatesCount:          uint32(len(dates)),
		MaxPartitionVersion: maxVersion,
	}
	if err := b.Reports.CommitGeneration(ctx, gen); err != nil {
		return nil, fmt.Errorf("commit generation %d: %w", generation, err)
	}

	out := &BuildOutput{
		Generation: generation,
		Mode:       mode,
		DurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
	for _, d := range dates {
		out.Dates = append(out.Dates, d.Format(time.DateOnly))
	}

	if b.Publisher != nil {
		event := &GenerationCommittedEvent{
			Event:      "generation.committed",
			Generation: generation,
			Mode:       mode,
			DatesCount: gen.DatesCount,
			Timestamp:  gen.BuiltAt,
		}
		b.Publisher.Publish(ctx, GenerationCommittedChannel, event.Encode())
	}

	b.Logger.Info("aggregate generation committed",
		zap.Uint64("generation", generation),
		zap.String("mode", mode),
		zap.Int("dates", len(dates)),
		zap.Float64("durationMs", out.DurationMs))

	return out, nil
}

// PlanMode decides between incremental and full rebuild. Incremental only
// when every change since the last generation is a brand-new date; any
// republished existing date (overlap windows) forces full, since committed
// first-trade minimums cannot be retracted incrementally.
func (b *Builder) PlanMode(ctx context.Context) (string, []time.Time, error) {
	current, err := b.Reports.CurrentGeneration(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("read current generation: %w", err)
	}
	if current == nil {
		return ModeFull, nil, nil
	}

	partitions, err := b.Fills.ListPartitions(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("list partitions: %w", err)
	}

	var newDates []time.Time
	for _, p := range partitions {
		if p.Version > current.MaxPartitionVersion {
			newDates = append(newDates, p.Date)
		}
	}
	if len(newDates) == 0 {
		return "", nil, nil // nothing changed
	}

	// A bumped version on a date the aggregates already cover means a
	// republish, not an append. Republished overlap dates can change winners
	// retroactively, which only a full rebuild can express.
	for _, d := range newDates {
		covered, err := b.Reports.HasAggregateDate(ctx, d)
		if err != nil {
			return "", nil, err
		}
		if covered {
			return ModeFull, nil, nil
		}
	}
	return ModeIncremental, newDates, nil
}
