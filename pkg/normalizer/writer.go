package normalizer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/marketlens/fillx/pkg/db"
	"github.com/marketlens/fillx/pkg/db/models/fills"
	"github.com/marketlens/fillx/pkg/ingest"
	"github.com/marketlens/fillx/pkg/schema"
)

// insertChunkSize bounds one staging insert batch.
const insertChunkSize = 50_000

// BuildResult summarizes one date's build.
type BuildResult struct {
	Date       time.Time    `json:"date"`
	Skipped    bool         `json:"skipped"`
	SkipReason string       `json:"skipReason,omitempty"`
	Rows       uint64       `json:"rows"`
	Checksum   uint64       `json:"checksum"`
	Version    uint64       `json:"version"`
	Sources    []string     `json:"sources"`
	Stats      ingest.Stats `json:"stats"`
	DurationMs float64      `json:"durationMs"`
}

// Writer builds per-date partitions: parse every covering source, resolve
// duplicates, stage, promote atomically, record the manifest. Dates are
// independent; builds for the same date are mutually exclusive.
type Writer struct {
	Logger      *zap.Logger
	Store       db.FillStore
	Registry    schema.Registry
	RawRoot     string
	MaxBadRatio float64

	dateLocks *xsync.Map[string, *sync.Mutex]
}

func NewWriter(logger *zap.Logger, store db.FillStore, registry schema.Registry, rawRoot string, maxBadRatio float64) *Writer {
	return &Writer{
		Logger:      logger,
		Store:       store,
		Registry:    registry,
		RawRoot:     rawRoot,
		MaxBadRatio: maxBadRatio,
		dateLocks:   xsync.NewMap[string, *sync.Mutex](),
	}
}

// lockDate serializes builds of one date. Distinct dates proceed in parallel.
func (w *Writer) lockDate(date time.Time) func() {
	mu, _ := w.dateLocks.LoadOrStore(date.Format(time.DateOnly), &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// dateDir returns the raw hourly directory for one source and date.
func (w *Writer) dateDir(src schema.Source, date time.Time) string {
	return filepath.Join(w.RawRoot, src.Dir, "hourly", date.Format("20060102"))
}

// ShouldSkip reports whether an already committed date can be left alone.
// Only single-source dates outside every overlap window qualify: inside an
// overlap window new arriving data could change the resolved winner, so those
// dates are always recomputed.
func (w *Writer) ShouldSkip(ctx context.Context, date time.Time) (bool, string, error) {
	if w.Registry.InOverlap(date) {
		return false, "", nil
	}
	if len(w.Registry.SourcesFor(date)) != 1 {
		return false, "", nil
	}

	summary, err := w.Store.GetPartition(ctx, date)
	if err != nil {
		return false, "", fmt.Errorf("get partition manifest: %w", err)
	}
	if summary == nil {
		return false, "", nil
	}
	if summary.RegistryVersion != w.Registry.Version {
		return false, "", nil
	}
	return true, "committed single-source date outside overlap windows", nil
}

// BuildDate builds and publishes the partition for one date. force bypasses
// the skip check, never the overlap rules.
func (w *Writer) BuildDate(ctx context.Context, date time.Time, force bool) (*BuildResult, error) {
	unlock := w.lockDate(date)
	defer unlock()

	start := time.Now()
	res := &BuildResult{Date: date}

	if !force {
		skip, reason, err := w.ShouldSkip(ctx, date)
		if err != nil {
			return nil, err
		}
		if skip {
			res.Skipped = true
			res.SkipReason = reason
			res.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0
			return res, nil
		}
	}

	resolver, sources, stats, err := w.resolveDate(ctx, date)
	if err != nil {
		return nil, err
	}
	res.Stats = stats
	res.Sources = sources

	if resolver.Len() == 0 {
		res.Skipped = true
		res.SkipReason = "no raw data"
		res.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0
		return res, nil
	}

	version, err := w.Store.MaxPartitionVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("read partition version: %w", err)
	}
	version++

	// Stage the full partition first. Readers only ever see the production
	// table, so a failure here leaves nothing visible.
	if err := w.Store.ClearStagingPartition(ctx, date); err != nil {
		return nil, fmt.Errorf("clear staging for %s: %w", date.Format(time.DateOnly), err)
	}

	resolved := resolver.Fills()
	for off := 0; off < len(resolved); off += insertChunkSize {
		end := off + insertChunkSize
		if end > len(resolved) {
			end = len(resolved)
		}
		if err := w.Store.InsertStagingFills(ctx, resolved[off:end]); err != nil {
			// Discard the partial staging build so a retry starts clean.
			if cleanErr := w.Store.ClearStagingPartition(ctx, date); cleanErr != nil {
				w.Logger.Warn("failed to discard partial staging partition",
					zap.String("date", date.Format(time.DateOnly)),
					zap.Error(cleanErr))
			}
			return nil, fmt.Errorf("stage fills for %s: %w", date.Format(time.DateOnly), err)
		}
	}

	if err := w.Store.PromotePartition(ctx, date); err != nil {
		return nil, fmt.Errorf("promote partition %s: %w", date.Format(time.DateOnly), err)
	}

	summary := &fills.PartitionSummary{
		Date:            date,
		SourceFormat:    strings.Join(sources, ","),
		RowCount:        uint64(len(resolved)),
		Checksum:        resolver.Checksum(),
		RegistryVersion: w.Registry.Version,
		Version:         version,
	}
	if err := w.Store.RecordPartition(ctx, summary); err != nil {
		return nil, fmt.Errorf("record partition manifest for %s: %w", date.Format(time.DateOnly), err)
	}

	// Staging rows are no longer needed once promoted. Cleanup failures are
	// non-critical, the next build clears staging before inserting.
	if err := w.Store.ClearStagingPartition(ctx, date); err != nil {
		w.Logger.Warn("failed to clean staging after promotion",
			zap.String("date", date.Format(time.DateOnly)),
			zap.Error(err))
	}

	res.Rows = summary.RowCount
	res.Checksum = summary.Checksum
	res.Version = version
	res.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0

	w.Logger.Info("partition published",
		zap.String("date", date.Format(time.DateOnly)),
		zap.Uint64("rows", res.Rows),
		zap.Strings("sources", sources),
		zap.Int("malformed", stats.Malformed),
		zap.Float64("durationMs", res.DurationMs))

	return res, nil
}

// resolveDate parses every source covering the date and folds the fills into
// a resolver. Files are walked in sorted order per source, sources in rank
// order, so provenance sequences are identical run to run.
func (w *Writer) resolveDate(ctx context.Context, date time.Time) (*Resolver, []string, ingest.Stats, error) {
	resolver := NewResolver(date)
	var stats ingest.Stats
	var sources []string

	var fileIndex uint64
	for _, src := range w.Registry.SourcesFor(date) {
		files, err := ingest.HourlyFiles(w.dateDir(src, date))
		if err != nil {
			return nil, nil, stats, fmt.Errorf("list %s files for %s: %w", src.Format, date.Format(time.DateOnly), err)
		}
		if len(files) == 0 {
			continue
		}
		sources = append(sources, string(src.Format))

		adapter := ingest.New(src, w.MaxBadRatio)
		for _, path := range files {
			if err := ctx.Err(); err != nil {
				return nil, nil, stats, err
			}

			seqBase := fileIndex << 32
			fileIndex++

			fileStats, err := adapter.ParseFile(path, date, seqBase, resolver.Observe)
			if err != nil {
				return nil, nil, stats, fmt.Errorf("parse %s: %w", path, err)
			}
			stats.Add(fileStats)
		}
	}

	return resolver, sources, stats, nil
}

// VerifyPartition re-reads a committed partition and checks it against the
// recorded manifest.
func (w *Writer) VerifyPartition(ctx context.Context, date time.Time) error {
	summary, err := w.Store.GetPartition(ctx, date)
	if err != nil {
		return fmt.Errorf("get partition manifest: %w", err)
	}
	if summary == nil {
		return fmt.Errorf("no committed partition for %s", date.Format(time.DateOnly))
	}

	rows, err := w.Store.ReadPartition(ctx, date)
	if err != nil {
		return fmt.Errorf("read partition %s: %w", date.Format(time.DateOnly), err)
	}
	if uint64(len(rows)) != summary.RowCount {
		return fmt.Errorf("partition %s has %d rows, manifest records %d",
			date.Format(time.DateOnly), len(rows), summary.RowCount)
	}

	resolver := NewResolver(date)
	for i := range rows {
		if err := resolver.Observe(&rows[i]); err != nil {
			return err
		}
	}
	if got := resolver.Checksum(); got != summary.Checksum {
		return fmt.Errorf("partition %s checksum mismatch: computed %d, manifest %d",
			date.Format(time.DateOnly), got, summary.Checksum)
	}
	return nil
}
