package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/marketlens/fillx/pkg/normalizer"
	"github.com/marketlens/fillx/pkg/normalizer/types"
)

// OverlapErrorType marks OverlapResolutionError application errors. The
// workflow must not retry these: the raw inputs are contradictory and a rerun
// resolves nothing.
const OverlapErrorType = "overlap_resolution_error"

func parseDate(s string) (time.Time, error) {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return d, nil
}

// PrepareDate checks whether the date's partition needs building at all.
func (c *Context) PrepareDate(ctx context.Context, in types.NormalizeDateInput) (types.PrepareDateOutput, error) {
	start := time.Now()

	date, err := parseDate(in.Date)
	if err != nil {
		return types.PrepareDateOutput{}, err
	}

	if in.Force {
		return types.PrepareDateOutput{
			DurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
		}, nil
	}

	skip, reason, err := c.Writer.ShouldSkip(ctx, date)
	if err != nil {
		return types.PrepareDateOutput{}, err
	}

	return types.PrepareDateOutput{
		Skip:       skip,
		Reason:     reason,
		DurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

// BuildPartition parses, resolves and atomically publishes one date's
// partition. Idempotent: retries rebuild from the raw files and replace the
// partition wholesale.
func (c *Context) BuildPartition(ctx context.Context, in types.NormalizeDateInput) (types.BuildPartitionOutput, error) {
	date, err := parseDate(in.Date)
	if err != nil {
		return types.BuildPartitionOutput{}, err
	}

	res, err := c.Writer.BuildDate(ctx, date, in.Force)
	if err != nil {
		var overlapErr *normalizer.OverlapError
		if errors.As(err, &overlapErr) {
			detail, _ := json.Marshal(overlapErr)
			return types.BuildPartitionOutput{}, temporal.NewNonRetryableApplicationError(
				overlapErr.Error(), OverlapErrorType, err, string(detail))
		}
		return types.BuildPartitionOutput{}, err
	}

	return types.BuildPartitionOutput{
		Rows:       res.Rows,
		Checksum:   res.Checksum,
		Version:    res.Version,
		Sources:    res.Sources,
		Records:    res.Stats.Records,
		Malformed:  res.Stats.Malformed,
		Skipped:    res.Skipped,
		DurationMs: res.DurationMs,
	}, nil
}

// PublishCommitted announces the new partition over Redis. Best-effort and
// non-critical: a missing broker never fails the build.
func (c *Context) PublishCommitted(ctx context.Context, in types.NormalizeDateInput, build types.BuildPartitionOutput) error {
	if c.Redis == nil || build.Skipped {
		return nil
	}

	event := types.PartitionCommittedEvent{
		Event:     "partition.committed",
		Date:      in.Date,
		Rows:      build.Rows,
		Version:   build.Version,
		Sources:   build.Sources,
		Timestamp: time.Now().UTC(),
	}
	raw, err := json.Marshal(event)
	if err != nil {
		c.Logger.Warn("partition event not serializable", zap.Error(err))
		return nil
	}

	c.Redis.Publish(ctx, types.PartitionCommittedChannel, string(raw))
	return nil
}
