package activity

import (
	"context"
	"time"

	"github.com/marketlens/fillx/pkg/aggregator"
)

// PlanRebuildOutput is the decision of what, if anything, to rebuild.
type PlanRebuildOutput struct {
	Mode  string   `json:"mode"` // "", "full" or "incremental"
	Dates []string `json:"dates,omitempty"`
}

// RunRebuildInput carries a plan into the rebuild activity.
type RunRebuildInput struct {
	Mode  string   `json:"mode"`
	Dates []string `json:"dates,omitempty"`
}

// PlanRebuild compares the partition set against the current generation and
// picks a rebuild mode. Empty mode means the aggregates are already current.
func (c *Context) PlanRebuild(ctx context.Context) (PlanRebuildOutput, error) {
	mode, dates, err := c.Builder.PlanMode(ctx)
	if err != nil {
		return PlanRebuildOutput{}, err
	}

	out := PlanRebuildOutput{Mode: mode}
	for _, d := range dates {
		out.Dates = append(out.Dates, d.Format(time.DateOnly))
	}
	return out, nil
}

// RunRebuild executes a planned rebuild and commits the new generation.
func (c *Context) RunRebuild(ctx context.Context, in RunRebuildInput) (*aggregator.BuildOutput, error) {
	if in.Mode == aggregator.ModeIncremental {
		dates := make([]time.Time, 0, len(in.Dates))
		for _, s := range in.Dates {
			d, err := time.Parse(time.DateOnly, s)
			if err != nil {
				return nil, err
			}
			dates = append(dates, d)
		}
		return c.Builder.BuildIncremental(ctx, dates)
	}
	return c.Builder.BuildFull(ctx)
}
