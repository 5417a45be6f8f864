package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/marketlens/fillx/pkg/aggregator"
	"github.com/marketlens/fillx/pkg/aggregator/activity"
)

// RebuildAggregatesWorkflowName is used by the controller when dispatching.
const RebuildAggregatesWorkflowName = "RebuildAggregatesWorkflow"

// RebuildAggregatesWorkflow plans and runs one aggregate rebuild. The plan
// escalates republished overlap dates to a full rebuild; a no-op plan commits
// nothing and leaves the current generation in place.
func (c *Context) RebuildAggregatesWorkflow(ctx workflow.Context) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
		TaskQueue: c.TemporalClient.ReportsQueue,
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var plan activity.PlanRebuildOutput
	if err := workflow.ExecuteActivity(ctx, c.ActivityContext.PlanRebuild).Get(ctx, &plan); err != nil {
		return err
	}
	if plan.Mode == "" {
		return nil
	}

	var out aggregator.BuildOutput
	in := activity.RunRebuildInput{Mode: plan.Mode, Dates: plan.Dates}
	return workflow.ExecuteActivity(ctx, c.ActivityContext.RunRebuild, in).Get(ctx, &out)
}
