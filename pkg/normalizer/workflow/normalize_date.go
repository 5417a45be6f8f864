package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/marketlens/fillx/pkg/normalizer/activity"
	"github.com/marketlens/fillx/pkg/normalizer/types"
)

// NormalizeDateWorkflowName is used by the controller when dispatching.
const NormalizeDateWorkflowName = "NormalizeDateWorkflow"

// NormalizeDateWorkflow builds one date's partition: skip check, build with
// atomic publish, event announcement. Failures retry except overlap
// resolution errors, which are terminal for the date and leave sibling dates
// untouched.
func (wc *Context) NormalizeDateWorkflow(ctx workflow.Context, in types.NormalizeDateInput) error {
	retry := &temporal.RetryPolicy{
		InitialInterval:        time.Second,
		BackoffCoefficient:     2.0,
		MaximumInterval:        time.Minute,
		MaximumAttempts:        10,
		NonRetryableErrorTypes: []string{activity.OverlapErrorType},
	}

	info := workflow.GetInfo(ctx)
	ao := workflow.ActivityOptions{
		// Heavy dates decompress tens of gigabytes of raw files.
		StartToCloseTimeout: 30 * time.Minute,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy:         retry,
		TaskQueue:           info.TaskQueueName,
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var prepareOut types.PrepareDateOutput
	if err := workflow.ExecuteActivity(ctx, wc.ActivityContext.PrepareDate, in).Get(ctx, &prepareOut); err != nil {
		return err
	}
	if prepareOut.Skip {
		return nil
	}

	var buildOut types.BuildPartitionOutput
	if err := workflow.ExecuteActivity(ctx, wc.ActivityContext.BuildPartition, in).Get(ctx, &buildOut); err != nil {
		return err
	}

	return workflow.ExecuteActivity(ctx, wc.ActivityContext.PublishCommitted, in, buildOut).Get(ctx, nil)
}
