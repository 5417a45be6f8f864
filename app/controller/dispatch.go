package controller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	aggregatorworkflow "github.com/marketlens/fillx/pkg/aggregator/workflow"
	normalizerworkflow "github.com/marketlens/fillx/pkg/normalizer/workflow"
	"github.com/marketlens/fillx/pkg/normalizer/types"
)

// Dispatch runs one pipeline pass: a normalize workflow per registry date,
// then one aggregate rebuild once every date settled. Dates are independent,
// so they fan out over the worker pool; a failed date (overlap error) is
// logged and skipped, its siblings still publish.
func (a *App) Dispatch(ctx context.Context) error {
	start := time.Now()
	dates := a.Registry.AllDates()

	var dispatched, failed atomic.Int32

	pool := pond.NewPool(a.MaxWorkers, pond.WithQueueSize(len(dates)))
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, date := range dates {
		d := date

		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				return
			}

			// Deterministic workflow ID per date collapses concurrent ticks
			// onto one running execution.
			wfID := a.TemporalClient.GetNormalizeDateWorkflowID(d)
			options := client.StartWorkflowOptions{
				ID:                       wfID,
				TaskQueue:                a.TemporalClient.NormalizeQueue,
				WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
				RetryPolicy: &sdktemporal.RetryPolicy{
					InitialInterval:    time.Second,
					BackoffCoefficient: 2.0,
					MaximumInterval:    time.Minute,
					MaximumAttempts:    3,
				},
			}

			run, err := a.TemporalClient.TClient.ExecuteWorkflow(
				groupCtx, options,
				normalizerworkflow.NormalizeDateWorkflowName,
				types.NormalizeDateInput{Date: d.Format(time.DateOnly)},
			)
			if err != nil {
				var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
				if errors.As(err, &alreadyStarted) {
					dispatched.Add(1) // another tick owns it
					return
				}
				a.Logger.Warn("failed to dispatch normalize workflow",
					zap.String("date", d.Format(time.DateOnly)),
					zap.Error(err))
				failed.Add(1)
				return
			}

			if err := run.Get(groupCtx, nil); err != nil {
				a.Logger.Warn("normalize workflow failed",
					zap.String("date", d.Format(time.DateOnly)),
					zap.Error(err))
				failed.Add(1)
				return
			}
			dispatched.Add(1)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		a.Logger.Warn("dispatch group encountered error", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.Logger.Info("normalize pass finished",
		zap.Int32("dates", dispatched.Load()),
		zap.Int32("failed", failed.Load()),
		zap.Duration("elapsed", time.Since(start)))

	return a.dispatchRebuild(ctx)
}

// dispatchRebuild triggers one aggregate rebuild and waits for it.
func (a *App) dispatchRebuild(ctx context.Context) error {
	options := client.StartWorkflowOptions{
		ID:                       a.TemporalClient.GetRebuildWorkflowID(time.Now().Unix()),
		TaskQueue:                a.TemporalClient.ReportsQueue,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}

	run, err := a.TemporalClient.TClient.ExecuteWorkflow(
		ctx, options, aggregatorworkflow.RebuildAggregatesWorkflowName)
	if err != nil {
		return fmt.Errorf("dispatch rebuild workflow: %w", err)
	}
	if err := run.Get(ctx, nil); err != nil {
		return fmt.Errorf("rebuild workflow: %w", err)
	}

	a.Logger.Info("aggregate rebuild finished")
	return nil
}
