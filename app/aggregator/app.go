package aggregator

import (
	"context"
	"time"

	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	aggpkg "github.com/marketlens/fillx/pkg/aggregator"
	"github.com/marketlens/fillx/pkg/aggregator/activity"
	"github.com/marketlens/fillx/pkg/aggregator/workflow"
	"github.com/marketlens/fillx/pkg/db"
	"github.com/marketlens/fillx/pkg/logging"
	"github.com/marketlens/fillx/pkg/redis"
	"github.com/marketlens/fillx/pkg/temporal"
	"github.com/marketlens/fillx/pkg/utils"
)

type App struct {
	Worker         worker.Worker
	TemporalClient *temporal.Client
	Logger         *zap.Logger
}

// Start starts the worker and blocks until the context is canceled.
func (a *App) Start(ctx context.Context) {
	if err := a.Worker.Start(); err != nil {
		a.Logger.Fatal("Unable to start worker", zap.Error(err))
	}
	<-ctx.Done()
	a.Stop()
}

// Stop stops the worker.
func (a *App) Stop() {
	a.Worker.Stop()
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("aggregator worker stopped")
}

// Initialize initializes the application.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	fillsDb, reportsDb, basicDbsErr := db.NewBasicDbs(ctx, logger, "aggregator")
	if basicDbsErr != nil {
		logger.Fatal("Unable to initialize basic databases", zap.Error(basicDbsErr))
	}

	if err := reportsDb.InitializeDB(ctx); err != nil {
		logger.Fatal("Unable to initialize reports database tables", zap.Error(err))
	}

	temporalClient, err := temporal.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to establish temporal connection", zap.Error(err))
	}

	var redisClient *redis.Client
	if utils.Env("REDIS_ENABLED", "false") == "true" {
		redisClient, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - generation events will be disabled",
				zap.Error(err))
			redisClient = nil
		}
	}

	var publisher aggpkg.Publisher
	if redisClient != nil {
		publisher = redisClient
	}

	builder := aggpkg.NewBuilder(logger, fillsDb, reportsDb, publisher)

	activityContext := &activity.Context{
		Logger:  logger,
		Builder: builder,
	}
	workflowContext := workflow.Context{
		TemporalClient:  temporalClient,
		ActivityContext: activityContext,
	}

	wkr := worker.New(
		temporalClient.TClient,
		temporalClient.ReportsQueue,
		worker.Options{
			// Rebuilds are serial by nature; one at a time keeps the
			// generation sequence clean.
			MaxConcurrentActivityExecutionSize: 1,
			WorkerStopTimeout:                  time.Minute,
		},
	)

	wkr.RegisterWorkflowWithOptions(
		workflowContext.RebuildAggregatesWorkflow,
		temporalworkflow.RegisterOptions{Name: workflow.RebuildAggregatesWorkflowName},
	)
	wkr.RegisterActivity(activityContext.PlanRebuild)
	wkr.RegisterActivity(activityContext.RunRebuild)

	return &App{
		Worker:         wkr,
		TemporalClient: temporalClient,
		Logger:         logger,
	}
}
