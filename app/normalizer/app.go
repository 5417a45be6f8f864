package normalizer

import (
	"context"
	"time"

	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/marketlens/fillx/pkg/db"
	"github.com/marketlens/fillx/pkg/logging"
	normpkg "github.com/marketlens/fillx/pkg/normalizer"
	"github.com/marketlens/fillx/pkg/normalizer/activity"
	"github.com/marketlens/fillx/pkg/normalizer/workflow"
	"github.com/marketlens/fillx/pkg/redis"
	"github.com/marketlens/fillx/pkg/schema"
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
	a.Logger.Info("normalizer worker stopped")
}

// Initialize initializes the application.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	fillsDb, _, basicDbsErr := db.NewBasicDbs(ctx, logger, "normalizer")
	if basicDbsErr != nil {
		logger.Fatal("Unable to initialize basic databases", zap.Error(basicDbsErr))
	}

	if err := fillsDb.InitializeDB(ctx); err != nil {
		logger.Fatal("Unable to initialize fills database tables", zap.Error(err))
	}

	temporalClient, err := temporal.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to establish temporal connection", zap.Error(err))
	}

	rawRoot := utils.Env("RAW_ROOT", "")
	if rawRoot == "" {
		logger.Fatal("RAW_ROOT environment variable is required")
	}
	maxBadRatio := utils.EnvFloat("MAX_BAD_RECORD_RATIO", 0.01)

	var redisClient *redis.Client
	if utils.Env("REDIS_ENABLED", "false") == "true" {
		redisClient, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - partition events will be disabled",
				zap.Error(err))
			redisClient = nil
		}
	}

	writer := normpkg.NewWriter(logger, fillsDb, schema.DefaultRegistry(), rawRoot, maxBadRatio)

	activityContext := &activity.Context{
		Logger: logger,
		Writer: writer,
		Redis:  redisClient,
	}
	workflowContext := workflow.Context{
		TemporalClient:  temporalClient,
		ActivityContext: activityContext,
	}

	wkr := worker.New(
		temporalClient.TClient,
		temporalClient.NormalizeQueue,
		worker.Options{
			// Date builds are heavyweight; bound concurrency by dates, not
			// by the temporal defaults.
			MaxConcurrentActivityExecutionSize:     utils.EnvInt("NORMALIZE_CONCURRENCY", 8),
			MaxConcurrentWorkflowTaskExecutionSize: 64,
			WorkerStopTimeout:                      time.Minute,
		},
	)

	wkr.RegisterWorkflowWithOptions(
		workflowContext.NormalizeDateWorkflow,
		temporalworkflow.RegisterOptions{Name: workflow.NormalizeDateWorkflowName},
	)
	wkr.RegisterActivity(activityContext.PrepareDate)
	wkr.RegisterActivity(activityContext.BuildPartition)
	wkr.RegisterActivity(activityContext.PublishCommitted)

	return &App{
		Worker:         wkr,
		TemporalClient: temporalClient,
		Logger:         logger,
	}
}
