package query

import (
	"context"

	"go.uber.org/zap"

	"github.com/marketlens/fillx/app/query/types"
	"github.com/marketlens/fillx/pkg/db"
	"github.com/marketlens/fillx/pkg/logging"
	"github.com/marketlens/fillx/pkg/redis"
	"github.com/marketlens/fillx/pkg/utils"
)

// Initialize initializes the application.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	fillsDb, reportsDb, basicDbsErr := db.NewBasicDbs(ctx, logger, "query")
	if basicDbsErr != nil {
		logger.Fatal("Unable to initialize basic databases", zap.Error(basicDbsErr))
	}

	// Redis backs the result cache and websocket events (optional)
	var redisClient *redis.Client
	if utils.Env("REDIS_ENABLED", "false") == "true" {
		redisClient, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - result caching and real-time events disabled",
				zap.Error(err))
			redisClient = nil
		}
	}

	return &types.App{
		FillsDB:     fillsDb,
		ReportsDB:   reportsDb,
		RedisClient: redisClient,
		Logger:      logger,
	}
}
