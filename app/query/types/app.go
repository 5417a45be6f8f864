package types

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marketlens/fillx/pkg/db"
	"github.com/marketlens/fillx/pkg/redis"
)

type App struct {
	FillsDB   db.FillStore
	ReportsDB db.ReportStore
	// RedisClient is optional; nil disables the result cache and websocket
	// events, queries then always hit ClickHouse.
	RedisClient *redis.Client
	// Zap Logger
	Logger *zap.Logger
	// Server handles incoming client requests.
	Server *http.Server
}

// Start starts the application.
func (a *App) Start(ctx context.Context) {
	go func() { _ = a.Server.ListenAndServe() }()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.ReportsDB.Close(); err != nil {
		a.Logger.Error("Failed to close database connection", zap.Error(err))
	}
	if err := a.FillsDB.Close(); err != nil {
		a.Logger.Error("Failed to close database connection", zap.Error(err))
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Logger.Error("Failed to close redis connection", zap.Error(err))
		}
	}

	_ = a.Server.Shutdown(shutdownCtx)
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("query service stopped")
}
