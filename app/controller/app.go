package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marketlens/fillx/pkg/logging"
	"github.com/marketlens/fillx/pkg/schema"
	"github.com/marketlens/fillx/pkg/temporal"
	"github.com/marketlens/fillx/pkg/utils"
)

// App drives the pipeline: every cron tick it dispatches one normalize
// workflow per candidate date, waits for them, then triggers an aggregate
// rebuild.
type App struct {
	TemporalClient *temporal.Client
	Registry       schema.Registry

	// Cron triggers dispatch runs according to CronSpec.
	Cron     *cron.Cron
	CronSpec string

	// MaxWorkers bounds concurrent workflow dispatches per run.
	MaxWorkers int

	Logger *zap.Logger
	Server *http.Server
}

// Initialize initializes the App.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	temporalClient, err := temporal.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to establish temporal connection", zap.Error(err))
	}

	app := &App{
		TemporalClient: temporalClient,
		Registry:       schema.DefaultRegistry(),
		CronSpec:       utils.Env("DISPATCH_CRON", "0 0 * * * *"), // hourly
		MaxWorkers:     utils.EnvInt("DISPATCH_WORKERS", 16),
		Logger:         logger,
	}

	if err := app.SetupScheduler(ctx, cron.DefaultLogger, app.CronSpec); err != nil {
		return nil, err
	}

	return app, nil
}

// SetupServer sets up the HTTP server.
func (a *App) SetupServer() {
	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3002")

	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if a.Ready() {
			w.WriteHeader(200)
		} else {
			w.WriteHeader(503)
		}
	})).Methods("GET")

	a.Server = &http.Server{Addr: addr, Handler: r}
}

// SetupScheduler sets up the cron scheduler.
func (a *App) SetupScheduler(ctx context.Context, logger cron.Logger, cronSpec string) error {
	// Six-field cron expressions, seconds first.
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	_, err := a.Cron.AddFunc(cronSpec, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, 55*time.Minute)
		defer cancel()
		if err := a.Dispatch(rctx); err != nil {
			logger.Info("[controller] dispatch error", "error", err)
		}
	})
	return err
}

// StartCron starts the cron scheduler.
func (a *App) StartCron() {
	a.Cron.Start()
	a.Logger.Info("[controller] Cron started", zap.String("cronSpec", a.CronSpec))
}

// StopCron stops the cron scheduler.
func (a *App) StopCron() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
}

// DispatchOnce is a convenience wrapper for Dispatch.
func (a *App) DispatchOnce(ctx context.Context) {
	if err := a.Dispatch(ctx); err != nil {
		a.Logger.Warn("[controller] initial dispatch failed", zap.Error(err))
	}
}

// Ready indicates whether the application is ready to handle operations.
func (a *App) Ready() bool { return true }

// Start starts the application.
func (a *App) Start(ctx context.Context) {
	go func() { _ = a.Server.ListenAndServe() }()
	<-ctx.Done()
	_ = a.Server.Close()
	a.Logger.Info("[controller] shutting down")
	a.StopCron()
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("controller stopped")
}
