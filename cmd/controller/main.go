package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/marketlens/fillx/app/controller"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := controller.Initialize(ctx)
	if err != nil {
		panic(err)
	}

	// Immediate pass before cron
	go app.DispatchOnce(ctx)

	// Start cron scheduler
	app.StartCron()

	// Setup server
	app.SetupServer()

	// Start server
	app.Start(ctx)
}
