package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/marketlens/fillx/app/aggregator"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app := aggregator.Initialize(ctx)

	app.Start(ctx)
}
