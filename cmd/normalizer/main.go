package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/marketlens/fillx/app/normalizer"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app := normalizer.Initialize(ctx)

	app.Start(ctx)
}
