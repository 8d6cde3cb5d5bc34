package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mpetrun5/txpilot/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runner := app.NewRunner()
	os.Exit(runner.RunContext(ctx, os.Args[1:]))
}
