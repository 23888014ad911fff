// Command server runs the repair scheduler next to a small ops HTTP server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gitshopapp/fulfillment/app"
	"github.com/gitshopapp/fulfillment/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	once := flag.Bool("once", false, "run every queued repair to completion and exit")
	flag.Parse()

	fallbackLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	application, err := app.New()
	if err != nil {
		fallbackLogger.Error("failed to initialize app", "error", err)
		return 1
	}
	defer application.Close()

	if *once {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := application.Scheduler.Drain(ctx); err != nil {
			application.Logger.Error("repair run interrupted", "error", err)
			return 1
		}
		return 0
	}

	srv, err := server.New(application.Config.Port, application.Logger, application.Handlers)
	if err != nil {
		application.Logger.Error("failed to initialize server", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedulerDone := make(chan error, 1)
	go func() {
		schedulerDone <- application.Scheduler.Run(ctx)
	}()

	code := 0
	if err := srv.Run(ctx); err != nil {
		application.Logger.Error("server failed", "error", err)
		code = 1
	}
	// A failed server takes the scheduler down with it.
	stop()

	select {
	case err := <-schedulerDone:
		if err != nil {
			application.Logger.Error("scheduler stopped", "error", err)
			code = 1
		}
	case <-time.After(30 * time.Second):
		application.Logger.Error("scheduler did not stop in time")
		code = 1
	}
	return code
}
