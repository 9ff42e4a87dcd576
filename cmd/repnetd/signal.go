package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// notifyContext returns a context cancelled on SIGINT or SIGTERM
func notifyContext(parent context.Context, log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(signalChan)

		select {
		case <-signalChan:
			log.Info("caught SIGINT or SIGTERM, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
