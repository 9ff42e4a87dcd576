package main

import (
	"os"

	"github.com/HimbeerserverDE/repnet"
	"go.uber.org/zap"
)

// End closes every driver and the store and stops the process
func End(reg *repnet.Registry, store *repnet.Store, plugins *repnet.Plugins, log *zap.Logger, crash bool) {
	log.Info("ending", zap.Float64("uptime", reg.UptimeSeconds()))

	if err := reg.CloseAll(); err != nil {
		log.Warn("close drivers", zap.Error(err))
	}

	if plugins != nil {
		plugins.Close()
	}

	if err := store.Close(); err != nil {
		log.Warn("close store", zap.Error(err))
	}

	log.Sync()

	if crash {
		os.Exit(1)
	}
	os.Exit(0)
}
