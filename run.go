package repnet

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Run ticks the Registry tickRate times per second until ctx is done,
// then closes every Driver
func (r *Registry) Run(ctx context.Context, tickRate int, log *zap.Logger) error {
	if tickRate <= 0 {
		tickRate = 30
	}
	if log == nil {
		log = zap.NewNop()
	}

	budget := time.Second / time.Duration(tickRate)
	ticker := time.NewTicker(budget)
	defer ticker.Stop()

	last := r.clock.Now()
	for {
		select {
		case <-ctx.Done():
			log.Info("stopping drivers", zap.Duration("uptime", r.Uptime()))
			return r.CloseAll()
		case <-ticker.C:
			now := r.clock.Now()
			dt := now.Sub(last)
			if dt <= 0 {
				dt = budget
			}
			last = now

			if err := r.Tick(dt); err != nil {
				log.Warn("tick", zap.Error(err))
			}

			if took := r.clock.Now().Sub(now); took > budget {
				log.Debug("tick over budget", zap.Duration("took", took), zap.Duration("budget", budget))
			}
		}
	}
}
