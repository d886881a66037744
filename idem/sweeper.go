package idem

import (
	"context"
	"time"

	"github.com/ceyewan/idemgate/clog"
)

// startSweeper 启动后台清理协程，周期删除已过期的持久化记录
// 通过 Close() 停止
func (i *idem) startSweeper() {
	if !i.store.sweepable() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	i.sweepCancel = cancel
	i.sweepDone = make(chan struct{})

	go func() {
		defer close(i.sweepDone)
		ticker := time.NewTicker(i.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := i.store.Sweep(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					if i.logger != nil {
						i.logger.Error("sweep failed", clog.Error(err),
							clog.String("driver", string(i.cfg.Driver)))
					}
					continue
				}
				if deleted > 0 {
					if i.logger != nil {
						i.logger.Info("swept expired records", clog.Int64("deleted", deleted))
					}
					if i.metrics.swept != nil {
						i.metrics.swept.Add(ctx, float64(deleted))
					}
				}
			}
		}
	}()
}
