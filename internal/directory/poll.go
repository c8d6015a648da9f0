package directory

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartPolling reloads page 1 of the current view every PollInterval,
// independent of realtime channel health. Calling it again while running is a no-op.
func (d *Directory) StartPolling(ctx context.Context) {
	d.pollMu.Lock()
	defer d.pollMu.Unlock()
	if d.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.pollCancel = cancel
	d.pollDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(d.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.Reload(ctx); err != nil && ctx.Err() == nil {
					d.logger.Warn("conversation poll failed", zap.Error(err))
				}
			}
		}
	}()
}

// StopPolling stops the timer and waits for an in-progress poll to return. Idempotent.
func (d *Directory) StopPolling() {
	d.pollMu.Lock()
	cancel, done := d.pollCancel, d.pollDone
	d.pollCancel, d.pollDone = nil, nil
	d.pollMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Polling reports whether the polling timer is running.
func (d *Directory) Polling() bool {
	d.pollMu.Lock()
	defer d.pollMu.Unlock()
	return d.pollCancel != nil
}
