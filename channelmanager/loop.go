package channelmanager

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
)

// RunSyncLoop periodically calls SyncChannels until ctx is cancelled, the
// background-job form of the stalled-channel sweep spec.md §4.3.3 describes.
// Grounded on the teacher's own externalized ticker module, the same one
// sweep and chainntfs use for their periodic work.
func (m *Manager) RunSyncLoop(ctx context.Context, interval time.Duration, stalledFor time.Duration, opts SyncOptions) {
	tk := ticker.New(interval)
	tk.Resume()
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.Ticks():
			if _, err := m.SyncChannels(ctx, stalledFor, opts); err != nil {
				log.Warnf("background syncChannels failed: %v", err)
			}
		}
	}
}
