package channelmanager

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/graphprotocol/graph-payments/gpptypes"
	"github.com/graphprotocol/graph-payments/insights"
	"github.com/graphprotocol/graph-payments/internal/workpool"
)

// SyncOptions narrows SyncChannels' scope, per spec.md §4.3.3.
type SyncOptions struct {
	// Limit bounds how many stalled channels are considered per
	// allocation; 0 means unbounded.
	Limit int
	// AllocationIDs restricts the scan to these allocations; empty means
	// every allocation with at least one stalled channel.
	AllocationIDs []gpptypes.Destination
}

// SyncChannels finds channels that have been stalled (even turnNum, not
// retired) for at least stalledFor, and drives a sync exchange on each,
// concurrency-capped at cfg.SyncChannelsConcurrency per allocation. Per
// spec.md §4.3.3 step 4, any failure within an allocation's sync round
// retires every channel of that allocation — the peer is presumed
// uncooperative — rather than leaving a partially-synced allocation in
// limbo.
func (m *Manager) SyncChannels(ctx context.Context, stalledFor time.Duration, opts SyncOptions) ([]gpptypes.Destination, error) {
	allocationIDs := opts.AllocationIDs
	if len(allocationIDs) == 0 {
		active, err := m.cache.ActiveAllocations(ctx, nil)
		if err != nil {
			return nil, err
		}
		for idStr := range active {
			id, err := gpptypes.ParseDestination(idStr)
			if err != nil {
				continue
			}
			allocationIDs = append(allocationIDs, id)
		}
	}

	var synced []gpptypes.Destination
	for _, allocationID := range allocationIDs {
		stalled, err := m.cache.StalledChannels(ctx, stalledFor, opts.Limit, allocationID)
		if err != nil {
			return synced, err
		}
		if len(stalled) == 0 {
			continue
		}

		ok, err := m.syncChannelsFor(ctx, allocationID, stalled)
		if err != nil {
			return synced, err
		}
		synced = append(synced, ok...)
	}

	if len(synced) > 0 {
		snapshots := make([]insights.Snapshot, len(synced))
		for i, id := range synced {
			snapshots[i] = insights.Snapshot{ChannelID: id}
		}
		m.bus.Post(insights.Event{Kind: insights.ChannelsSynced, Snapshots: snapshots})
	}

	return synced, nil
}

// syncChannelsFor drives one sync round-trip per channelID, fanning out at
// cfg.SyncChannelsConcurrency. If any of them fails (the wallet sync call,
// the resulting exchange, or the receipt write-through), the whole
// allocation is retired via cache.RetireChannels — a row flip that
// closeRetired's normal sweep later closes through the wallet, rather than
// a hard delete that would leave the wallet holding state the cache no
// longer tracks.
func (m *Manager) syncChannelsFor(ctx context.Context, allocationID gpptypes.Destination, channelIDs []gpptypes.Destination) ([]gpptypes.Destination, error) {
	type outcome struct {
		id gpptypes.Destination
		ok bool
	}
	outcomes := make([]outcome, len(channelIDs))
	var failures int32

	workpool.Run(len(channelIDs), m.cfg.SyncChannelsConcurrency, func(i int) {
		channelID := channelIDs[i]

		syncResult, err := m.wallet.SyncChannel(ctx, channelID)
		if err != nil {
			log.Warnf("sync failed for channel %s: %v", channelID, err)
			atomic.AddInt32(&failures, 1)
			return
		}

		if len(syncResult.Outbox) == 1 {
			if _, err := m.runExchange(ctx, syncResult.Outbox[0]); err != nil {
				log.Warnf("sync exchange failed for channel %s: %v", channelID, err)
				atomic.AddInt32(&failures, 1)
				return
			}
		}

		if syncResult.ChannelResult.TurnNum >= gpptypes.InitialRunningTurnNum && syncResult.ChannelResult.TurnNum%2 == 1 {
			if _, err := m.cache.SubmitReceipt(ctx, syncResult.ChannelResult); err != nil {
				log.Warnf("submitReceipt failed for channel %s: %v", channelID, err)
				atomic.AddInt32(&failures, 1)
				return
			}
		}

		outcomes[i] = outcome{id: channelID, ok: true}
	})

	if atomic.LoadInt32(&failures) > 0 {
		report, err := m.cache.RetireChannels(ctx, allocationID)
		if err != nil {
			return nil, err
		}
		log.Infof("retired allocation %s after %d/%d unresponsive stalled channel(s): %d channel(s) retired, balance=%s",
			allocationID, failures, len(channelIDs), len(report.ChannelIDs), report.Amount)
		return nil, nil
	}

	var synced []gpptypes.Destination
	for _, o := range outcomes {
		if o.ok {
			synced = append(synced, o.id)
		}
	}
	return synced, nil
}
