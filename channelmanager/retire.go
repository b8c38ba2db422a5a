package channelmanager

import (
	"context"

	"github.com/graphprotocol/graph-payments/gpperrors"
	"github.com/graphprotocol/graph-payments/gpptypes"
	"github.com/graphprotocol/graph-payments/insights"
	"github.com/graphprotocol/graph-payments/internal/workpool"
)

// closeRetired closes every retired-but-not-yet-closed channel, fanned out
// cfg.CloseRetiredAllocationConcurrency allocations at a time, each
// allocation's channels chunked by cfg.CloseChunkSize and closed
// cfg.CloseRetiredChannelConcurrency chunks at a time (spec.md §5's 6x6
// fan-out).
func (m *Manager) closeRetired(ctx context.Context) error {
	byAllocation, err := m.cache.ClosableChannels(ctx)
	if err != nil {
		return err
	}
	if len(byAllocation) == 0 {
		return nil
	}

	allocationIDs := make([]string, 0, len(byAllocation))
	for id := range byAllocation {
		allocationIDs = append(allocationIDs, id)
	}

	errs := workpool.RunErr(len(allocationIDs), m.cfg.CloseRetiredAllocationConcurrency, func(i int) error {
		return m.closeRetiredForAllocation(ctx, byAllocation[allocationIDs[i]])
	})
	return firstErr(errs)
}

func (m *Manager) closeRetiredForAllocation(ctx context.Context, channelIDs []gpptypes.Destination) error {
	chunkSize := m.cfg.CloseChunkSize
	if chunkSize <= 0 {
		chunkSize = len(channelIDs)
	}

	var chunks [][]gpptypes.Destination
	for start := 0; start < len(channelIDs); start += chunkSize {
		end := start + chunkSize
		if end > len(channelIDs) {
			end = len(channelIDs)
		}
		chunks = append(chunks, channelIDs[start:end])
	}

	errs := workpool.RunErr(len(chunks), m.cfg.CloseRetiredChannelConcurrency, func(i int) error {
		chunk := chunks[i]

		closeResult, err := m.wallet.CloseChannels(ctx, chunk)
		if err != nil {
			return gpperrors.ProtocolViolation("ChannelManager.closeRetired", err)
		}
		for _, payload := range closeResult.Outbox {
			if _, err := m.runExchange(ctx, payload); err != nil {
				return err
			}
		}

		if err := m.cache.RemoveChannels(ctx, chunk); err != nil {
			return err
		}

		snapshots := make([]insights.Snapshot, len(chunk))
		for i, id := range chunk {
			snapshots[i] = insights.Snapshot{ChannelID: id}
		}
		m.bus.Post(insights.Event{Kind: insights.ChannelsClosed, Snapshots: snapshots})
		return nil
	})
	return firstErr(errs)
}
