package channelmanager

import (
	"context"
	"time"

	"github.com/graphprotocol/graph-payments/gpperrors"
	"github.com/graphprotocol/graph-payments/gpptypes"
	"github.com/graphprotocol/graph-payments/wallet"
)

// ensureObjectives drives a set of newly-created objectives (one per
// channel) to completion, per spec.md §4.3.2: run the initial exchange,
// then retry on the configured backoff schedule: after each delay, while
// any objective is still pending, re-sync each of channelIDs in turn and
// run the exchange its sync produces.
func (m *Manager) ensureObjectives(ctx context.Context, objectiveIDs []wallet.ObjectiveID, channelIDs []gpptypes.Destination, initial wallet.Payload) ([]gpptypes.ChannelResult, error) {
	pending := make(map[wallet.ObjectiveID]bool, len(objectiveIDs))
	for _, id := range objectiveIDs {
		pending[id] = true
	}

	// successCh is scoped to exactly these objectiveIDs, so a concurrent
	// ensureObjectives call (EnsureAllocationsConcurrency, spec.md §5)
	// driving a different allocation's objectives can never consume an
	// event meant for this one.
	successCh := m.wallet.ObjectiveSuccess(objectiveIDs)

	// Drain any objective-success events that arrive concurrently with
	// the exchanges below; this mirrors the teacher's engine.Run select
	// loop folding a persistent event channel into mutable state.
	drain := func() {
		for {
			select {
			case id := <-successCh:
				delete(pending, id)
			default:
				return
			}
		}
	}

	collected := make(map[string]gpptypes.ChannelResult)
	merge := func(results []gpptypes.ChannelResult) {
		for _, r := range results {
			collected[r.ChannelID.String()] = r
		}
	}

	results, err := m.runExchange(ctx, initial)
	if err != nil {
		return nil, err
	}
	merge(results)
	drain()

	for _, delay := range m.cfg.BackoffStrategy.Schedule() {
		if len(pending) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			return valuesOf(collected), ctx.Err()
		case <-time.After(delay):
		}

		for _, channelID := range channelIDs {
			if len(pending) == 0 {
				break
			}
			syncResult, err := m.wallet.SyncChannel(ctx, channelID)
			if err != nil {
				return valuesOf(collected), gpperrors.ProtocolViolation("ChannelManager.ensureObjectives", err)
			}
			collected[syncResult.ChannelResult.ChannelID.String()] = syncResult.ChannelResult

			if len(syncResult.Outbox) == 1 {
				more, err := m.runExchange(ctx, syncResult.Outbox[0])
				if err != nil {
					return valuesOf(collected), err
				}
				merge(more)
			}
		}
		drain()
	}

	if len(pending) > 0 {
		ids := make([]string, 0, len(pending))
		for id := range pending {
			ids = append(ids, string(id))
		}
		return valuesOf(collected), gpperrors.ObjectivesNotCompleted("ChannelManager.ensureObjectives", ids)
	}

	return valuesOf(collected), nil
}

func valuesOf(m map[string]gpptypes.ChannelResult) []gpptypes.ChannelResult {
	out := make([]gpptypes.ChannelResult, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
