package channelmanager

import (
	"context"
	"math/big"

	"github.com/graphprotocol/graph-payments/gpperrors"
	"github.com/graphprotocol/graph-payments/gpptypes"
	"github.com/graphprotocol/graph-payments/insights"
	"github.com/graphprotocol/graph-payments/wallet"
)

// ensureAllocation implements spec.md §4.3's provisioning algorithm: clamp
// capacity, probe/sync the ledger, look up active channels, retry
// readying channels, then create whatever's missing.
func (m *Manager) ensureAllocation(ctx context.Context, allocation gpptypes.Allocation, capacity int) error {
	capacity = clamp(capacity, m.cfg.MaxCapacity())

	var ledgerID gpptypes.Destination
	if m.cfg.UseLedger {
		id, err := m.probeAndSyncLedger(ctx, allocation)
		if err != nil {
			return err
		}
		ledgerID = id
	}

	active, err := m.cache.ActiveChannels(ctx, allocation.ID)
	if err != nil {
		return err
	}

	readying, err := m.cache.ReadyingChannels(ctx, allocation.ID)
	if err != nil {
		return err
	}
	if len(readying) > 0 {
		if _, err := m.syncChannelsFor(ctx, allocation.ID, readying); err != nil {
			return err
		}
		// Re-read active channels; some of the readying channels may
		// have become acquirable.
		active, err = m.cache.ActiveChannels(ctx, allocation.ID)
		if err != nil {
			return err
		}
	}

	channelsRequired := capacity - len(active)
	if channelsRequired <= 0 {
		return nil
	}

	if m.cfg.UseLedger && len(ledgerID) == 0 {
		id, err := m.openLedger(ctx, allocation)
		if err != nil {
			return err
		}
		ledgerID = id
	}

	startState := wallet.StartState{
		Participants:      []gpptypes.Address{m.wallet.GetSigningAddress(), allocation.IndexerAddr},
		AssetHolder:       m.cfg.AssetHolderAddress,
		AppAddress:        m.cfg.AttestationAppAddress,
		ChainID:           m.cfg.ChainID,
		Amount:            new(big.Int).SetUint64(m.cfg.PaymentChannelFundingAmount),
		ChallengeDuration: m.cfg.ChallengeDuration.PaymentChannel,
		LedgerChannelID:   ledgerID,
		UseLedgerChannel:  m.cfg.UseLedger,
	}

	chunkSize := m.cfg.ChannelCreateChunkSize
	if chunkSize <= 0 {
		chunkSize = channelsRequired
	}
	for remaining := channelsRequired; remaining > 0; {
		n := remaining
		if n > chunkSize {
			n = chunkSize
		}
		remaining -= n

		createResult, err := m.wallet.CreateChannels(ctx, startState, n)
		if err != nil {
			return gpperrors.ProtocolViolation("ChannelManager.ensureAllocation", err)
		}
		if len(createResult.Outbox) != 1 {
			return gpperrors.ProtocolViolation("ChannelManager.ensureAllocation", errWrongOutboxCardinality)
		}

		m.bus.Post(insights.Event{
			Kind:      insights.ChannelsCreated,
			Snapshots: snapshotsOf(createResult.ChannelResults),
		})

		channelIDs := make([]gpptypes.Destination, len(createResult.ChannelResults))
		for i, cr := range createResult.ChannelResults {
			channelIDs[i] = cr.ChannelID
		}

		running, err := m.ensureObjectives(ctx, createResult.NewObjectives, channelIDs, createResult.Outbox[0])
		if err != nil {
			return err
		}

		if _, err := m.cache.InsertChannels(ctx, allocation.ID, running); err != nil {
			return err
		}
		m.bus.Post(insights.Event{Kind: insights.ChannelsReady, Snapshots: snapshotsOf(running)})
	}

	return nil
}

// probeAndSyncLedger looks up an existing ledger channel for the
// allocation and, if found, synchronises it (it may be behind). Returns a
// zero-value Destination if no ledger exists yet.
func (m *Manager) probeAndSyncLedger(ctx context.Context, allocation gpptypes.Allocation) (gpptypes.Destination, error) {
	ledgers, err := m.cache.GetLedgerChannels(ctx, allocation.ID)
	if err != nil {
		return nil, err
	}
	if len(ledgers) == 0 {
		return nil, nil
	}

	ledger := ledgers[0]
	syncResult, err := m.wallet.SyncChannel(ctx, ledger.ChannelID)
	if err != nil {
		return nil, gpperrors.ProtocolViolation("ChannelManager.probeAndSyncLedger", err)
	}
	if len(syncResult.Outbox) == 1 {
		if _, err := m.runExchange(ctx, syncResult.Outbox[0]); err != nil {
			return nil, err
		}
	}
	return ledger.ChannelID, nil
}

// openLedger creates a fresh ledger channel for the allocation (spec.md
// §4.3.1): all funds to the gateway, zero to the indexer-destination at
// creation time, then drives the handshake to completion.
func (m *Manager) openLedger(ctx context.Context, allocation gpptypes.Allocation) (gpptypes.Destination, error) {
	params := wallet.LedgerParams{
		Participants:      []gpptypes.Address{m.wallet.GetSigningAddress(), allocation.IndexerAddr},
		AssetHolder:       m.cfg.AssetHolderAddress,
		ChallengeDuration: m.cfg.ChallengeDuration.LedgerChannel,
		AllocationItems: []wallet.AllocationItem{
			{Destination: m.wallet.GetSigningAddress(), Amount: new(big.Int).SetUint64(m.cfg.FundsPerAllocation)},
			{Destination: allocation.IndexerAddr, Amount: big.NewInt(0)},
		},
	}

	strategy := wallet.Direct
	if m.cfg.FundingStrategy == FundingFake {
		strategy = wallet.Fake
	}

	result, err := m.wallet.CreateLedgerChannel(ctx, params, strategy)
	if err != nil {
		return nil, gpperrors.ProtocolViolation("ChannelManager.openLedger", err)
	}

	if err := m.cache.InsertLedgerChannel(ctx, allocation.ID, result.ChannelResult.ChannelID, result.ChannelResult.Outcome); err != nil {
		return nil, err
	}

	if len(result.Outbox) == 1 {
		if _, err := m.runExchange(ctx, result.Outbox[0]); err != nil {
			return nil, err
		}
	}

	return result.ChannelResult.ChannelID, nil
}

func snapshotsOf(results []gpptypes.ChannelResult) []insights.Snapshot {
	out := make([]insights.Snapshot, len(results))
	for i, r := range results {
		out[i] = insights.Snapshot{
			ChannelID: r.ChannelID,
			ContextID: r.ContextID,
			TurnNum:   r.TurnNum,
			Outcome:   r.Outcome,
		}
	}
	return out
}
