// Package paymentmanager implements one-shot payment construction: lease a
// channel, apply the attestation-app state transition, hand the result to
// the wallet, and release the channel back to the free pool. Grounded on
// the teacher's htlcswitch forwarding path (acquire a link, build the next
// hop's update, release), narrowed here to a single leased row instead of a
// routed hop chain.
package paymentmanager

import (
	"context"
	"errors"
	"math/big"

	"github.com/btcsuite/btclog"
	"github.com/google/uuid"

	"github.com/graphprotocol/graph-payments/attestationapp"
	"github.com/graphprotocol/graph-payments/build"
	"github.com/graphprotocol/graph-payments/channelcache"
	"github.com/graphprotocol/graph-payments/gpperrors"
	"github.com/graphprotocol/graph-payments/gpptypes"
	"github.com/graphprotocol/graph-payments/wallet"
)

var log btclog.Logger = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(backend *btclog.Backend) {
	log = build.NewSubLogger("PAYM", backend)
}

var errWrongOutboxCardinality = errors.New("paymentmanager: wallet returned an unexpected outbox cardinality")

// Payment is the parameter set createPayment consumes.
type Payment struct {
	AllocationID gpptypes.Destination
	Amount       *big.Int
	RequestCID   string
	SubgraphID   string
}

// Receipt is the result of createPayment: the payload to send the indexer
// and the channel snapshot the cache now holds.
type Receipt struct {
	Snapshot *gpptypes.PaymentChannel
	Outbox   wallet.Payload
}

// Manager is the one-shot payment constructor.
type Manager struct {
	cache  channelcache.Cache
	wallet wallet.Wallet
}

// New constructs a Manager over the shared cache and wallet (spec.md §9
// "Global state"): process-wide resources, passed in explicitly.
func New(cache channelcache.Cache, w wallet.Wallet) *Manager {
	return &Manager{cache: cache, wallet: w}
}

// CreatePayment leases a free channel for the allocation, applies the
// attestation-app state transition, and asks the wallet to sign the
// resulting update. A NoFreeChannels error propagates unchanged so callers
// can map it to their own "try again later" response.
func (m *Manager) CreatePayment(ctx context.Context, payment Payment) (Receipt, error) {
	if payment.RequestCID == "" {
		payment.RequestCID = uuid.NewString()
	}

	result, err := m.cache.AcquireChannel(ctx, payment.AllocationID, func(snapshot *gpptypes.PaymentChannel) (*gpptypes.PaymentChannel, interface{}, error) {
		transition, err := attestationapp.ApplyPayment(snapshot, payment.Amount, payment.RequestCID, payment.SubgraphID)
		if err != nil {
			return nil, nil, err
		}

		updateResult, err := m.wallet.UpdateChannel(ctx, wallet.UpdateChannelRequest{
			ChannelID: snapshot.ChannelID,
			Allocations: []wallet.AllocationItem{
				{Amount: transition.PayerBal},
				{Amount: transition.ReceiverBal},
			},
			AppData: transition.AppData,
		})
		if err != nil {
			return nil, nil, gpperrors.ProtocolViolation("PaymentManager.CreatePayment", err)
		}
		if len(updateResult.Outbox) != 1 {
			return nil, nil, gpperrors.ProtocolViolation("PaymentManager.CreatePayment", errWrongOutboxCardinality)
		}

		updated := &gpptypes.PaymentChannel{
			ChannelID:   snapshot.ChannelID,
			ContextID:   snapshot.ContextID,
			TurnNum:     updateResult.ChannelResult.TurnNum,
			PayerBal:    updateResult.ChannelResult.PayerBal,
			ReceiverBal: updateResult.ChannelResult.ReceiverBal,
			AppData:     updateResult.ChannelResult.AppData,
			Outcome:     updateResult.ChannelResult.Outcome,
		}

		return updated, Receipt{Snapshot: updated, Outbox: updateResult.Outbox[0]}, nil
	})
	if err != nil {
		return Receipt{}, err
	}

	receipt, ok := result.(Receipt)
	if !ok {
		return Receipt{}, gpperrors.Storage("PaymentManager.CreatePayment", errors.New("paymentmanager: cache returned an unexpected critical-section result"))
	}
	return receipt, nil
}

// SubmitReceipt feeds a peer's response into the wallet and writes the
// resulting channel state back into the cache. Fatal (ProtocolViolation) if
// the wallet doesn't return exactly one channel result and an empty outbox:
// that would mean the peer's handshake isn't actually over.
func (m *Manager) SubmitReceipt(ctx context.Context, payload wallet.Payload) (*gpptypes.PaymentChannel, error) {
	pushResult, err := m.wallet.PushMessage(ctx, payload)
	if err != nil {
		return nil, gpperrors.ProtocolViolation("PaymentManager.SubmitReceipt", err)
	}
	if len(pushResult.ChannelResults) != 1 || len(pushResult.Outbox) != 0 {
		return nil, gpperrors.ProtocolViolation("PaymentManager.SubmitReceipt", errWrongOutboxCardinality)
	}

	snapshot, err := m.cache.SubmitReceipt(ctx, pushResult.ChannelResults[0])
	if err != nil {
		return nil, err
	}

	log.Debugf("receipt accepted for channel %s, turnNum=%d", snapshot.ChannelID, snapshot.TurnNum)
	return snapshot, nil
}
