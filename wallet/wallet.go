// Package wallet declares the interface this module consumes from the
// cryptographic state-channel wallet. The wallet itself — signing,
// verifying and persisting signed states, talking to the on-chain
// adjudicator — is an external collaborator; only the call shapes live
// here, mirroring the way the teacher's htlcswitch package depends on
// lnwallet.LightningChannel through a narrow interface rather than owning
// the signing logic itself.
package wallet

import (
	"context"
	"math/big"

	"github.com/graphprotocol/graph-payments/gpptypes"
)

// FundingStrategy selects how a ledger channel's capital is raised.
type FundingStrategy int

const (
	// Direct requires on-chain confirmation of the funding transaction.
	Direct FundingStrategy = iota
	// Fake bypasses on-chain confirmation; used in tests and
	// development environments.
	Fake
)

// Payload is a single peer-addressed message produced by a wallet
// operation. It is the sum type spec.md §9 calls for: one concrete
// variant, everything else opaque bytes.
type Payload struct {
	Recipient string
	Data      []byte
}

// StartState is the parameter set a new payment channel (or chunk of
// payment channels) is created from.
type StartState struct {
	Participants      []gpptypes.Address
	AssetHolder       gpptypes.Address
	AppAddress        gpptypes.Address
	ChainID           uint64
	Amount            *big.Int
	ChallengeDuration uint32
	LedgerChannelID   gpptypes.Destination
	UseLedgerChannel  bool
}

// LedgerParams parameters a new ledger channel is created from.
type LedgerParams struct {
	Participants      []gpptypes.Address
	AssetHolder       gpptypes.Address
	ChallengeDuration uint32
	// AllocationItems mirrors spec.md §4.3.1: all funds to the gateway,
	// zero to the indexer-destination, at creation time.
	AllocationItems []AllocationItem
}

// AllocationItem is a single destination/amount pair of a channel outcome.
type AllocationItem struct {
	Destination gpptypes.Address
	Amount      *big.Int
}

// ObjectiveID identifies a wallet-tracked asynchronous goal (e.g. "open
// channel X").
type ObjectiveID string

// CreateChannelsResult is returned by CreateChannels.
type CreateChannelsResult struct {
	ChannelResults []gpptypes.ChannelResult
	Outbox         []Payload
	NewObjectives  []ObjectiveID
}

// LedgerResult is returned by CreateLedgerChannel and GetLedgerChannels.
type LedgerResult struct {
	ChannelResult gpptypes.ChannelResult
	Outbox        []Payload
}

// UpdateChannelRequest is the parameter set for UpdateChannel.
type UpdateChannelRequest struct {
	ChannelID   gpptypes.Destination
	Allocations []AllocationItem
	AppData     []byte
}

// ChannelUpdateResult is returned by UpdateChannel and SyncChannel.
type ChannelUpdateResult struct {
	ChannelResult gpptypes.ChannelResult
	Outbox        []Payload
}

// PushMessageResult is returned by PushMessage.
type PushMessageResult struct {
	ChannelResults []gpptypes.ChannelResult
	Outbox         []Payload
}

// CloseChannelsResult is returned by CloseChannels.
type CloseChannelsResult struct {
	Outbox []Payload
}

// Wallet is the narrow surface this module consumes from the external
// state-channel wallet. See spec.md §6.
type Wallet interface {
	CreateChannels(ctx context.Context, start StartState, n int) (CreateChannelsResult, error)
	CreateLedgerChannel(ctx context.Context, params LedgerParams, strategy FundingStrategy) (LedgerResult, error)
	UpdateChannel(ctx context.Context, req UpdateChannelRequest) (ChannelUpdateResult, error)
	PushMessage(ctx context.Context, payload Payload) (PushMessageResult, error)
	SyncChannel(ctx context.Context, channelID gpptypes.Destination) (ChannelUpdateResult, error)
	CloseChannels(ctx context.Context, ids []gpptypes.Destination) (CloseChannelsResult, error)

	GetChannels(ctx context.Context) ([]gpptypes.ChannelResult, error)
	GetLedgerChannels(ctx context.Context, assetHolder gpptypes.Address, participants []gpptypes.Address) ([]LedgerResult, error)

	// ObjectiveSuccess returns a channel scoped to the given ids: it fires
	// exactly once per id reaching terminal success and is not shared with
	// any other caller. Concurrent ensureObjectives calls over disjoint
	// allocations therefore never race for the same underlying stream.
	ObjectiveSuccess(ids []ObjectiveID) <-chan ObjectiveID

	RegisterAppBytecode(ctx context.Context, address gpptypes.Address, bytecode []byte) error
	GetSigningAddress() gpptypes.Address
}
