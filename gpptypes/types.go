// Package gpptypes holds the data types shared across the channel cache,
// message exchange, channel manager and payment manager: channel and
// allocation identifiers, participant addresses, and the channel snapshot
// that flows between the wallet and the cache. Amounts are *big.Int.
package gpptypes

import (
	"encoding/hex"
	"math/big"
	"time"
)

// Destination is an opaque identifier: a channelId or a
// contextId (allocationId). Modeled as a byte slice rather than a fixed
// array so it can hold either a 32-byte channel id or a shorter allocation
// id without two distinct types.
type Destination []byte

// String renders the destination as a 0x-prefixed hex string, the
// convention the pack's lnd-family repos use for chain identifiers.
func (d Destination) String() string {
	if len(d) == 0 {
		return "0x"
	}
	return "0x" + hex.EncodeToString(d)
}

// ParseDestination parses the "0x"-prefixed hex string produced by
// Destination.String back into a Destination.
func ParseDestination(s string) (Destination, error) {
	if s == "0x" || s == "" {
		return Destination{}, nil
	}
	trimmed := s
	if len(trimmed) >= 2 && trimmed[0:2] == "0x" {
		trimmed = trimmed[2:]
	}
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, err
	}
	return Destination(b), nil
}

// Equal reports whether two destinations name the same entity.
func (d Destination) Equal(other Destination) bool {
	if len(d) != len(other) {
		return false
	}
	for i := range d {
		if d[i] != other[i] {
			return false
		}
	}
	return true
}

// Address is a signing/participant address (20-byte Ethereum-style address
// in production; left as opaque bytes here since the wallet, not this
// module, interprets it).
type Address []byte

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a)
}

// Allocation is the externally identified collaboration context a payment
// channel belongs to. Immutable once introduced.
type Allocation struct {
	ID           Destination
	IndexerURL   string
	IndexerAddr  Address
	DeploymentID string
}

// PaymentChannel is the in-memory projection of a payment_channels row.
type PaymentChannel struct {
	ChannelID   Destination
	ContextID   Destination
	TurnNum     uint64
	PayerBal    *big.Int
	ReceiverBal *big.Int
	AppData     []byte
	Outcome     []byte
	Retired     bool
	UpdatedAt   time.Time
}

// IsOurTurn reports whether turnNum is odd, i.e. this channel is eligible to
// fund a payment (turnNum == 0 is the not-yet-handshook special case and is
// never "our turn").
func (c *PaymentChannel) IsOurTurn() bool {
	return c.TurnNum != 0 && c.TurnNum%2 == 1
}

// IsPeerTurn reports whether turnNum is even and non-zero: we are awaiting a
// reply from the remote peer.
func (c *PaymentChannel) IsPeerTurn() bool {
	return c.TurnNum != 0 && c.TurnNum%2 == 0
}

// LedgerChannel is the in-memory projection of a ledger_channels row.
type LedgerChannel struct {
	ChannelID      Destination
	ContextID      Destination
	InitialOutcome []byte
}

// ChannelResult is what wallet operations (createChannels, updateChannel,
// pushMessage, syncChannel) return for a single channel: enough to
// write-through into the cache.
type ChannelResult struct {
	ChannelID   Destination
	ContextID   Destination
	TurnNum     uint64
	PayerBal    *big.Int
	ReceiverBal *big.Int
	AppData     []byte
	Outcome     []byte
}

// RetirementReport is the result of retiring all non-retired channels for an
// allocation.
type RetirementReport struct {
	Amount     *big.Int
	ChannelIDs []Destination
}

// InitialRunningTurnNum is the post-funding turn number a payment channel
// starts at once the handshake completes.
const InitialRunningTurnNum = 3

// PendingTurnNum marks a newly created but not-yet-handshook channel.
const PendingTurnNum = 0
