// Package attestationapp implements the one place spec.md §9 allows to
// reach inside a payment channel's appData/outcome: the state-transition
// rule for a single micropayment under the attestation application. The
// application's broader rules (what makes an attestation valid, how a
// query response is verified) are out of scope per spec.md §1 — only the
// balance bookkeeping a payment needs lives here.
package attestationapp

import (
	"errors"
	"math/big"

	"github.com/graphprotocol/graph-payments/gpperrors"
	"github.com/graphprotocol/graph-payments/gpptypes"
)

// Transition is the result of applying a payment to a channel's current
// outcome: a new outcome/appData pair plus the resulting balances, ready to
// hand to wallet.UpdateChannel.
type Transition struct {
	Outcome     []byte
	AppData     []byte
	PayerBal    *big.Int
	ReceiverBal *big.Int
}

// ApplyPayment decrements the payer bucket and credits the receiver bucket
// by amount, rejecting the transition with a ValidationError if it would
// make the payer balance negative. It never touches turnNum or channelId;
// those are the cache's and wallet's responsibility respectively.
func ApplyPayment(channel *gpptypes.PaymentChannel, amount *big.Int, requestCid, subgraphID string) (Transition, error) {
	if amount.Sign() <= 0 {
		return Transition{}, gpperrors.Validation(
			"attestationapp.ApplyPayment",
			errAmountNotPositive,
		)
	}
	if amount.Cmp(channel.PayerBal) > 0 {
		return Transition{}, gpperrors.Validation(
			"attestationapp.ApplyPayment",
			errAmountExceedsBalance,
		)
	}

	newPayerBal := new(big.Int).Sub(channel.PayerBal, amount)
	newReceiverBal := new(big.Int).Add(channel.ReceiverBal, amount)

	appData := encodeAppData(requestCid, subgraphID, amount)
	outcome := encodeOutcome(newPayerBal, newReceiverBal)

	return Transition{
		Outcome:     outcome,
		AppData:     appData,
		PayerBal:    newPayerBal,
		ReceiverBal: newReceiverBal,
	}, nil
}

// encodeAppData and encodeOutcome produce the opaque bytes the wallet
// expects. The wire format itself is out of scope (spec.md §1 Non-goals);
// this is a minimal placeholder encoding sufficient for the cache's
// write-through and for tests.
func encodeAppData(requestCid, subgraphID string, amount *big.Int) []byte {
	return []byte(requestCid + "|" + subgraphID + "|" + amount.String())
}

func encodeOutcome(payerBal, receiverBal *big.Int) []byte {
	return []byte(payerBal.String() + "|" + receiverBal.String())
}

var (
	errAmountNotPositive    = errors.New("payment amount must be positive")
	errAmountExceedsBalance = errors.New("payment amount exceeds payer balance")
)
