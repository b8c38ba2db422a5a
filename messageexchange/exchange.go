// Package messageexchange implements the peer-to-peer handshake loop
// spec.md §4.2 describes: drive an initial outgoing payload against a
// peer, feed responses back into the wallet, repeat until the wallet's
// outbox empties. Grounded on the pack's go-nitro engine run loop
// (other_examples/f79d109f_PinkDiamond1-go-nitro__client-engine-engine.go.go),
// which drives protocols.SideEffects.MessagesToSend through a
// messageservice and folds wallet responses back in — generalised here
// into a standalone, callable loop instead of an always-running goroutine,
// since its caller in this module (ChannelManager) needs the accumulated
// result synchronously.
package messageexchange

import (
	"context"

	"github.com/btcsuite/btclog"
	"github.com/graphprotocol/graph-payments/build"
	"github.com/graphprotocol/graph-payments/gpperrors"
	"github.com/graphprotocol/graph-payments/gpptypes"
	"github.com/graphprotocol/graph-payments/wallet"
)

var log btclog.Logger = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(backend *btclog.Backend) {
	log = build.NewSubLogger("MSGX", backend)
}

// Sender is the injected transport. A transport failure is caught and
// logged by Run; it is never returned as an error from Run itself.
type Sender interface {
	Send(ctx context.Context, payload wallet.Payload) (*wallet.Payload, error)
}

// PushMessager is the subset of wallet.Wallet that Run needs: feeding a
// peer response back in and collecting the resulting channel results and
// outbox.
type PushMessager interface {
	PushMessage(ctx context.Context, payload wallet.Payload) (wallet.PushMessageResult, error)
}

// Run drives initial against the peer until the wallet's outbox empties,
// merging channel results keyed by channelId (latest wins). A transport
// failure ends the loop early and returns whatever was accumulated so far,
// never an error — per spec.md §5, transport failures are swallowed here.
func Run(ctx context.Context, sender Sender, w PushMessager, initial wallet.Payload) (map[string]gpptypes.ChannelResult, error) {
	accumulated := make(map[string]gpptypes.ChannelResult)
	outgoing := initial

	for {
		response, err := sender.Send(ctx, outgoing)
		if err != nil {
			log.Warnf("message exchange transport failure to %s: %v", outgoing.Recipient, err)
			return accumulated, nil
		}
		if response == nil {
			// No response: treat exactly like a transport failure,
			// the handshake stalls until syncChannels heals it.
			return accumulated, nil
		}

		result, err := w.PushMessage(ctx, *response)
		if err != nil {
			return accumulated, gpperrors.ProtocolViolation("messageexchange.Run", err)
		}

		for _, cr := range result.ChannelResults {
			accumulated[cr.ChannelID.String()] = cr
		}

		if len(result.Outbox) == 0 {
			return accumulated, nil
		}
		if len(result.Outbox) != 1 {
			return accumulated, gpperrors.ProtocolViolation(
				"messageexchange.Run",
				errMultipleOutboxItems,
			)
		}
		outgoing = result.Outbox[0]
	}
}
