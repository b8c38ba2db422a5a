package channelmanager

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/graphprotocol/graph-payments/channelcache"
	"github.com/graphprotocol/graph-payments/gpperrors"
	"github.com/graphprotocol/graph-payments/gpptypes"
	"github.com/graphprotocol/graph-payments/messageexchange"
	"github.com/graphprotocol/graph-payments/wallet"
)

var (
	_ channelcache.Cache      = (*fakeCache)(nil)
	_ wallet.Wallet           = (*fakeWallet)(nil)
	_ messageexchange.Sender  = (*fakeSender)(nil)
)

// fakeCache is an in-memory stand-in for channelcache.PostgresCache, good
// enough fidelity (lease-by-odd-turnNum, retire-is-a-flip-not-a-delete) to
// drive ChannelManager's concurrency properties (P1-P4) without a Postgres
// container.
type fakeCache struct {
	mu       sync.Mutex
	channels map[string]*gpptypes.PaymentChannel
	ledgers  map[string]*gpptypes.LedgerChannel
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		channels: make(map[string]*gpptypes.PaymentChannel),
		ledgers:  make(map[string]*gpptypes.LedgerChannel),
	}
}

func (c *fakeCache) InsertChannels(ctx context.Context, contextID gpptypes.Destination, channels []gpptypes.ChannelResult) ([]gpptypes.Destination, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var inserted []gpptypes.Destination
	for _, ch := range channels {
		key := ch.ChannelID.String()
		if _, exists := c.channels[key]; exists {
			continue
		}
		c.channels[key] = &gpptypes.PaymentChannel{
			ChannelID:   ch.ChannelID,
			ContextID:   contextID,
			TurnNum:     ch.TurnNum,
			PayerBal:    ch.PayerBal,
			ReceiverBal: ch.ReceiverBal,
			AppData:     ch.AppData,
			Outcome:     ch.Outcome,
			UpdatedAt:   time.Now(),
		}
		inserted = append(inserted, ch.ChannelID)
	}
	return inserted, nil
}

func (c *fakeCache) RemoveChannels(ctx context.Context, ids []gpptypes.Destination) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.channels, id.String())
	}
	return nil
}

func (c *fakeCache) RetireChannels(ctx context.Context, contextID gpptypes.Destination) (gpptypes.RetirementReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := gpptypes.RetirementReport{Amount: big.NewInt(0)}
	for _, ch := range c.channels {
		if ch.Retired || !ch.ContextID.Equal(contextID) {
			continue
		}
		ch.Retired = true
		ch.UpdatedAt = time.Now()
		report.ChannelIDs = append(report.ChannelIDs, ch.ChannelID)
		if ch.ReceiverBal != nil {
			report.Amount.Add(report.Amount, ch.ReceiverBal)
		}
	}
	return report, nil
}

func (c *fakeCache) ActiveAllocations(ctx context.Context, filter []gpptypes.Destination) (map[string]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	allowed := make(map[string]bool, len(filter))
	for _, f := range filter {
		allowed[f.String()] = true
	}

	out := make(map[string]int)
	for _, ch := range c.channels {
		if ch.Retired {
			continue
		}
		if len(filter) > 0 && !allowed[ch.ContextID.String()] {
			continue
		}
		out[ch.ContextID.String()]++
	}
	return out, nil
}

func (c *fakeCache) ActiveChannels(ctx context.Context, contextID gpptypes.Destination) ([]gpptypes.Destination, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []gpptypes.Destination
	for _, ch := range c.channels {
		if !ch.Retired && ch.ContextID.Equal(contextID) {
			out = append(out, ch.ChannelID)
		}
	}
	return out, nil
}

func (c *fakeCache) ClosableChannels(ctx context.Context) (map[string][]gpptypes.Destination, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]gpptypes.Destination)
	for _, ch := range c.channels {
		if ch.Retired {
			key := ch.ContextID.String()
			out[key] = append(out[key], ch.ChannelID)
		}
	}
	return out, nil
}

func (c *fakeCache) ReadyingChannels(ctx context.Context, contextID gpptypes.Destination) ([]gpptypes.Destination, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []gpptypes.Destination
	for _, ch := range c.channels {
		if !ch.Retired && ch.ContextID.Equal(contextID) && ch.TurnNum == gpptypes.PendingTurnNum {
			out = append(out, ch.ChannelID)
		}
	}
	return out, nil
}

func (c *fakeCache) StalledChannels(ctx context.Context, minAge time.Duration, limit int, contextID gpptypes.Destination) ([]gpptypes.Destination, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []gpptypes.Destination
	for _, ch := range c.channels {
		if ch.Retired || ch.TurnNum%2 != 0 {
			continue
		}
		if len(contextID) > 0 && !ch.ContextID.Equal(contextID) {
			continue
		}
		if time.Since(ch.UpdatedAt) < minAge {
			continue
		}
		out = append(out, ch.ChannelID)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (c *fakeCache) InsertLedgerChannel(ctx context.Context, contextID, channelID gpptypes.Destination, initialOutcome []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := channelID.String()
	if _, exists := c.ledgers[key]; exists {
		return nil
	}
	c.ledgers[key] = &gpptypes.LedgerChannel{ChannelID: channelID, ContextID: contextID, InitialOutcome: initialOutcome}
	return nil
}

func (c *fakeCache) GetLedgerChannels(ctx context.Context, contextID gpptypes.Destination) ([]gpptypes.LedgerChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []gpptypes.LedgerChannel
	for _, l := range c.ledgers {
		if l.ContextID.Equal(contextID) {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (c *fakeCache) RemoveLedgerChannels(ctx context.Context, ids []gpptypes.Destination) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.ledgers, id.String())
	}
	return nil
}

var errFakeNoFreeChannel = errors.New("fakeCache: no channel found for id")

// AcquireChannel mirrors PostgresCache's lease protocol: pick the
// lowest-keyed eligible (odd turnNum, not retired) row for contextID, run
// critical, write the result back unless the row was retired underneath
// us. Holding c.mu for the whole call is coarser than Postgres's row-level
// FOR UPDATE SKIP LOCKED, but it gives the same lease-uniqueness guarantee
// (P1) for concurrent callers, which is all these tests need.
func (c *fakeCache) AcquireChannel(ctx context.Context, contextID gpptypes.Destination, critical channelcache.Critical) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []string
	for k, ch := range c.channels {
		if !ch.Retired && ch.ContextID.Equal(contextID) && ch.TurnNum%2 == 1 {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, gpperrors.NoFreeChannels("fakeCache.AcquireChannel", contextID.String())
	}
	sort.Strings(keys)
	snapshot := c.channels[keys[0]]
	snapshotCopy := *snapshot

	updated, result, err := critical(&snapshotCopy)
	if err != nil {
		return nil, err
	}
	if updated != nil && !snapshot.Retired {
		snapshot.TurnNum = updated.TurnNum
		snapshot.PayerBal = updated.PayerBal
		snapshot.ReceiverBal = updated.ReceiverBal
		snapshot.AppData = updated.AppData
		snapshot.Outcome = updated.Outcome
		snapshot.UpdatedAt = time.Now()
	}
	return result, nil
}

func (c *fakeCache) SubmitReceipt(ctx context.Context, result gpptypes.ChannelResult) (*gpptypes.PaymentChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if result.TurnNum%2 == 1 && result.TurnNum != 0 {
		return nil, gpperrors.Validation("fakeCache.SubmitReceipt", errors.New("fakeCache: refusing our-turn receipt"))
	}

	ch, ok := c.channels[result.ChannelID.String()]
	if !ok {
		return nil, gpperrors.Storage("fakeCache.SubmitReceipt", errFakeNoFreeChannel)
	}
	ch.TurnNum = result.TurnNum
	ch.PayerBal = result.PayerBal
	ch.ReceiverBal = result.ReceiverBal
	ch.AppData = result.AppData
	ch.Outcome = result.Outcome
	ch.UpdatedAt = time.Now()

	snapshot := *ch
	return &snapshot, nil
}

func (c *fakeCache) Initialize(ctx context.Context) error { return nil }
func (c *fakeCache) Destroy(ctx context.Context) error    { return nil }
func (c *fakeCache) ClearCache(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = make(map[string]*gpptypes.PaymentChannel)
	c.ledgers = make(map[string]*gpptypes.LedgerChannel)
	return nil
}

// fakeWallet implements wallet.Wallet with per-test function fields; any
// method a test doesn't wire up panics if called, so an accidental
// dependency on unconfigured behaviour fails loudly rather than silently
// returning a zero value.
type fakeWallet struct {
	signingAddr gpptypes.Address

	createChannelsFn   func(ctx context.Context, start wallet.StartState, n int) (wallet.CreateChannelsResult, error)
	createLedgerFn     func(ctx context.Context, params wallet.LedgerParams, strategy wallet.FundingStrategy) (wallet.LedgerResult, error)
	updateChannelFn    func(ctx context.Context, req wallet.UpdateChannelRequest) (wallet.ChannelUpdateResult, error)
	pushMessageFn      func(ctx context.Context, payload wallet.Payload) (wallet.PushMessageResult, error)
	syncChannelFn      func(ctx context.Context, channelID gpptypes.Destination) (wallet.ChannelUpdateResult, error)
	closeChannelsFn    func(ctx context.Context, ids []gpptypes.Destination) (wallet.CloseChannelsResult, error)
	objectiveSuccessFn func(ids []wallet.ObjectiveID) <-chan wallet.ObjectiveID
}

func (w *fakeWallet) CreateChannels(ctx context.Context, start wallet.StartState, n int) (wallet.CreateChannelsResult, error) {
	return w.createChannelsFn(ctx, start, n)
}
func (w *fakeWallet) CreateLedgerChannel(ctx context.Context, params wallet.LedgerParams, strategy wallet.FundingStrategy) (wallet.LedgerResult, error) {
	return w.createLedgerFn(ctx, params, strategy)
}
func (w *fakeWallet) UpdateChannel(ctx context.Context, req wallet.UpdateChannelRequest) (wallet.ChannelUpdateResult, error) {
	return w.updateChannelFn(ctx, req)
}
func (w *fakeWallet) PushMessage(ctx context.Context, payload wallet.Payload) (wallet.PushMessageResult, error) {
	return w.pushMessageFn(ctx, payload)
}
func (w *fakeWallet) SyncChannel(ctx context.Context, channelID gpptypes.Destination) (wallet.ChannelUpdateResult, error) {
	return w.syncChannelFn(ctx, channelID)
}
func (w *fakeWallet) CloseChannels(ctx context.Context, ids []gpptypes.Destination) (wallet.CloseChannelsResult, error) {
	return w.closeChannelsFn(ctx, ids)
}
func (w *fakeWallet) GetChannels(ctx context.Context) ([]gpptypes.ChannelResult, error) {
	panic("not used")
}
func (w *fakeWallet) GetLedgerChannels(ctx context.Context, assetHolder gpptypes.Address, participants []gpptypes.Address) ([]wallet.LedgerResult, error) {
	panic("not used")
}
func (w *fakeWallet) ObjectiveSuccess(ids []wallet.ObjectiveID) <-chan wallet.ObjectiveID {
	return w.objectiveSuccessFn(ids)
}
func (w *fakeWallet) RegisterAppBytecode(ctx context.Context, address gpptypes.Address, bytecode []byte) error {
	panic("not used")
}
func (w *fakeWallet) GetSigningAddress() gpptypes.Address { return w.signingAddr }

// fakeSender implements messageexchange.Sender.
type fakeSender struct {
	sendFn func(ctx context.Context, payload wallet.Payload) (*wallet.Payload, error)
}

func (s *fakeSender) Send(ctx context.Context, payload wallet.Payload) (*wallet.Payload, error) {
	if s.sendFn == nil {
		return nil, nil
	}
	return s.sendFn(ctx, payload)
}
