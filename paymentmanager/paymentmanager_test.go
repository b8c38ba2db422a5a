package paymentmanager

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/graphprotocol/graph-payments/channelcache"
	"github.com/graphprotocol/graph-payments/gpptypes"
	"github.com/graphprotocol/graph-payments/wallet"
)

var (
	_ channelcache.Cache = (*fakeCache)(nil)
	_ wallet.Wallet      = (*fakeWallet)(nil)
)

// fakeCache implements just enough of channelcache.Cache for these tests;
// every other method panics if called, so an accidental dependency on
// unimplemented behaviour fails loudly.
type fakeCache struct {
	channel *gpptypes.PaymentChannel
}

func (f *fakeCache) AcquireChannel(ctx context.Context, contextID gpptypes.Destination, critical channelcache.Critical) (interface{}, error) {
	updated, result, err := critical(f.channel)
	if err != nil {
		return nil, err
	}
	if updated != nil {
		f.channel = updated
	}
	return result, nil
}

func (f *fakeCache) SubmitReceipt(ctx context.Context, result gpptypes.ChannelResult) (*gpptypes.PaymentChannel, error) {
	f.channel.TurnNum = result.TurnNum
	f.channel.PayerBal = result.PayerBal
	f.channel.ReceiverBal = result.ReceiverBal
	return f.channel, nil
}

func (f *fakeCache) InsertChannels(ctx context.Context, contextID gpptypes.Destination, channels []gpptypes.ChannelResult) ([]gpptypes.Destination, error) {
	panic("not used")
}
func (f *fakeCache) RemoveChannels(ctx context.Context, ids []gpptypes.Destination) error {
	panic("not used")
}
func (f *fakeCache) RetireChannels(ctx context.Context, contextID gpptypes.Destination) (gpptypes.RetirementReport, error) {
	panic("not used")
}
func (f *fakeCache) ActiveAllocations(ctx context.Context, filter []gpptypes.Destination) (map[string]int, error) {
	panic("not used")
}
func (f *fakeCache) ActiveChannels(ctx context.Context, contextID gpptypes.Destination) ([]gpptypes.Destination, error) {
	panic("not used")
}
func (f *fakeCache) ClosableChannels(ctx context.Context) (map[string][]gpptypes.Destination, error) {
	panic("not used")
}
func (f *fakeCache) ReadyingChannels(ctx context.Context, contextID gpptypes.Destination) ([]gpptypes.Destination, error) {
	panic("not used")
}
func (f *fakeCache) StalledChannels(ctx context.Context, minAge time.Duration, limit int, contextID gpptypes.Destination) ([]gpptypes.Destination, error) {
	panic("not used")
}
func (f *fakeCache) InsertLedgerChannel(ctx context.Context, contextID, channelID gpptypes.Destination, initialOutcome []byte) error {
	panic("not used")
}
func (f *fakeCache) GetLedgerChannels(ctx context.Context, contextID gpptypes.Destination) ([]gpptypes.LedgerChannel, error) {
	panic("not used")
}
func (f *fakeCache) RemoveLedgerChannels(ctx context.Context, ids []gpptypes.Destination) error {
	panic("not used")
}
func (f *fakeCache) Initialize(ctx context.Context) error { panic("not used") }
func (f *fakeCache) Destroy(ctx context.Context) error    { panic("not used") }
func (f *fakeCache) ClearCache(ctx context.Context) error { panic("not used") }

// fakeWallet implements just UpdateChannel/PushMessage; everything else
// panics if exercised.
type fakeWallet struct {
	updateResult wallet.ChannelUpdateResult
	updateErr    error
	pushResult   wallet.PushMessageResult
	pushErr      error
}

func (w *fakeWallet) CreateChannels(ctx context.Context, start wallet.StartState, n int) (wallet.CreateChannelsResult, error) {
	panic("not used")
}
func (w *fakeWallet) CreateLedgerChannel(ctx context.Context, params wallet.LedgerParams, strategy wallet.FundingStrategy) (wallet.LedgerResult, error) {
	panic("not used")
}
func (w *fakeWallet) UpdateChannel(ctx context.Context, req wallet.UpdateChannelRequest) (wallet.ChannelUpdateResult, error) {
	return w.updateResult, w.updateErr
}
func (w *fakeWallet) PushMessage(ctx context.Context, payload wallet.Payload) (wallet.PushMessageResult, error) {
	return w.pushResult, w.pushErr
}
func (w *fakeWallet) SyncChannel(ctx context.Context, channelID gpptypes.Destination) (wallet.ChannelUpdateResult, error) {
	panic("not used")
}
func (w *fakeWallet) CloseChannels(ctx context.Context, ids []gpptypes.Destination) (wallet.CloseChannelsResult, error) {
	panic("not used")
}
func (w *fakeWallet) GetChannels(ctx context.Context) ([]gpptypes.ChannelResult, error) {
	panic("not used")
}
func (w *fakeWallet) GetLedgerChannels(ctx context.Context, assetHolder gpptypes.Address, participants []gpptypes.Address) ([]wallet.LedgerResult, error) {
	panic("not used")
}
func (w *fakeWallet) ObjectiveSuccess(ids []wallet.ObjectiveID) <-chan wallet.ObjectiveID {
	panic("not used")
}
func (w *fakeWallet) RegisterAppBytecode(ctx context.Context, address gpptypes.Address, bytecode []byte) error {
	panic("not used")
}
func (w *fakeWallet) GetSigningAddress() gpptypes.Address { panic("not used") }

func TestCreatePaymentAppliesTransitionAndReturnsOutbox(t *testing.T) {
	channelID := gpptypes.Destination{0x01}
	cache := &fakeCache{channel: &gpptypes.PaymentChannel{
		ChannelID:   channelID,
		PayerBal:    big.NewInt(100),
		ReceiverBal: big.NewInt(0),
	}}
	w := &fakeWallet{
		updateResult: wallet.ChannelUpdateResult{
			ChannelResult: gpptypes.ChannelResult{
				ChannelID:   channelID,
				TurnNum:     4,
				PayerBal:    big.NewInt(60),
				ReceiverBal: big.NewInt(40),
			},
			Outbox: []wallet.Payload{{Recipient: "indexer"}},
		},
	}

	mgr := New(cache, w)
	receipt, err := mgr.CreatePayment(context.Background(), Payment{
		AllocationID: gpptypes.Destination{0xaa},
		Amount:       big.NewInt(40),
		RequestCID:   "req-1",
		SubgraphID:   "subgraph-1",
	})
	require.NoError(t, err)
	require.Equal(t, "indexer", receipt.Outbox.Recipient)
	require.Equal(t, big.NewInt(60), receipt.Snapshot.PayerBal)
	require.Equal(t, big.NewInt(40), receipt.Snapshot.ReceiverBal)
}

func TestCreatePaymentRejectsAmountExceedingBalance(t *testing.T) {
	cache := &fakeCache{channel: &gpptypes.PaymentChannel{
		ChannelID:   gpptypes.Destination{0x01},
		PayerBal:    big.NewInt(10),
		ReceiverBal: big.NewInt(0),
	}}
	w := &fakeWallet{}

	mgr := New(cache, w)
	_, err := mgr.CreatePayment(context.Background(), Payment{
		AllocationID: gpptypes.Destination{0xaa},
		Amount:       big.NewInt(11),
		RequestCID:   "req-1",
		SubgraphID:   "subgraph-1",
	})
	require.Error(t, err)
}

func TestSubmitReceiptRequiresExactlyOneResultAndEmptyOutbox(t *testing.T) {
	channelID := gpptypes.Destination{0x02}
	cache := &fakeCache{channel: &gpptypes.PaymentChannel{ChannelID: channelID}}
	w := &fakeWallet{
		pushResult: wallet.PushMessageResult{
			ChannelResults: []gpptypes.ChannelResult{{ChannelID: channelID, TurnNum: 5}},
		},
	}

	mgr := New(cache, w)
	snapshot, err := mgr.SubmitReceipt(context.Background(), wallet.Payload{Recipient: "peer"})
	require.NoError(t, err)
	require.EqualValues(t, 5, snapshot.TurnNum)
}

func TestSubmitReceiptFailsOnNonEmptyOutbox(t *testing.T) {
	channelID := gpptypes.Destination{0x03}
	cache := &fakeCache{channel: &gpptypes.PaymentChannel{ChannelID: channelID}}
	w := &fakeWallet{
		pushResult: wallet.PushMessageResult{
			ChannelResults: []gpptypes.ChannelResult{{ChannelID: channelID, TurnNum: 5}},
			Outbox:         []wallet.Payload{{Recipient: "peer"}},
		},
	}

	mgr := New(cache, w)
	_, err := mgr.SubmitReceipt(context.Background(), wallet.Payload{Recipient: "peer"})
	require.Error(t, err)
}
