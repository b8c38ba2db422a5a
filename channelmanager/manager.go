// Package channelmanager implements the capacity controller: it enforces
// active_channels(allocation) == requested_capacity for every known
// allocation, driving wallet operations and message exchanges to open,
// heal, retire and close channels. Grounded on the teacher's htlcswitch.Switch
// (the other process-wide controller in the pack that owns a map of
// per-counterparty state and serialises structural changes to it), with the
// message-exchange and objective-retry machinery grounded on the pack's
// go-nitro engine.
package channelmanager

import (
	"context"

	"github.com/btcsuite/btclog"
	"github.com/graphprotocol/graph-payments/build"
	"github.com/graphprotocol/graph-payments/channelcache"
	"github.com/graphprotocol/graph-payments/gpperrors"
	"github.com/graphprotocol/graph-payments/gpptypes"
	"github.com/graphprotocol/graph-payments/insights"
	"github.com/graphprotocol/graph-payments/internal/namedmutex"
	"github.com/graphprotocol/graph-payments/internal/workpool"
	"github.com/graphprotocol/graph-payments/messageexchange"
	"github.com/graphprotocol/graph-payments/wallet"
)

var log btclog.Logger = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(backend *btclog.Backend) {
	log = build.NewSubLogger("CHMG", backend)
}

// syncAllocationsLockKey is the single named-mutex key spec.md §4.3 and §5
// use to serialise concurrent capacity plans.
const syncAllocationsLockKey = "syncAllocations"

// Manager is the capacity controller.
type Manager struct {
	cache  channelcache.Cache
	wallet wallet.Wallet
	sender messageexchange.Sender
	bus    *insights.Bus
	cfg    Config
	locks  *namedmutex.Registry
}

// New constructs a Manager. cache, w, sender and bus are process-wide
// shared resources per spec.md §9 "Global state" — passed in explicitly so
// tests can substitute fakes. sender is the messageSender callback spec.md
// §6 describes as an external collaborator (the HTTP transport to the
// indexer).
func New(cache channelcache.Cache, w wallet.Wallet, sender messageexchange.Sender, bus *insights.Bus, cfg Config) *Manager {
	return &Manager{
		cache:  cache,
		wallet: w,
		sender: sender,
		bus:    bus,
		cfg:    cfg,
		locks:  namedmutex.New(),
	}
}

// RequestKind selects how ensureAllocations computes a target capacity.
type RequestKind int

const (
	SetTo RequestKind = iota
	IncreaseBy
	ScaleBy
)

// AllocationRequest is one entry of a capacity plan.
type AllocationRequest struct {
	Allocation gpptypes.Allocation
	Num        float64
	Kind       RequestKind
}

// ChannelInsights exposes the manager's insights bus, the event bus §6/§7
// describe.
func (m *Manager) ChannelInsights() *insights.Bus { return m.bus }

// ChannelCount is a passthrough to the cache's ActiveAllocations.
func (m *Manager) ChannelCount(ctx context.Context, ids []gpptypes.Destination) (map[string]int, error) {
	counts, err := m.cache.ActiveAllocations(ctx, ids)
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// targetCapacity computes the capacity a single AllocationRequest resolves
// to, given the allocation's current active channel count, clamped to
// maxCapacity. Returns a ValidationError for nonsensical inputs.
func (m *Manager) targetCapacity(req AllocationRequest, current int) (int, error) {
	maxCapacity := m.cfg.MaxCapacity()

	switch req.Kind {
	case SetTo:
		if req.Num < 0 || req.Num != float64(int(req.Num)) {
			return 0, gpperrors.Validation("ChannelManager.ensureAllocations", errSetToMustBeNonNegativeInt)
		}
		target := int(req.Num)
		if target < current {
			// SetTo never reduces current capacity.
			target = current
		}
		return clamp(target, maxCapacity), nil

	case IncreaseBy:
		if req.Num < 0 || req.Num != float64(int(req.Num)) {
			return 0, gpperrors.Validation("ChannelManager.ensureAllocations", errIncreaseByMustBeNonNegativeInt)
		}
		return clamp(current+int(req.Num), maxCapacity), nil

	case ScaleBy:
		if req.Num < 1 {
			return 0, gpperrors.Validation("ChannelManager.ensureAllocations", errScaleByMustBeAtLeastOne)
		}
		if current == 0 {
			return 0, gpperrors.Validation("ChannelManager.ensureAllocations", errScaleByRequiresNonzeroCurrent)
		}
		target := int(float64(current) * req.Num)
		return clamp(target, maxCapacity), nil

	default:
		return 0, gpperrors.Validation("ChannelManager.ensureAllocations", errUnknownRequestKind)
	}
}

func clamp(target, max int) int {
	if max > 0 && target > max {
		log.Warnf("requested capacity %d exceeds max capacity %d; clamping", target, max)
		return max
	}
	return target
}

// EnsureAllocations provisions each request's allocation up to its computed
// target capacity, running at most cfg.EnsureAllocationsConcurrency
// allocations in parallel (spec.md §5).
func (m *Manager) EnsureAllocations(ctx context.Context, requests []AllocationRequest) error {
	errs := workpool.RunErr(len(requests), m.cfg.EnsureAllocationsConcurrency, func(i int) error {
		req := requests[i]
		counts, err := m.cache.ActiveAllocations(ctx, []gpptypes.Destination{req.Allocation.ID})
		if err != nil {
			return err
		}
		current := counts[req.Allocation.ID.String()]

		target, err := m.targetCapacity(req, current)
		if err != nil {
			return err
		}
		return m.ensureAllocation(ctx, req.Allocation, target)
	})
	return firstErr(errs)
}

// SyncAllocations is serialised by the "syncAllocations" named lock so a
// concurrent plan can never observe a half-applied diff (spec.md §4.3,
// §5). It computes the set diff between the requested allocations and the
// currently active ones, ensures the requested, retires the rest, then
// closes retired channels and their ledgers.
func (m *Manager) SyncAllocations(ctx context.Context, requests []AllocationRequest) error {
	return m.locks.WithLock(syncAllocationsLockKey, func() error {
		active, err := m.cache.ActiveAllocations(ctx, nil)
		if err != nil {
			return err
		}

		requested := make(map[string]bool, len(requests))
		for _, r := range requests {
			requested[r.Allocation.ID.String()] = true
		}

		var toRemove []gpptypes.Destination
		for idStr := range active {
			if requested[idStr] {
				continue
			}
			id, err := gpptypes.ParseDestination(idStr)
			if err != nil {
				return gpperrors.Storage("ChannelManager.SyncAllocations", err)
			}
			toRemove = append(toRemove, id)
		}

		if err := m.EnsureAllocations(ctx, requests); err != nil {
			return err
		}

		if len(toRemove) > 0 {
			if err := m.RemoveAllocations(ctx, toRemove); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveAllocations retires every channel of each allocation, then closes
// retired channels and (if configured) their ledgers.
func (m *Manager) RemoveAllocations(ctx context.Context, ids []gpptypes.Destination) error {
	for _, id := range ids {
		report, err := m.cache.RetireChannels(ctx, id)
		if err != nil {
			return err
		}
		m.bus.Post(insights.Event{
			Kind: insights.ChannelsRetired,
			Retirements: []insights.Retirement{{
				ContextID:  id,
				Amount:     report.Amount,
				ChannelIDs: report.ChannelIDs,
			}},
		})
	}

	if err := m.closeRetired(ctx); err != nil {
		return err
	}

	if m.cfg.UseLedger {
		for _, id := range ids {
			ledgers, err := m.cache.GetLedgerChannels(ctx, id)
			if err != nil {
				return err
			}
			if len(ledgers) == 0 {
				continue
			}
			ledgerIDs := make([]gpptypes.Destination, len(ledgers))
			for i, l := range ledgers {
				ledgerIDs[i] = l.ChannelID
			}
			if _, err := m.wallet.CloseChannels(ctx, ledgerIDs); err != nil {
				return gpperrors.ProtocolViolation("ChannelManager.RemoveAllocations", err)
			}
			if err := m.cache.RemoveLedgerChannels(ctx, ledgerIDs); err != nil {
				return err
			}
		}
	}
	return nil
}

// runExchange wraps messageexchange.Run with the manager's wallet as the
// PushMessager, translating the Destination-keyed accumulator into the
// gpptypes.ChannelResult slice most of this package's callers want.
func (m *Manager) runExchange(ctx context.Context, initial wallet.Payload) ([]gpptypes.ChannelResult, error) {
	acc, err := messageexchange.Run(ctx, m.sender, walletPushAdapter{m.wallet}, initial)
	if err != nil {
		return nil, err
	}
	out := make([]gpptypes.ChannelResult, 0, len(acc))
	for _, cr := range acc {
		out = append(out, cr)
	}
	return out, nil
}

// walletPushAdapter narrows wallet.Wallet to messageexchange.PushMessager.
type walletPushAdapter struct{ w wallet.Wallet }

func (a walletPushAdapter) PushMessage(ctx context.Context, payload wallet.Payload) (wallet.PushMessageResult, error) {
	return a.w.PushMessage(ctx, payload)
}

func firstErr(errs []error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
