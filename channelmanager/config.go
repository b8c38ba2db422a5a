package channelmanager

import "time"

// BackoffStrategy is the exponential backoff schedule ensureObjectives
// polls on: delays double each attempt, starting at InitialDelay, for
// NumAttempts attempts.
type BackoffStrategy struct {
	InitialDelay time.Duration
	NumAttempts  int
}

// Schedule returns the concrete delay sequence
// [InitialDelay*2^0, InitialDelay*2^1, ...] of length NumAttempts.
func (b BackoffStrategy) Schedule() []time.Duration {
	out := make([]time.Duration, b.NumAttempts)
	delay := b.InitialDelay
	for i := range out {
		out[i] = delay
		delay *= 2
	}
	return out
}

// ChallengeDuration holds the on-chain challenge timeouts for the two
// channel kinds this module provisions.
type ChallengeDuration struct {
	LedgerChannel  uint32
	PaymentChannel uint32
}

// DefaultChallengeDuration matches spec.md §4.3's stated defaults: one hour
// for ledger channels, ten minutes for payment channels.
func DefaultChallengeDuration() ChallengeDuration {
	return ChallengeDuration{
		LedgerChannel:  uint32((1 * time.Hour).Seconds()),
		PaymentChannel: uint32((10 * time.Minute).Seconds()),
	}
}

// FundingStrategyKind mirrors wallet.FundingStrategy without importing the
// wallet package's type directly into the public config surface, so
// callers can construct a Config without importing the wallet package.
type FundingStrategyKind int

const (
	FundingDirect FundingStrategyKind = iota
	FundingFake
)

// Config is the capacity-controller configuration enumerated in spec.md
// §4.3. Every field is a configuration knob, including the concurrency
// constants spec.md §9 calls out as "not justified by derivation" — never
// a hardcoded constant.
type Config struct {
	// FundsPerAllocation is the max total a ledger may lock for one
	// allocation.
	FundsPerAllocation uint64

	// PaymentChannelFundingAmount is the per-channel stake; MaxCapacity
	// is derived as FundsPerAllocation / PaymentChannelFundingAmount.
	PaymentChannelFundingAmount uint64

	FundingStrategy FundingStrategyKind
	UseLedger       bool

	// EnsureAllocationsConcurrency caps per-allocation provisioning
	// parallelism. 0 means unbounded (discouraged: can overload the
	// peer).
	EnsureAllocationsConcurrency int

	SyncOpeningChannelsPollInterval time.Duration
	SyncOpeningChannelsMaxAttempts  int

	ChallengeDuration ChallengeDuration
	BackoffStrategy   BackoffStrategy

	// ChannelCreateChunkSize bounds how many channels are requested from
	// the wallet in a single createChannels call (spec.md §4.3 step 8:
	// "chunk by 50").
	ChannelCreateChunkSize int

	// SyncChannelsConcurrency bounds how many message exchanges run
	// concurrently per recipient group during syncChannels (spec.md
	// §4.3.3 step 4: "concurrency-capped at 4").
	SyncChannelsConcurrency int

	// CloseRetiredAllocationConcurrency / CloseRetiredChannelConcurrency
	// implement the 6x6 fan-out spec.md §5 names for closeRetired.
	CloseRetiredAllocationConcurrency int
	CloseRetiredChannelConcurrency    int

	// CloseChunkSize bounds how many channel ids are closed per
	// wallet.CloseChannels call.
	CloseChunkSize int

	// AssetHolderAddress and AttestationAppAddress are the on-chain
	// contract addresses a new channel's start state references.
	AssetHolderAddress    []byte
	AttestationAppAddress []byte
	ChainID               uint64
}

// MaxCapacity returns floor(FundsPerAllocation / PaymentChannelFundingAmount).
func (c Config) MaxCapacity() int {
	if c.PaymentChannelFundingAmount == 0 {
		return 0
	}
	return int(c.FundsPerAllocation / c.PaymentChannelFundingAmount)
}

// DefaultConfig returns a Config populated with the constants spec.md §5
// names (50-channel chunking, 4/6x6 concurrency), documented there as
// implementation defaults a real deployment should override.
func DefaultConfig() Config {
	return Config{
		ChallengeDuration:                 DefaultChallengeDuration(),
		BackoffStrategy:                   BackoffStrategy{InitialDelay: 500 * time.Millisecond, NumAttempts: 5},
		SyncOpeningChannelsPollInterval:   2 * time.Second,
		SyncOpeningChannelsMaxAttempts:    30,
		ChannelCreateChunkSize:            50,
		SyncChannelsConcurrency:           4,
		CloseRetiredAllocationConcurrency: 6,
		CloseRetiredChannelConcurrency:    6,
		CloseChunkSize:                    50,
	}
}
