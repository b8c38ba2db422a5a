package channelmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffScheduleDoublesEachAttempt(t *testing.T) {
	b := BackoffStrategy{InitialDelay: 100 * time.Millisecond, NumAttempts: 4}

	schedule := b.Schedule()
	require.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}, schedule)
}

func TestBackoffScheduleZeroAttempts(t *testing.T) {
	b := BackoffStrategy{InitialDelay: time.Second, NumAttempts: 0}
	require.Empty(t, b.Schedule())
}

func TestMaxCapacity(t *testing.T) {
	cfg := Config{FundsPerAllocation: 1000, PaymentChannelFundingAmount: 300}
	require.Equal(t, 3, cfg.MaxCapacity())
}

func TestMaxCapacityZeroFundingAmount(t *testing.T) {
	cfg := Config{FundsPerAllocation: 1000, PaymentChannelFundingAmount: 0}
	require.Equal(t, 0, cfg.MaxCapacity())
}

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, 50, cfg.ChannelCreateChunkSize)
	require.Equal(t, 4, cfg.SyncChannelsConcurrency)
	require.Equal(t, 6, cfg.CloseRetiredAllocationConcurrency)
	require.Equal(t, 6, cfg.CloseRetiredChannelConcurrency)
	require.Equal(t, 50, cfg.CloseChunkSize)
}
