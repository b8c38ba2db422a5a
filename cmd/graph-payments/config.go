package main

import (
	flags "github.com/jessevdk/go-flags"

	"github.com/graphprotocol/graph-payments/channelmanager"
)

// Config is the daemon's top-level configuration, parsed from command-line
// flags with go-flags the way the teacher's lnd config does.
type Config struct {
	DatabaseDSN string `long:"database_dsn" description:"Postgres connection string backing the channel cache"`

	FundsPerAllocation          uint64 `long:"funds_per_allocation" description:"Max total funds lockable per allocation"`
	PaymentChannelFundingAmount uint64 `long:"payment_channel_funding_amount" description:"Per-channel funding stake"`
	UseLedger                   bool   `long:"use_ledger" description:"Fund payment channels through an intermediary ledger channel"`

	ChannelManager channelmanager.Config `no-flag:"true"`
}

// loadConfig parses command-line flags into a Config, applying
// channelmanager.DefaultConfig()'s concurrency/chunking defaults first so
// callers need only override what they care about.
func loadConfig() (*Config, error) {
	cfg := &Config{
		ChannelManager: channelmanager.DefaultConfig(),
	}

	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	cfg.ChannelManager.FundsPerAllocation = cfg.FundsPerAllocation
	cfg.ChannelManager.PaymentChannelFundingAmount = cfg.PaymentChannelFundingAmount
	cfg.ChannelManager.UseLedger = cfg.UseLedger

	return cfg, nil
}
