// Command graph-payments runs a payment-channel pool daemon: it wires the
// channel cache, wallet, message transport, insights bus, channel manager
// and payment manager together and exposes nothing beyond process
// lifecycle — the actual RPC/HTTP surface that calls into ChannelManager
// and PaymentManager is out of scope (spec.md §1 Non-goals). Grounded on
// the teacher's lnd.go Main(), trimmed to this module's much narrower set
// of subsystems.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/graphprotocol/graph-payments/build"
	"github.com/graphprotocol/graph-payments/channelcache"
	"github.com/graphprotocol/graph-payments/channelmanager"
	"github.com/graphprotocol/graph-payments/insights"
	"github.com/graphprotocol/graph-payments/messageexchange"
	"github.com/graphprotocol/graph-payments/paymentmanager"
	"github.com/graphprotocol/graph-payments/wallet"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	backend := btclog.NewBackend(os.Stdout)
	channelcache.UseLogger(backend)
	channelmanager.UseLogger(backend)
	messageexchange.UseLogger(backend)
	paymentmanager.UseLogger(backend)
	log := build.NewSubLogger("GPPD", backend)

	ctx := context.Background()

	pool, err := pgxpool.Connect(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	cache := channelcache.New(pool, cfg.DatabaseDSN)
	if err := cache.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing channel cache: %w", err)
	}
	defer cache.Destroy(ctx)

	w, err := newWallet(cfg)
	if err != nil {
		return fmt.Errorf("constructing wallet: %w", err)
	}

	sender := newTransportSender(cfg)
	bus := insights.New()

	mgr := channelmanager.New(cache, w, sender, bus, cfg.ChannelManager)
	_ = paymentmanager.New(cache, w)

	recorder := insights.NewRecorder(bus, prometheus.DefaultRegisterer)
	defer recorder.Stop()

	go mgr.RunSyncLoop(ctx, 30*time.Second, 2*time.Minute, channelmanager.SyncOptions{})

	log.Infof("graph-payments started, max capacity per allocation=%d", cfg.ChannelManager.MaxCapacity())

	// The server surface (HTTP/RPC handlers driving mgr.EnsureAllocations,
	// mgr.SyncAllocations, and the paymentmanager) is out of scope here;
	// callers embed this wiring directly.
	<-ctx.Done()
	return nil
}

// wallet and transport construction are left to a concrete deployment:
// this module treats both as pluggable external collaborators (spec.md §6).
func newWallet(cfg *Config) (wallet.Wallet, error) {
	return nil, fmt.Errorf("no wallet implementation configured")
}

func newTransportSender(cfg *Config) messageexchange.Sender {
	return nil
}
