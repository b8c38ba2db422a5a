package insights

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder subscribes to a Bus like any other consumer and mirrors its
// events into Prometheus gauges/counters, the same role
// grpc-ecosystem/go-grpc-prometheus plays for the teacher's RPC layer.
// ChannelManager never imports this package, so it stays free of a metrics
// dependency (the bus, not the manager, is what Recorder depends on).
type Recorder struct {
	channelsCreated prometheus.Counter
	channelsClosed  prometheus.Counter
	channelsRetired *prometheus.CounterVec
	retiredBalance  *prometheus.CounterVec
	activeChannels  prometheus.Gauge

	unsubscribe func()
}

// NewRecorder registers the recorder's metrics with reg and starts
// consuming bus events in a background goroutine. Call Stop to unsubscribe.
func NewRecorder(bus *Bus, reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		channelsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graph_payments_channels_created_total",
			Help: "Total payment channels created.",
		}),
		channelsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graph_payments_channels_closed_total",
			Help: "Total payment channels closed.",
		}),
		channelsRetired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graph_payments_channels_retired_total",
			Help: "Total payment channels retired, by allocation.",
		}, []string{"allocation"}),
		retiredBalance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graph_payments_retired_balance_total",
			Help: "Total receiver balance retired, by allocation.",
		}, []string{"allocation"}),
		activeChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graph_payments_active_channels",
			Help: "Payment channels currently active (approximate, event-driven).",
		}),
	}

	reg.MustRegister(r.channelsCreated, r.channelsClosed, r.channelsRetired, r.retiredBalance, r.activeChannels)

	ch, unsubscribe := bus.Subscribe()
	r.unsubscribe = unsubscribe
	go r.consume(ch)

	return r
}

func (r *Recorder) consume(ch <-chan Event) {
	for ev := range ch {
		switch ev.Kind {
		case ChannelsCreated:
			r.channelsCreated.Add(float64(len(ev.Snapshots)))
			r.activeChannels.Add(float64(len(ev.Snapshots)))
		case ChannelsClosed:
			r.channelsClosed.Add(float64(len(ev.Snapshots)))
			r.activeChannels.Sub(float64(len(ev.Snapshots)))
		case ChannelsRetired:
			for _, ret := range ev.Retirements {
				allocation := ret.ContextID.String()
				r.channelsRetired.WithLabelValues(allocation).Add(float64(len(ret.ChannelIDs)))
				if ret.Amount != nil {
					f, _ := new(big.Float).SetInt(ret.Amount).Float64()
					r.retiredBalance.WithLabelValues(allocation).Add(f)
				}
			}
		}
	}
}

// Stop unsubscribes the recorder from its bus. Already-registered metrics
// are left in place; Prometheus will simply stop seeing new samples.
func (r *Recorder) Stop() {
	r.unsubscribe()
}
