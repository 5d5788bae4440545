package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Collector struct {
	reg *prometheus.Registry

	TransportsLoaded  prometheus.Gauge
	TransportsRunning prometheus.Gauge
	LoadFailures      *prometheus.CounterVec // reason label: path|timeline|register
	PathReloads       *prometheus.CounterVec // result label: replaced|unchanged|error

	HardRelocations  prometheus.Counter
	SoftRelocations  prometheus.Counter
	RelocationRetrys prometheus.Counter
	HooksFired       *prometheus.CounterVec // kind: arrival|departure, handled: true|false

	Passengers        prometheus.Gauge
	PassengersBoarded prometheus.Counter
	PassengersDropped prometheus.Counter
	RegionTransfers   prometheus.Counter
	UnhandledScripts  prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	TickDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram

	SpeedMultiplier prometheus.Gauge
	TickInterval    prometheus.Gauge // seconds
	PublishInterval prometheus.Gauge // seconds
}

func NewCollector(speedMultiplier float64, tickInterval, publishInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		TransportsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_transports_loaded",
			Help: "Number of transports built from their templates.",
		}),
		TransportsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_transports_running",
			Help: "Number of transports in the running or anchored state.",
		}),
		LoadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simulator_transport_load_failures_total",
			Help: "Templates that could not be turned into a transport.",
		}, []string{"reason"}),
		PathReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simulator_path_reloads_total",
			Help: "Dynamic path reload attempts by result.",
		}, []string{"result"}),
		HardRelocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_hard_relocations_total",
			Help: "Cross-region teleports performed.",
		}),
		SoftRelocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_soft_relocations_total",
			Help: "In-region position updates.",
		}),
		RelocationRetrys: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_relocation_retries_total",
			Help: "Hard relocations deferred because the target region was unavailable.",
		}),
		HooksFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simulator_hooks_fired_total",
			Help: "Arrival and departure events fired at path nodes.",
		}, []string{"kind", "handled"}),
		Passengers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_passengers",
			Help: "Passengers currently attached to a transport.",
		}),
		PassengersBoarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_passengers_boarded_total",
			Help: "Total passengers boarded.",
		}),
		PassengersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_passengers_dropped_total",
			Help: "Passengers detached because they left the world.",
		}),
		RegionTransfers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_region_transfers_total",
			Help: "Transports handed to another region loop.",
		}),
		UnhandledScripts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_unhandled_events_total",
			Help: "Events that reached the fallback script runner.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulator_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "simulator_tick_duration_seconds",
			Help:    "Duration of one region loop tick.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "simulator_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		SpeedMultiplier: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_speed_multiplier",
			Help: "Current speed multiplier.",
		}),
		TickInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_tick_interval_seconds",
			Help: "Region loop tick interval in seconds.",
		}),
		PublishInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_publish_interval_seconds",
			Help: "Publish interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.TransportsLoaded, c.TransportsRunning, c.LoadFailures, c.PathReloads,
		c.HardRelocations, c.SoftRelocations, c.RelocationRetrys, c.HooksFired,
		c.Passengers, c.PassengersBoarded, c.PassengersDropped, c.RegionTransfers, c.UnhandledScripts,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.TickDuration, c.PublishDuration,
		c.SpeedMultiplier, c.TickInterval, c.PublishInterval,
	)

	c.SpeedMultiplier.Set(speedMultiplier)
	c.TickInterval.Set(tickInterval.Seconds())
	c.PublishInterval.Set(publishInterval.Seconds())

	return c
}

// Registry exposes the collector's private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) HardRelocation()  { c.HardRelocations.Inc() }
func (c *Collector) SoftRelocation()  { c.SoftRelocations.Inc() }
func (c *Collector) RelocationRetry() { c.RelocationRetrys.Inc() }

func (c *Collector) HookFired(kind string, handled bool) {
	h := "false"
	if handled {
		h = "true"
	}
	c.HooksFired.WithLabelValues(kind, h).Inc()
}

func (c *Collector) PassengerBoarded() {
	c.PassengersBoarded.Inc()
	c.Passengers.Inc()
}

func (c *Collector) PassengerUnboarded() { c.Passengers.Dec() }

func (c *Collector) PassengerDropped() {
	c.PassengersDropped.Inc()
	c.Passengers.Dec()
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics listening", zap.String("addr", addr))
	return srv
}
