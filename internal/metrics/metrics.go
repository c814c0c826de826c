// Package metrics exposes gateway activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the metrics surface used by the gateway and the archive.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	AuthFailed()
	EventReceived(eventType string)
	ProtocolError(code string)
	Broadcast(delivered, dropped int)
	ArchiveWrite(ok bool)
	ArchiveDropped()
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	connections    prometheus.Gauge
	authFailures   prometheus.Counter
	eventsReceived *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	deliveries     prometheus.Counter
	deliveryDrops  prometheus.Counter
	archiveWrites  *prometheus.CounterVec
	archiveDrops   prometheus.Counter
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "classgate_connections_active",
			Help: "Number of active gateway sessions",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "classgate_auth_failures_total",
			Help: "Connection attempts rejected by the identity verifier",
		}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "classgate_events_received_total",
			Help: "Inbound client events by type",
		}, []string{"type"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "classgate_protocol_errors_total",
			Help: "Inbound events rejected with a protocol error, by code",
		}, []string{"code"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "classgate_deliveries_total",
			Help: "Outbound events handed to a member outbox",
		}),
		deliveryDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "classgate_delivery_drops_total",
			Help: "Outbound events dropped because a member outbox was full or closed",
		}),
		archiveWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "classgate_archive_writes_total",
			Help: "Chat events written to the archive, by result",
		}, []string{"result"}),
		archiveDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "classgate_archive_drops_total",
			Help: "Chat events dropped because the archive queue was full",
		}),
	}

	reg.MustRegister(
		c.connections,
		c.authFailures,
		c.eventsReceived,
		c.protocolErrors,
		c.deliveries,
		c.deliveryDrops,
		c.archiveWrites,
		c.archiveDrops,
	)

	return c
}

func (c *Collector) ConnectionOpened() { c.connections.Inc() }
func (c *Collector) ConnectionClosed() { c.connections.Dec() }
func (c *Collector) AuthFailed()       { c.authFailures.Inc() }

func (c *Collector) EventReceived(eventType string) {
	c.eventsReceived.WithLabelValues(eventType).Inc()
}

func (c *Collector) ProtocolError(code string) {
	c.protocolErrors.WithLabelValues(code).Inc()
}

func (c *Collector) Broadcast(delivered, dropped int) {
	c.deliveries.Add(float64(delivered))
	c.deliveryDrops.Add(float64(dropped))
}

func (c *Collector) ArchiveWrite(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.archiveWrites.WithLabelValues(result).Inc()
}

func (c *Collector) ArchiveDropped() { c.archiveDrops.Inc() }

// Nop discards every observation.
type Nop struct{}

func (Nop) ConnectionOpened()    {}
func (Nop) ConnectionClosed()    {}
func (Nop) AuthFailed()          {}
func (Nop) EventReceived(string) {}
func (Nop) ProtocolError(string) {}
func (Nop) Broadcast(int, int)   {}
func (Nop) ArchiveWrite(bool)    {}
func (Nop) ArchiveDropped()      {}

// Handler returns the Prometheus scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
