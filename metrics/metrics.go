package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"realtime-hub/domain"
)

// Metrics implements the hub and protocol recorders on top of Prometheus.
type Metrics struct {
	Connections prometheus.Gauge
	OnlineUsers prometheus.Gauge
	Rooms       prometheus.Gauge

	// EventsReceived counts inbound client events. Labels: event
	EventsReceived *prometheus.CounterVec
	// EventsRejected counts error replies. Labels: code
	EventsRejected *prometheus.CounterVec
	// EventsSent counts frames queued to connections. Labels: event
	EventsSent *prometheus.CounterVec
	SendDrops  prometheus.Counter

	// HTTPRequestDuration labels: method, route, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Open transport connections",
		}),
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_online_users",
			Help: "Users with at least one open connection",
		}),
		Rooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_rooms",
			Help: "Rooms with at least one member, per-user rooms included",
		}),
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_received_total",
			Help: "Client events received by kind",
		}, []string{"event"}),
		EventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_rejected_total",
			Help: "Client events answered with an error, by code",
		}, []string{"code"}),
		EventsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_sent_total",
			Help: "Server events queued to connections by kind",
		}, []string{"event"}),
		SendDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_send_drops_total",
			Help: "Sends that failed because a connection buffer was full",
		}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "realtime_http_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route", "status_code"}),
		gatherer: gatherer,
	}
}

func (m *Metrics) SetConnections(n int) { m.Connections.Set(float64(n)) }
func (m *Metrics) SetOnlineUsers(n int) { m.OnlineUsers.Set(float64(n)) }
func (m *Metrics) SetRooms(n int)       { m.Rooms.Set(float64(n)) }
func (m *Metrics) SendDropped()         { m.SendDrops.Inc() }

func (m *Metrics) EventSent(kind domain.Kind, n int) {
	if n > 0 {
		m.EventsSent.WithLabelValues(string(kind)).Add(float64(n))
	}
}

func (m *Metrics) EventReceived(kind domain.Kind) {
	m.EventsReceived.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) EventRejected(code string) {
	m.EventsRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
