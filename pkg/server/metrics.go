package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each server gets its own
// registry so tests can run several servers side by side. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connectedClients  prometheus.Gauge
	rooms             prometheus.Gauge
	connections       *prometheus.CounterVec
	disconnections    *prometheus.CounterVec
	commands          *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
	slowConsumers     prometheus.Counter
	handshakeFailures prometheus.Counter
	roomsCreated      prometheus.Counter
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomchat_connected_clients",
			Help: "Number of clients that completed the NAME handshake",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomchat_rooms",
			Help: "Number of rooms",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_connections_total",
			Help: "Registered connections by transport",
		}, []string{"transport"}),
		disconnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_disconnections_total",
			Help: "Disconnections by reason",
		}, []string{"reason"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_commands_total",
			Help: "Commands received by command tag",
		}, []string{"command"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_frames_sent_total",
			Help: "Frames queued for delivery by tag",
		}, []string{"tag"}),
		slowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_slow_consumers_total",
			Help: "Clients disconnected because their outbound queue filled up",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_handshake_failures_total",
			Help: "Connections dropped before or during the NAME handshake",
		}),
		roomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_rooms_created_total",
			Help: "Rooms created",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectedClients,
		m.rooms,
		m.connections,
		m.disconnections,
		m.commands,
		m.framesSent,
		m.slowConsumers,
		m.handshakeFailures,
		m.roomsCreated,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetConnectedClients(n int) {
	if m == nil {
		return
	}
	m.connectedClients.Set(float64(n))
}

func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}

func (m *Metrics) RecordConnection(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordDisconnection(reason string) {
	if m == nil {
		return
	}
	m.disconnections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordCommand(command string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command).Inc()
}

func (m *Metrics) RecordFrameSent(tag string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(tag).Inc()
}

func (m *Metrics) RecordSlowConsumer() {
	if m == nil {
		return
	}
	m.slowConsumers.Inc()
}

func (m *Metrics) RecordHandshakeFailure() {
	if m == nil {
		return
	}
	m.handshakeFailures.Inc()
}

func (m *Metrics) RecordRoomCreated() {
	if m == nil {
		return
	}
	m.roomsCreated.Inc()
}

// HealthStatus is the body of the /health endpoint
type HealthStatus struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Clients       int64  `json:"clients"`
	Rooms         int64  `json:"rooms"`
}

// HealthHandler reports liveness and the current client and room counts
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime) / time.Second),
		Clients:       s.clientCount.Load(),
		Rooms:         s.roomCount.Load(),
	}

	select {
	case <-s.done:
		status.Status = "shutting down"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	json.NewEncoder(w).Encode(status)
}
