// Package metrics provides Prometheus instrumentation for a servent.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "commune"

// Metrics holds the servent's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Wire metrics
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	BytesReceived    prometheus.Counter
	BytesSent        prometheus.Counter
	InvalidMessages  prometheus.Counter

	// Directory metrics
	Connections     prometheus.Gauge
	KnownPeers      prometheus.Gauge
	DeadPeers       prometheus.Gauge
	ConnectionsOpen *prometheus.CounterVec
	Disconnects     prometheus.Counter

	// Transfer metrics
	RequestsServed    *prometheus.CounterVec
	DownloadsTotal    *prometheus.CounterVec
	DownloadDuration  prometheus.Histogram
	DownloadBytes     prometheus.Counter
	GossipEntriesSeen prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages decoded from peers by type",
		}, []string{"type"}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages fully written to peers by type",
		}, []string{"type"}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Framed bytes read from peer sockets",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Framed bytes written to peer sockets",
		}),
		InvalidMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_messages_total",
			Help:      "Frames that failed to decode",
		}),

		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live peer connections",
		}),
		KnownPeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_peers",
			Help:      "Peers in the directory",
		}),
		DeadPeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_peers",
			Help:      "Tombstoned peer IDs",
		}),
		ConnectionsOpen: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Connections registered by direction",
		}, []string{"direction"}),
		Disconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Registered connections that closed",
		}),

		RequestsServed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_served_total",
			Help:      "Requests answered by status code",
		}, []string{"status"}),
		DownloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Finished downloads by outcome",
		}, []string{"outcome"}),
		DownloadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Time from request to last payload byte",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		DownloadBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Payload bytes stored for downloads",
		}),
		GossipEntriesSeen: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_entries_total",
			Help:      "Peer records received in exchanges",
		}),
	}
}

func (m *Metrics) MessageReceived(typ string, size int) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(typ).Inc()
	m.BytesReceived.Add(float64(size))
}

func (m *Metrics) MessageSent(typ string, size int) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(typ).Inc()
	m.BytesSent.Add(float64(size))
}

func (m *Metrics) InvalidMessage() {
	if m == nil {
		return
	}
	m.InvalidMessages.Inc()
}

// UpdateDirectory sets the directory gauges.
func (m *Metrics) UpdateDirectory(connections, known, dead int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(connections))
	m.KnownPeers.Set(float64(known))
	m.DeadPeers.Set(float64(dead))
}

func (m *Metrics) ConnectionOpened(inbound bool) {
	if m == nil {
		return
	}
	direction := "outbound"
	if inbound {
		direction = "inbound"
	}
	m.ConnectionsOpen.WithLabelValues(direction).Inc()
}

func (m *Metrics) Disconnected() {
	if m == nil {
		return
	}
	m.Disconnects.Inc()
}

func (m *Metrics) RequestServed(status int16) {
	if m == nil {
		return
	}
	m.RequestsServed.WithLabelValues(statusLabel(status)).Inc()
}

// RecordDownload records a finished download. A nil err counts as success.
func (m *Metrics) RecordDownload(err error, size int64, duration time.Duration) {
	if m == nil {
		return
	}
	if err != nil {
		m.DownloadsTotal.WithLabelValues("failed").Inc()
		return
	}
	m.DownloadsTotal.WithLabelValues("ok").Inc()
	m.DownloadDuration.Observe(duration.Seconds())
	m.DownloadBytes.Add(float64(size))
}

func (m *Metrics) GossipReceived(entries int) {
	if m == nil {
		return
	}
	m.GossipEntriesSeen.Add(float64(entries))
}

func statusLabel(status int16) string {
	switch status {
	case 200:
		return "200"
	case 404:
		return "404"
	}
	return "other"
}

// Server exposes /metrics and /health over HTTP.
type Server struct {
	server *http.Server
}

func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
