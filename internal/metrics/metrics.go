package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Agent-side metrics
	SessionsFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codetally_sessions_flushed_total",
			Help: "Total tracking sessions flushed into the day accumulator",
		},
	)

	SecondsAccumulated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codetally_seconds_accumulated_total",
			Help: "Total seconds credited to the local day accumulator",
		},
		[]string{"language"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codetally_deliveries_total",
			Help: "Delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codetally_offline_queue_depth",
			Help: "Deltas waiting in the offline queue",
		},
	)

	ActivitySignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codetally_activity_signals_total",
			Help: "Activity signals received, by disposition",
		},
		[]string{"disposition"},
	)

	// Server-side metrics
	TrackRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codetally_track_requests_total",
			Help: "Track endpoint requests by status",
		},
		[]string{"status"},
	)

	SecondsMerged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codetally_seconds_merged_total",
			Help: "Total seconds merged into stored day records",
		},
	)

	StatsRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codetally_stats_requests_total",
			Help: "Read API requests by endpoint",
		},
		[]string{"endpoint"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsFlushed,
		SecondsAccumulated,
		DeliveriesTotal,
		QueueDepth,
		ActivitySignals,
		TrackRequests,
		SecondsMerged,
		StatsRequests,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
