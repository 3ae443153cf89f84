package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/logging"
)

// StatusResponse is the body of the status probe
type StatusResponse struct {
	Status     string                     `json:"status"`
	Uptime     int64                      `json:"uptime"`
	LastSlot   uint64                     `json:"lastSlot"`
	QueueDepth int                        `json:"queueDepth"`
	Components map[string]ComponentHealth `json:"components"`
}

// Probes supplies the live values reported by the status probe
type Probes struct {
	LastSlot   func() uint64
	QueueDepth func() int
}

// Server exposes readiness, status and Prometheus metrics over HTTP
type Server struct {
	tracker   *Tracker
	probes    Probes
	startedAt time.Time
	logger    *logging.ComponentLogger

	server *http.Server
}

// NewServer creates a health server listening on port
func NewServer(port int, tracker *Tracker, probes Probes, startedAt time.Time, logger *logging.ComponentLogger) *Server {
	s := &Server{
		tracker:   tracker,
		probes:    probes,
		startedAt: startedAt,
		logger:    logger,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the route table
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/metrics", promhttp.Handler())
	router.PathPrefix("/").HandlerFunc(s.handleStatus)
	return router
}

// Serve accepts connections on lis until Shutdown
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Health server listening")
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server failed: %w", err)
	}
	return nil
}

// Listen binds the configured port
func (s *Server) Listen() (net.Listener, error) {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind health server on %s: %w", s.server.Addr, err)
	}
	return lis, nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.tracker.IsHealthy() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:     "healthy",
		Uptime:     int64(time.Since(s.startedAt) / time.Second),
		Components: s.tracker.Snapshot(),
	}
	if s.probes.LastSlot != nil {
		resp.LastSlot = s.probes.LastSlot()
	}
	if s.probes.QueueDepth != nil {
		resp.QueueDepth = s.probes.QueueDepth()
	}

	code := http.StatusOK
	if !s.tracker.IsHealthy() {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
