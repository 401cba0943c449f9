package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dyluth/burrow/pkg/bus"
)

// HealthServer provides HTTP health check endpoints for the device server.
type HealthServer struct {
	addr     string
	conn     bus.Connection
	registry *Registry
	serverID string
}

// NewHealthServer creates a new health check server listening on addr.
func NewHealthServer(addr, serverID string, conn bus.Connection, registry *Registry) *HealthServer {
	return &HealthServer{
		addr:     addr,
		conn:     conn,
		registry: registry,
		serverID: serverID,
	}
}

// Handler returns the HTTP routes.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)
	mux.HandleFunc("/devices", h.devicesHandler)
	return mux
}

// Serve listens on the configured address until ctx is cancelled.
func (h *HealthServer) Serve(ctx context.Context) error {
	server := &http.Server{
		Addr:         h.addr,
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
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
		return server.Shutdown(shutdownCtx)
	}
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if the broker is reachable, 503 Service Unavailable otherwise.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:   "healthy",
		ServerID: h.serverID,
		Devices:  h.registry.Len(),
	}

	if err := h.conn.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Broker = "disconnected"
		response.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	response.Broker = "connected"
	writeJSON(w, http.StatusOK, response)
}

// devicesHandler handles GET /devices requests with the registry contents.
func (h *HealthServer) devicesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.registry.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status   string `json:"status"`
	ServerID string `json:"serverId"`
	Broker   string `json:"broker,omitempty"`
	Devices  int    `json:"devices"`
	Error    string `json:"error,omitempty"`
}
