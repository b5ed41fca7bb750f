package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncguard/syncguard/internal/core/domain"
	"github.com/syncguard/syncguard/internal/infra/storage"
)

// Server exposes the health and reporting endpoints over HTTP.
type Server struct {
	tracker *Tracker
	ping    func(ctx context.Context) error
	server  *http.Server
}

// NewServer creates the status server.
func NewServer(tracker *Tracker, ping func(ctx context.Context) error, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		tracker: tracker,
		ping:    ping,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/dashboard", s.handleDashboard)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	provider := domain.Provider(r.URL.Query().Get("provider"))
	if userID == "" || provider == "" {
		http.Error(w, "user and provider query parameters are required", http.StatusBadRequest)
		return
	}

	status, err := s.tracker.Status(r.Context(), userID, provider)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "connection not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"user_id":  userID,
		"provider": string(provider),
		"status":   string(status),
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "hours must be a positive integer", http.StatusBadRequest)
			return
		}
		hours = parsed
	}
	provider := domain.Provider(r.URL.Query().Get("provider"))

	snapshot, err := s.tracker.Dashboard(r.Context(), provider, hours)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}
