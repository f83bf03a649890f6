// Package api exposes a read-only status surface over the shared store:
// queue and account state counts, live workers, Prometheus metrics. It
// changes nothing; all writes go through the pipeline and the reaper.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rssbox/rssbox/internal/store"
)

// StatusStore is the read-only slice of the store the API serves from.
type StatusStore interface {
	DownloadStatusCounts(ctx context.Context) (map[string]int, error)
	AccountStatusCounts(ctx context.Context) (map[string]int, error)
	PendingDownloadCount(ctx context.Context) (int64, error)
	LiveWorkers(ctx context.Context) ([]store.Worker, error)
}

// Server serves the status API for one worker process.
type Server struct {
	store    StatusStore
	workerID string
	gatherer prometheus.Gatherer
	log      zerolog.Logger

	http *http.Server
}

// New builds the server. addr is the listen address; the caller decides
// whether to run it at all.
func New(addr, workerID string, s StatusStore, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	srv := &Server{store: s, workerID: workerID, gatherer: gatherer, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/health", srv.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/status", srv.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/workers", srv.handleWorkers).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return srv
}

// Start serves until Shutdown. It blocks, so run it on its own goroutine.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("status API listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"worker": s.workerID,
	})
}

type statusResponse struct {
	Worker    string         `json:"worker"`
	Pending   int64          `json:"pending_downloads"`
	Downloads map[string]int `json:"downloads"`
	Accounts  map[string]int `json:"accounts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	downloads, err := s.store.DownloadStatusCounts(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	accounts, err := s.store.AccountStatusCounts(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pending, err := s.store.PendingDownloadCount(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, statusResponse{
		Worker:    s.workerID,
		Pending:   pending,
		Downloads: downloads,
		Accounts:  accounts,
	})
}

type workerResponse struct {
	ID            string    `json:"id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	AgeSeconds    float64   `json:"age_seconds"`
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.LiveWorkers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now().UTC()
	out := make([]workerResponse, 0, len(workers))
	for _, worker := range workers {
		out = append(out, workerResponse{
			ID:            worker.ID,
			LastHeartbeat: worker.LastHeartbeat,
			AgeSeconds:    now.Sub(worker.LastHeartbeat).Seconds(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("status query failed")
	s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
