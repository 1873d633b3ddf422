// Package server exposes the runtime's update, status and telemetry surface
// over HTTP. Updates arrive as multipart pushes from the edgevault CLI; the
// accept/reject/busy decision is returned synchronously while the write and
// activate phases run in the background.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/plcforge/edgevault/pkg/journal"
	"github.com/plcforge/edgevault/pkg/manifest"
	"github.com/plcforge/edgevault/pkg/runtime"
	"github.com/plcforge/edgevault/pkg/slot"
)

type Config struct {
	Address string `mapstructure:"address"`
	// MaxUpdateBytes bounds the accepted request body for update pushes.
	MaxUpdateBytes int64 `mapstructure:"max-update-bytes"`
}

const defaultMaxUpdateBytes = 1 << 20

type Server struct {
	log *zap.Logger
	Config
	rt      *runtime.Runtime
	journal *journal.Journal
	http    *http.Server
}

func New(log *zap.Logger, config Config, rt *runtime.Runtime, j *journal.Journal, reg *prometheus.Registry) *Server {
	s := &Server{
		log:     log.With(zap.String("component", path.Base(reflect.TypeOf(Server{}).PkgPath()))),
		Config:  config,
		rt:      rt,
		journal: j,
	}
	if s.MaxUpdateBytes <= 0 {
		s.MaxUpdateBytes = defaultMaxUpdateBytes
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/update", s.handleUpdate)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s.http = &http.Server{
		Addr:              s.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe(errChan chan<- error) {
	go func() {
		s.log.Info("listening on local network address", zap.Any("address", s.Address))
		lis, err := net.Listen("tcp", s.Address)
		if err != nil {
			errChan <- fmt.Errorf("api server: error listening on the specified address %s: %w", s.Address, err)
			return
		}
		s.log.Info("serving HTTP requests")
		if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server: error serving HTTP requests: %w", err)
		}
	}()
}

func (s *Server) Stop() {
	s.log.Info("attempting to stop HTTP server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Warn("forcing HTTP server shutdown", zap.Error(err))
		s.http.Close()
	}
}

// UpdateResponse reports the synchronous outcome of an update push.
type UpdateResponse struct {
	Accepted    bool   `json:"accepted"`
	Transaction string `json:"transaction,omitempty"`
	TargetBank  string `json:"targetBank,omitempty"`
	Error       string `json:"error,omitempty"`
}

// handleUpdate expects a multipart form with "manifest" and "image" parts,
// delivered together as the update contract requires.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUpdateBytes)
	if err := r.ParseMultipartForm(s.MaxUpdateBytes); err != nil {
		s.writeJSON(w, http.StatusBadRequest, UpdateResponse{Error: "invalid multipart request: " + err.Error()})
		return
	}
	manifestBytes, err := formPart(r, "manifest")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, UpdateResponse{Error: err.Error()})
		return
	}
	imageBytes, err := formPart(r, "image")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, UpdateResponse{Error: err.Error()})
		return
	}

	txn, err := s.rt.ApplyUpdate(manifestBytes, imageBytes)
	switch {
	case errors.Is(err, slot.ErrBusy):
		s.writeJSON(w, http.StatusConflict, UpdateResponse{Error: err.Error()})
	case errors.Is(err, manifest.ErrVerification):
		s.writeJSON(w, http.StatusUnprocessableEntity, UpdateResponse{Error: err.Error()})
	case err != nil:
		s.writeJSON(w, http.StatusInternalServerError, UpdateResponse{Error: err.Error()})
	default:
		s.writeJSON(w, http.StatusAccepted, UpdateResponse{
			Accepted:    true,
			Transaction: txn.ID.String(),
			TargetBank:  txn.Target.String(),
		})
	}
}

func formPart(r *http.Request, name string) ([]byte, error) {
	f, _, err := r.FormFile(name)
	if err != nil {
		return nil, fmt.Errorf("missing %q part: %w", name, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading %q part: %w", name, err)
	}
	return data, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.rt.Stats())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	evs, err := s.journal.Recent(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, evs)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("unable to write JSON response", zap.Error(err))
	}
}
