// Package httpapi serves the provisioning control API used by the status
// page: start, cancel and clear jobs, print labels and read job history.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	provisioner "github.com/freerangeinternet/fri-provisioning"
	"github.com/freerangeinternet/fri-provisioning/pkg/jobrecorder"
)

const maxBodyBytes = 1 << 20

// JobLister reads the job history.
type JobLister interface {
	ListJobs(ctx context.Context, limit int) ([]jobrecorder.JobRow, error)
}

// Config wires the server to the supervisor and its collaborators.
type Config struct {
	Addr       string
	APIKeys    []string
	Supervisor *provisioner.Supervisor
	Labels     provisioner.LabelPrinter
	// History is optional; without it /api/jobs answers 404.
	History JobLister
	// Metrics is served on /metrics when set.
	Metrics http.Handler
}

type Server struct {
	cfg    Config
	store  *provisioner.Store
	server *http.Server
}

func New(cfg Config) (*Server, error) {
	if cfg.Supervisor == nil {
		return nil, errors.New("httpapi: supervisor is required")
	}
	if cfg.Labels == nil {
		return nil, errors.New("httpapi: label printer is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":3000"
	}
	return &Server{cfg: cfg, store: cfg.Supervisor.Store()}, nil
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/provision", s.handleProvision)
	api.HandleFunc("DELETE /api/provision", s.handleCancel)
	api.HandleFunc("GET /api/status", s.handleStatus)
	api.HandleFunc("DELETE /api/status", s.handleClear)
	api.HandleFunc("POST /api/label", s.handleLabel)
	api.HandleFunc("GET /api/screenshot", s.handleScreenshot)
	api.HandleFunc("GET /api/jobs", s.handleJobs)
	api.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusBadRequest, "invalid method")
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics)
	}
	mux.Handle("/api/", s.requireAPIKey(api))
	return mux
}

// Run serves until ctx is cancelled, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("control API listening")
		err := s.server.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serve control API")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown control API")
	}
	return nil
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.APIKeys) == 0 {
			writeError(w, http.StatusInternalServerError, "missing API_KEYS environment variable")
			return
		}
		if !r.URL.Query().Has("apikey") {
			writeError(w, http.StatusUnauthorized, "missing ?apikey=")
			return
		}
		key := r.URL.Query().Get("apikey")
		if key == "" || !s.validKey(key) {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) validKey(key string) bool {
	for _, k := range s.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceParam(w, r)
	if !ok {
		return
	}
	data, ok := readData(w, r)
	if !ok {
		return
	}
	// Jobs outlive the request.
	ctx := context.WithoutCancel(r.Context())
	started, err := s.cfg.Supervisor.StartMany(ctx, device.Expand(), data)
	switch {
	case errors.Is(err, provisioner.ErrNotIdle):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil && len(started) == 0:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("device", string(device)).Str("name", data.Hostname).Int("started", len(started)).Msg("provision requested")
	writeJSON(w, http.StatusOK, s.store.Get())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceParam(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Supervisor.Cancel(device.Expand()...); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.store.Get())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Get())
}

// handleClear clears whichever selected devices are terminal. It fails only
// when none of them are.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceParam(w, r)
	if !ok {
		return
	}
	state := s.store.Get()
	var terminal []provisioner.Device
	for _, d := range device.Expand() {
		if p := state.Of(d).Phase; p == provisioner.PhaseSuccess || p == provisioner.PhaseError {
			terminal = append(terminal, d)
		}
	}
	if len(terminal) == 0 {
		writeJSON(w, http.StatusBadRequest, state)
		return
	}
	if err := s.store.Clear(terminal...); err != nil {
		writeJSON(w, http.StatusBadRequest, s.store.Get())
		return
	}
	writeJSON(w, http.StatusOK, s.store.Get())
}

func (s *Server) handleLabel(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceParam(w, r)
	if !ok {
		return
	}
	if device == provisioner.DeviceEverything {
		writeError(w, http.StatusBadRequest, "invalid device")
		return
	}
	data, ok := readData(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Labels.Print(r.Context(), device, data); err != nil {
		log.Warn().Err(err).Str("device", string(device)).Msg("print label")
		writeError(w, http.StatusInternalServerError, "error from label service: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceParam(w, r)
	if !ok {
		return
	}
	if device == provisioner.DeviceEverything {
		writeError(w, http.StatusBadRequest, "invalid device")
		return
	}
	st := s.store.Status(device)
	if st.Err == nil || len(st.Err.Screenshot) == 0 {
		writeError(w, http.StatusNotFound, "no screenshot")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(st.Err.Screenshot)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(st.Err.Screenshot)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotFound, "job history disabled")
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	rows, err := s.cfg.History.ListJobs(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("list jobs")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []jobrecorder.JobRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": rows})
}

func deviceParam(w http.ResponseWriter, r *http.Request) (provisioner.Device, bool) {
	d, err := provisioner.ParseDevice(r.URL.Query().Get("device"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device")
		return "", false
	}
	return d, true
}

func readData(w http.ResponseWriter, r *http.Request) (provisioner.ProvisioningData, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return provisioner.ProvisioningData{}, false
	}
	data, err := provisioner.DecodeProvisioningData(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid input data: "+err.Error())
		return provisioner.ProvisioningData{}, false
	}
	return data, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
