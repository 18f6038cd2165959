// Package api serves the bridge's status, health probe and metrics over
// HTTP, and optionally over HTTP/3.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/framebridge/internal/certs"
	"github.com/zsiec/framebridge/internal/encoder"
	"github.com/zsiec/framebridge/internal/health"
	"github.com/zsiec/framebridge/internal/ingest"
	"github.com/zsiec/framebridge/internal/ingest/srt"
)

// Status is the body of GET /api/status.
type Status struct {
	Pipeline health.Snapshot `json:"pipeline"`
	Encoder  encoder.Status  `json:"encoder"`
}

// PullController starts and stops SRT pulls on request.
type PullController interface {
	Pull(ctx context.Context, req srt.PullRequest) error
	Stop(streamKey string) error
	ActivePulls() []srt.PullRequest
}

// Config wires the server to the running pipeline.
type Config struct {
	Addr string
	// H3Addr enables an HTTP/3 listener serving the same routes.
	H3Addr string
	// Cert is required when H3Addr is set.
	Cert *certs.CertInfo

	Monitor *health.Monitor
	Metrics http.Handler
	Sources func() []ingest.SourceStats
	Encoder func() encoder.Status
	// Pulls is optional; without it the SRT pull routes are not mounted.
	Pulls PullController
}

// Server is the status API.
type Server struct {
	log    *slog.Logger
	config Config
	router chi.Router
}

// NewServer builds the router. If log is nil, slog.Default() is used.
func NewServer(cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:    log.With("component", "api"),
		config: cfg,
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	if s.config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.config.Metrics)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/sources", s.handleSources)
		if s.config.Pulls != nil {
			r.Get("/srt-pulls", s.handleListPulls)
			r.Post("/srt-pulls", s.handleStartPull)
			r.Delete("/srt-pulls/{streamKey}", s.handleStopPull)
		}
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.config.Monitor.State()
	code := http.StatusOK
	if !state.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"state": state.String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := Status{Pipeline: s.config.Monitor.Snapshot()}
	if s.config.Encoder != nil {
		st.Encoder = s.config.Encoder()
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	sources := []ingest.SourceStats{}
	if s.config.Sources != nil {
		sources = s.config.Sources()
	}
	writeJSON(w, http.StatusOK, sources)
}

func (s *Server) handleListPulls(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Pulls.ActivePulls())
}

func (s *Server) handleStartPull(w http.ResponseWriter, r *http.Request) {
	var req srt.PullRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.config.Pulls.Pull(r.Context(), req); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleStopPull(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "streamKey")
	if err := s.config.Pulls.Stop(key); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Start serves HTTP, and HTTP/3 when configured, until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.config.H3Addr != "" && s.config.Cert == nil {
		return errors.New("API server: HTTP/3 requires a certificate")
	}

	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("HTTP API listening", "addr", s.config.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("API server: %w", err)
			return
		}
		errCh <- nil
	}()

	var h3 *http3.Server
	if s.config.H3Addr != "" {
		h3 = &http3.Server{
			Addr:      s.config.H3Addr,
			Handler:   s.router,
			TLSConfig: s.config.Cert.TLSConfig(),
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
			},
		}
		go func() {
			s.log.Info("HTTP/3 API listening", "addr", s.config.H3Addr,
				"cert_sha256", s.config.Cert.FingerprintHex())
			if err := h3.ListenAndServe(); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("HTTP/3 API server: %w", err)
				return
			}
			errCh <- nil
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			srv.Close()
			if h3 != nil {
				h3.Close()
			}
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if h3 != nil {
		h3.Close()
	}
	return srv.Shutdown(shutdownCtx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs each request at debug level; status polling would
// otherwise flood the info log.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"size", ww.BytesWritten(),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
