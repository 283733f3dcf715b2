// Package gateway serves the read-only HTTP surface: health, metrics and a
// small JSON view over the quote store.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sipeed/picoquote/pkg/config"
	"github.com/sipeed/picoquote/pkg/logger"
	"github.com/sipeed/picoquote/pkg/metrics"
	"github.com/sipeed/picoquote/pkg/quote"
)

const maxListLimit = 500

// StatusFunc reports channel state for /healthz. May be nil.
type StatusFunc func() map[string]interface{}

type Server struct {
	addr    string
	store   *quote.Store
	metrics *metrics.Collector
	status  StatusFunc
	started time.Time
	srv     *http.Server
}

func New(cfg config.GatewayConfig, store *quote.Store, collector *metrics.Collector, status StatusFunc) *Server {
	s := &Server{
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		store:   store,
		metrics: collector,
		status:  status,
		started: time.Now(),
	}
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Addr() string {
	return s.addr
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(requestLogger)

	router.Get("/healthz", s.health)
	if s.metrics != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	router.Route("/api/quotes", func(r chi.Router) {
		r.Get("/", s.listQuotes)
		r.Get("/random", s.randomQuote)
		r.Get("/{quoteID}", s.getQuote)
	})
	return router
}

// Start listens in the background. Listen errors other than a clean
// shutdown are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("gateway", "HTTP server stopped", map[string]interface{}{
				"addr":  s.addr,
				"error": err.Error(),
			})
		}
	}()
	logger.InfoCF("gateway", "HTTP server listening", map[string]interface{}{"addr": s.addr})
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "ok",
		"quotes":  s.store.Len(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"started": s.started.UTC().Format(time.RFC3339),
	}
	if s.status != nil {
		body["channels"] = s.status()
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) listQuotes(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	quotes := s.store.List(query.Get("scope"), query.Get("author"))
	total := len(quotes)

	limit := maxListLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}
	offset := 0
	if raw := query.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	if offset > len(quotes) {
		offset = len(quotes)
	}
	quotes = quotes[offset:]
	if len(quotes) > limit {
		quotes = quotes[:limit]
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"total":  total,
		"offset": offset,
		"quotes": quotes,
	})
}

func (s *Server) randomQuote(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q, ok := s.store.PickRandom(query.Get("scope"), query.Get("author"))
	if !ok {
		respondError(w, http.StatusNotFound, "no quotes match")
		return
	}
	respondJSON(w, http.StatusOK, q)
}

func (s *Server) getQuote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "quoteID")
	q, ok := s.store.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "quote not found")
		return
	}
	respondJSON(w, http.StatusOK, q)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.WarnCF("gateway", "Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   true,
		"message": message,
		"code":    status,
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.DebugCF("gateway", "HTTP request", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": chimiddleware.GetReqID(r.Context()),
		})
	})
}
