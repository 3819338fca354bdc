package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"logarchive/pkg/protocol"
)

const (
	defaultPresignTTL = 5 * time.Minute
	maxPresignTTL     = time.Hour

	// per client address
	bundleRequestLimit = 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Routes constructs the coordinator's HTTP surface.
func (s *Service) Routes() (http.Handler, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// agent sessions are long-lived and stay out of the request timeout
	r.Get(protocol.AttachPath, s.handleAttach)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.With(httprate.LimitByIP(bundleRequestLimit, time.Minute)).Get(bundlePath, s.handleBundle)
		r.Get("/healthz", s.handleHealth)
		r.Get("/readyz", s.handleReady)
		r.Handle("/metrics", promhttp.Handler())

		r.Route("/debug", func(r chi.Router) {
			r.Get("/hosts", s.handleListHosts)
			r.Get("/hosts/{uuid}", s.handleGetHost)
			r.Get("/inflights", s.handleListInflights)
			r.Get("/inflights/{id}", s.handleGetInflight)
		})
	})

	return r, nil
}

func (s *Service) handleAttach(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		s.logger.Printf("WARN attach from %s: %v", r.RemoteAddr, err)
		return
	}
	conn := protocol.NewWSConn(ws)
	s.logger.Printf("DEBUG new agent connection from %s", conn.RemoteAddr())
	s.tracker.Serve(r.Context(), conn)
}

// handleBundle redirects a bootstrapping host to a presigned download of
// the agent release bundle.
func (s *Service) handleBundle(w http.ResponseWriter, r *http.Request) {
	ttl := defaultPresignTTL
	if raw := strings.TrimSpace(r.URL.Query().Get("ttl")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, errors.New("invalid ttl"))
			return
		}
		ttl = min(time.Duration(parsed)*time.Second, maxPresignTTL)
	}

	url, err := s.bundles.PresignGet(r.Context(), s.cfg.Bundle.Key, ttl)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("presign: %w", err))
		return
	}
	if host := r.URL.Query().Get("host"); host != "" {
		s.logger.Printf("INFO server %s: fetching agent bundle (request %s)", host, r.URL.Query().Get("request"))
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.Ready() {
		respondError(w, http.StatusServiceUnavailable, errors.New("message bus is not ready"))
		return
	}
	if p, ok := s.inventory.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, fmt.Errorf("inventory: %w", err))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}
