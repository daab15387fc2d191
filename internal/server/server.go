// Package server exposes the store of record over HTTP: one POST route per
// procedure, a WebSocket change stream per user, and admin provisioning.
package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/medlearn/simquota/internal/hub"
	"github.com/medlearn/simquota/internal/plan"
	"github.com/medlearn/simquota/internal/protocol"
	"github.com/medlearn/simquota/internal/ratelimit"
	"github.com/medlearn/simquota/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Backend is the store of record plus the billing entry point.
type Backend interface {
	store.Store
	ProvisionQuota(ctx context.Context, userID string, tier plan.Tier) (store.QuotaRecord, error)
}

// Config holds server configuration.
type Config struct {
	Addr      string
	TLSDomain string
	// CertCacheDir holds ACME certificates when TLSDomain is set.
	CertCacheDir string
	// AdminKey guards /admin and expire_stale_sessions. Empty disables them.
	AdminKey string
	// APIKey, when set, must accompany every RPC and socket.
	APIKey string
}

type Options struct {
	Logger     slog.Logger
	Clock      quartz.Clock
	Registerer prometheus.Registerer
	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
}

// Server is the simquota HTTP/WebSocket server.
type Server struct {
	backend Backend
	hub     *hub.Hub
	config  Config
	logger  slog.Logger
	clock   quartz.Clock
	http    *http.Server

	startLimiter *ratelimit.Keyed
	adminLimiter *ratelimit.Keyed
	requests     *prometheus.CounterVec
}

func New(b Backend, h *hub.Hub, cfg Config, opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	logger := opts.Logger.Named("server")

	startOpts := ratelimit.PerMinute(ratelimit.StartsPerMinute)
	startOpts.Clock, startOpts.Logger = opts.Clock, logger
	adminOpts := ratelimit.PerHour(ratelimit.AdminAttemptsPerHour)
	adminOpts.Clock, adminOpts.Logger = opts.Clock, logger

	s := &Server{
		backend:      b,
		hub:          h,
		config:       cfg,
		logger:       logger,
		clock:        opts.Clock,
		startLimiter: ratelimit.NewKeyed(startOpts),
		adminLimiter: ratelimit.NewKeyed(adminOpts),
		requests: promauto.With(opts.Registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "simquota",
			Subsystem: "server",
			Name:      "rpc_requests_total",
			Help:      "RPC requests by procedure and HTTP status.",
		}, []string{"procedure", "status"}),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	r.With(s.requireAPIKey).Get("/ws", s.handleWS)
	r.With(s.requireAPIKey).Post("/rpc/{procedure}", s.handleRPC)
	r.With(s.requireAdmin).Post("/admin/quota", s.handleProvision)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler is the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start listens until Shutdown. With a TLS domain it serves ACME
// certificates and answers HTTP challenges on :80.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info(ctx, "simquota server starting", slog.F("addr", s.config.Addr), slog.F("tls_domain", s.config.TLSDomain))

	if s.config.TLSDomain != "" {
		dir := s.config.CertCacheDir
		if dir == "" {
			dir = ".autocert-cache"
		}
		m := &autocert.Manager{
			Cache:      autocert.DirCache(dir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.config.TLSDomain),
		}

		challenge := &http.Server{
			Addr:              ":80",
			Handler:           m.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			s.logger.Info(ctx, "ACME HTTP challenge server on :80")
			if err := challenge.ListenAndServe(); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
				s.logger.Error(ctx, "challenge server", slog.Error(err))
			}
		}()
		s.http.RegisterOnShutdown(func() { _ = challenge.Close() })

		s.http.TLSConfig = &tls.Config{GetCertificate: m.GetCertificate, MinVersion: tls.VersionTLS12}
		return s.http.ListenAndServeTLS("", "")
	}
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "graceful shutdown initiated")
	err := s.http.Shutdown(ctx)
	s.startLimiter.Close()
	s.adminLimiter.Close()
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug(r.Context(), "ws upgrade", slog.Error(err))
		return
	}
	go s.HandleConnection(context.WithoutCancel(r.Context()), ws)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": s.hub.ConnectionCount(),
		"users":       s.hub.UserCount(),
		"uptime_sec":  int64(s.clock.Since(s.hub.StartTime()).Seconds()),
		"alloc_mb":    float64(memStats.Alloc) / 1024 / 1024,
		"sys_mb":      float64(memStats.Sys) / 1024 / 1024,
		"goroutines":  runtime.NumGoroutine(),
	})
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req protocol.ProvisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrorPayload{Code: protocol.ErrInvalidMessage, Message: "user_id is required"})
		return
	}
	tier, err := plan.ParseTier(string(req.Tier))
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrorPayload{Code: protocol.ErrInvalidMessage, Message: err.Error()})
		return
	}
	rec, err := s.backend.ProvisionQuota(r.Context(), req.UserID, tier)
	if err != nil {
		s.internalError(w, r, "provision quota", err)
		return
	}
	s.logger.Info(r.Context(), "quota provisioned", slog.F("user_id", req.UserID), slog.F("tier", tier))
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey != "" && !keyEqual(r.Header.Get(protocol.HeaderAPIKey), s.config.APIKey) {
			writeError(w, http.StatusUnauthorized, protocol.ErrorPayload{Code: protocol.ErrUnauthorized, Message: "invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := s.adminLimiter.Allow(clientIP(r)); !ok {
			writeRateLimited(w, wait)
			return
		}
		if !s.checkAdmin(r) {
			writeError(w, http.StatusUnauthorized, protocol.ErrorPayload{Code: protocol.ErrUnauthorized, Message: "invalid admin key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkAdmin(r *http.Request) bool {
	if s.config.AdminKey == "" {
		return false
	}
	return keyEqual(r.Header.Get(protocol.HeaderAdminKey), s.config.AdminKey)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func keyEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, ratelimit.MaxMessageSize)
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrorPayload{Code: protocol.ErrInvalidMessage, Message: "invalid JSON body"})
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Warn(r.Context(), op, slog.F("path", r.URL.Path), slog.Error(err))
	writeError(w, http.StatusInternalServerError, protocol.ErrorPayload{Code: protocol.ErrInternal, Message: op + " failed"})
}

func writeRateLimited(w http.ResponseWriter, wait time.Duration) {
	secs := int64(wait.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeError(w, http.StatusTooManyRequests, protocol.ErrorPayload{
		Code:         protocol.ErrRateLimited,
		Message:      "rate limit exceeded",
		RetryAfterMs: wait.Milliseconds(),
	})
}

func writeError(w http.ResponseWriter, status int, p protocol.ErrorPayload) {
	writeJSON(w, status, p)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
