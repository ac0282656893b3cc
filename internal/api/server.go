// Package api wires the HTTP surface: signal ingest, trust queries, audit,
// billing, auth, EDR, the JWKS endpoint, and the two WebSocket routes.
package api

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blockremote/backend/internal/access"
	"github.com/blockremote/backend/internal/analyzer"
	"github.com/blockremote/backend/internal/config"
	"github.com/blockremote/backend/internal/infra"
	"github.com/blockremote/backend/internal/killswitch"
	"github.com/blockremote/backend/internal/middleware"
	"github.com/blockremote/backend/internal/security"
	"github.com/blockremote/backend/internal/store"
)

// Server aggregates the service dependencies behind the router.
type Server struct {
	cfg      *config.Settings
	store    *store.Store
	redis    *infra.RedisAdapter
	tokens   *security.TokenService
	access   *access.Service
	analyzer *analyzer.Analyzer
	sockets  *killswitch.SocketServer
	guard    *middleware.Guard
	log      *log.Logger
}

// NewServer builds the server over already-wired services.
func NewServer(
	cfg *config.Settings,
	st *store.Store,
	redis *infra.RedisAdapter,
	tokens *security.TokenService,
	acc *access.Service,
	an *analyzer.Analyzer,
	sockets *killswitch.SocketServer,
) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		redis:    redis,
		tokens:   tokens,
		access:   acc,
		analyzer: an,
		sockets:  sockets,
		guard:    middleware.NewGuard(cfg, tokens, acc, redis),
		log:      log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router assembles the route tree. The subscription guard fronts the
// signal and security surfaces; the remaining authenticated surfaces get
// bearer verification only, with device binding asserted per handler.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.SecurityHeaders)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/internal/jwks", s.handleJWKS).Methods(http.MethodGet)

	signals := r.PathPrefix("/v1/signals").Subrouter()
	signals.Use(s.guard.Middleware)
	signals.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)

	sec := r.PathPrefix("/v1/security").Subrouter()
	sec.Use(s.guard.Middleware)
	sec.HandleFunc("/trust-score", s.handleTrustScore).Methods(http.MethodGet)
	sec.HandleFunc("/kill-switch", s.sockets.HandleKillSwitch).Methods(http.MethodGet)
	sec.HandleFunc("/priority", s.sockets.HandlePriority).Methods(http.MethodGet)

	audit := r.PathPrefix("/v1/audit").Subrouter()
	audit.Use(s.guard.Authenticate)
	audit.HandleFunc("/logs", s.handleAuditLogs).Methods(http.MethodGet)

	// The webhook authenticates by signature, not bearer token, so it
	// lives on its own subrouter.
	billingPublic := r.PathPrefix("/v1/billing").Subrouter()
	billingPublic.HandleFunc("/webhook", s.handleBillingWebhook).Methods(http.MethodPost)
	billing := r.PathPrefix("/v1/billing").Subrouter()
	billing.Use(s.guard.Authenticate)
	billing.HandleFunc("/subscription", s.handleGetSubscription).Methods(http.MethodGet)
	billing.HandleFunc("/status", s.handleBillingStatus).Methods(http.MethodPost)

	authPublic := r.PathPrefix("/v1/auth").Subrouter()
	authPublic.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	auth := r.PathPrefix("/v1/auth").Subrouter()
	auth.Use(s.guard.Authenticate)
	auth.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)

	edr := r.PathPrefix("/v1/edr").Subrouter()
	edr.Use(s.guard.Authenticate)
	edr.HandleFunc("/report", s.handleEDRReport).Methods(http.MethodPost)

	return r
}

// handleHealth pings both backing stores and reports per-dependency state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := http.StatusOK
	deps := map[string]string{"redis": "ok", "postgres": "ok"}
	if err := s.redis.Ping(ctx); err != nil {
		deps["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.store.Ping(ctx); err != nil {
		deps["postgres"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status": map[bool]string{true: "ok", false: "degraded"}[status == http.StatusOK],
		"deps":   deps,
	})
}
