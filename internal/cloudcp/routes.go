package cloudcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/navalha/navalha/internal/cloudcp/admin"
	"github.com/navalha/navalha/internal/cloudcp/billing"
	"github.com/navalha/navalha/internal/cloudcp/email"
	"github.com/navalha/navalha/internal/cloudcp/gateway"
	"github.com/navalha/navalha/internal/cloudcp/identity"
	"github.com/navalha/navalha/internal/cloudcp/registry"
	"github.com/navalha/navalha/internal/cloudcp/vault"
	"github.com/navalha/navalha/internal/logging"
)

const (
	webhookRatePerMin = 600
	loginRatePerMin   = 20
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config       *CPConfig
	Registry     *registry.TenantRegistry
	Identity     *identity.Provider
	Orchestrator *billing.Orchestrator
	Processor    *billing.Processor
	Actions      *billing.Actions
	Sweeper      *billing.PendingSignupSweeper
	Version      string
}

// NewDeps wires the billing components over reg, gw and sender.
func NewDeps(cfg *CPConfig, reg *registry.TenantRegistry, gw gateway.Client, sender email.Sender, version string) (*Deps, error) {
	idp, err := identity.NewProvider(reg, cfg.SessionSecret)
	if err != nil {
		return nil, fmt.Errorf("init identity provider: %w", err)
	}
	v, err := vault.New(cfg.VaultSecret)
	if err != nil {
		return nil, fmt.Errorf("init credential vault: %w", err)
	}

	bd := billing.Deps{
		Gateway:  gw,
		Store:    reg,
		Identity: idp,
		Vault:    v,
	}
	if sender != nil {
		bd.Notifier = email.NewNotifier(sender, cfg.EmailFrom, cfg.BaseURL)
	}

	return &Deps{
		Config:       cfg,
		Registry:     reg,
		Identity:     idp,
		Orchestrator: billing.NewOrchestrator(bd, cfg.OrchestratorConfig()),
		Processor:    billing.NewProcessor(bd),
		Actions:      billing.NewActions(gw, reg),
		Sweeper:      billing.NewPendingSignupSweeper(reg, gw),
		Version:      version,
	}, nil
}

// NewHandler builds the full control plane handler: routes plus request ID
// and security header middleware.
func NewHandler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return logging.Middleware(CPSecurityHeaders(mux))
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}
	sessionAuth := func(next http.Handler) http.Handler {
		return billing.RequireSession(deps.Identity, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Registry))

	// Status and metrics are private by default.
	statusHandler := http.HandlerFunc(admin.HandleStatus(deps.Registry, deps.Version))
	if deps.Config.PublicStatus {
		mux.Handle("/status", statusHandler)
	} else {
		mux.Handle("/status", adminAuth(statusHandler))
	}

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Public signup (rate-limited per client IP).
	signupLimiter := NewCPRateLimiter(deps.Config.SignupRatePerMin, time.Minute, deps.Config.SignupBurst)
	mux.Handle("/api/signup", signupLimiter.Middleware(billing.HandleSignup(deps.Orchestrator)))

	// Gateway webhook (shared-token authenticated). Only requests without a
	// valid token are throttled; the gateway itself is never answered 429.
	webhookHandler := billing.NewWebhookHandler(deps.Config.GatewayWebhookKey, deps.Processor)
	webhookLimiter := NewCPRateLimiter(webhookRatePerMin, time.Minute, 0)
	mux.Handle("/api/gateway/webhook", webhookLimiter.MiddlewareExcept(webhookHandler.Authenticated, webhookHandler))

	loginLimiter := NewCPRateLimiter(loginRatePerMin, time.Minute, 5)
	mux.Handle("/api/login", loginLimiter.Middleware(billing.HandleLogin(deps.Identity)))

	// Tenant subscription management (session authenticated). A blocked
	// tenant can still see and fix its subscription here.
	subs := billing.NewSubscriptionHandlers(deps.Registry, deps.Actions)
	mux.Handle("/api/subscription", sessionAuth(http.HandlerFunc(subs.HandleGet)))
	mux.Handle("/api/subscription/cancel", sessionAuth(http.HandlerFunc(subs.HandleCancel)))
	mux.Handle("/api/subscription/seats", sessionAuth(http.HandlerFunc(subs.HandleChangeSeats)))
	mux.Handle("/api/subscription/events", sessionAuth(http.HandlerFunc(subs.HandleEvents)))

	// Access gate consulted by the tenant application on every session.
	mux.Handle("/api/access", sessionAuth(billing.RequireAccess(deps.Registry, http.HandlerFunc(handleAccess))))

	// Admin API (key-authenticated)
	mux.Handle("/admin/subscriptions", adminAuth(admin.HandleListSubscriptions(deps.Registry)))
	mux.Handle("/admin/pending-signups", adminAuth(admin.HandleListPendingSignups(deps.Registry)))
	mux.Handle("/admin/pending-signups/sweep", adminAuth(admin.HandleSweepPendingSignups(deps.Sweeper)))
	mux.Handle("/admin/pending-signups/{customerID}/retry", adminAuth(admin.HandleRetryFinalization(deps.Processor)))
}

// handleAccess runs behind RequireAccess, so only allowed verdicts reach it.
func handleAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	decision, _ := billing.DecisionFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(decision)
}
