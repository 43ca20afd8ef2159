package billing

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/navalha/navalha/internal/cloudcp/auditlog"
	"github.com/navalha/navalha/internal/cloudcp/cpmetrics"
	"github.com/navalha/navalha/internal/cloudcp/identity"
	"github.com/navalha/navalha/internal/cloudcp/registry"
)

const (
	webhookBodyLimit = 1024 * 1024 // 1 MiB
	requestBodyLimit = 64 * 1024

	// WebhookTokenHeader carries the shared secret on gateway notifications.
	WebhookTokenHeader = "asaas-access-token"

	defaultEventListLimit = 50
	maxEventListLimit     = 500
)

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("cloudcp.billing: encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return false
	}
	return true
}

// HandleSignup serves POST /api/signup.
func HandleSignup(o *Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		var req SignupRequest
		if !decodeBody(w, r, &req) {
			return
		}
		req.RemoteIP = auditlog.ClientIP(r)

		result, err := o.SignUp(r.Context(), req)
		if err != nil {
			writeSignupError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

func writeSignupError(w http.ResponseWriter, err error) {
	var invalid *InvalidInputError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    "invalid_input",
			Message: invalid.Error(),
			Fields:  invalid.Fields,
		})
	case errors.Is(err, ErrEmailTaken):
		writeError(w, http.StatusConflict, "email_taken", "an account with this email already exists")
	case errors.Is(err, ErrPaymentRejected):
		writeError(w, http.StatusPaymentRequired, "payment_rejected", "the payment was not approved")
	default:
		log.Error().Err(err).Msg("Signup failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "signup failed")
	}
}

// WebhookHandler authenticates and dispatches gateway notifications.
type WebhookHandler struct {
	token     string
	processor *Processor
}

// NewWebhookHandler creates the webhook HTTP handler.
func NewWebhookHandler(token string, processor *Processor) *WebhookHandler {
	return &WebhookHandler{token: token, processor: processor}
}

// ServeHTTP answers 200 for every authenticated, well-formed event whatever
// its processing outcome, so the gateway does not redeliver.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		cpmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		cpmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeError(w, status, "method_not_allowed", "method not allowed")
		return
	}
	if strings.TrimSpace(h.token) == "" {
		status = http.StatusServiceUnavailable
		writeError(w, status, "not_configured", "webhook token not configured")
		return
	}
	if !h.Authenticated(r) {
		status = http.StatusUnauthorized
		writeError(w, status, "unauthorized", "invalid webhook token")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeError(w, status, "bad_request", "failed to read request body")
		return
	}
	ev, err := DecodeEvent(payload)
	if err != nil {
		status = http.StatusBadRequest
		writeError(w, status, "bad_request", err.Error())
		return
	}
	if ev.Kind != KindUnknown {
		eventType = string(ev.Type)
	}

	// The gateway may drop the connection; finalization must still complete.
	h.processor.Handle(context.WithoutCancel(r.Context()), ev)
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

// Authenticated reports whether r carries the configured webhook token.
func (h *WebhookHandler) Authenticated(r *http.Request) bool {
	if strings.TrimSpace(h.token) == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(r.Header.Get(WebhookTokenHeader)), []byte(h.token)) == 1
}

// Authenticator verifies credentials and signs sessions.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (*registry.Account, error)
	IssueSessionToken(tenantID, email string) (string, error)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string `json:"token"`
	TenantID string `json:"tenantId"`
}

// HandleLogin serves POST /api/login.
func HandleLogin(auth Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		var req loginRequest
		if !decodeBody(w, r, &req) {
			return
		}
		account, err := auth.Authenticate(r.Context(), req.Email, req.Password)
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("Login failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "login failed")
			return
		}
		token, err := auth.IssueSessionToken(account.ID, account.Email)
		if err != nil {
			log.Error().Err(err).Str("tenant_id", account.ID).Msg("Failed to issue session token")
			writeError(w, http.StatusInternalServerError, "internal_error", "login failed")
			return
		}
		writeJSON(w, http.StatusOK, loginResponse{Token: token, TenantID: account.ID})
	}
}

// SessionParser validates session tokens.
type SessionParser interface {
	ParseSessionToken(token string) (*identity.SessionClaims, error)
}

type sessionKey struct{}

// SessionFromContext returns the claims stored by RequireSession, or nil.
func SessionFromContext(ctx context.Context) *identity.SessionClaims {
	claims, _ := ctx.Value(sessionKey{}).(*identity.SessionClaims)
	return claims
}

// WithSession stores claims in ctx.
func WithSession(ctx context.Context, claims *identity.SessionClaims) context.Context {
	return context.WithValue(ctx, sessionKey{}, claims)
}

// RequireSession authenticates a Bearer session token.
func RequireSession(parser SessionParser, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "session required")
			return
		}
		claims, err := parser.ParseSessionToken(strings.TrimSpace(raw))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired session")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), claims)))
	})
}

// SubscriptionHandlers serve the tenant's own subscription routes.
type SubscriptionHandlers struct {
	store   Store
	actions *Actions
}

// NewSubscriptionHandlers creates the tenant subscription handlers.
func NewSubscriptionHandlers(store Store, actions *Actions) *SubscriptionHandlers {
	return &SubscriptionHandlers{store: store, actions: actions}
}

type subscriptionResponse struct {
	Subscription *registry.SubscriptionRecord `json:"subscription"`
	Access       Decision                     `json:"access"`
}

type changeSeatsRequest struct {
	SeatCount int `json:"seatCount"`
}

func (h *SubscriptionHandlers) tenantID(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims := SessionFromContext(r.Context())
	if claims == nil || claims.TenantID() == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "session required")
		return "", false
	}
	return claims.TenantID(), true
}

// HandleGet serves GET /api/subscription.
func (h *SubscriptionHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	rec, err := h.store.GetSubscription(r.Context(), tenantID)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to load subscription")
		writeError(w, http.StatusInternalServerError, "internal_error", "could not load subscription")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "not_found", "no subscription")
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse{Subscription: rec, Access: Decide(rec, time.Now().UTC())})
}

// HandleCancel serves POST /api/subscription/cancel.
func (h *SubscriptionHandlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	rec, err := h.actions.CancelSubscription(r.Context(), tenantID)
	if err != nil {
		writeActionError(w, tenantID, err)
		return
	}
	auditlog.Record(r, tenantID, "subscription.cancel").Str("tenant_id", tenantID).Msg("Subscription cancelled by tenant")
	writeJSON(w, http.StatusOK, subscriptionResponse{Subscription: rec, Access: Decide(rec, time.Now().UTC())})
}

// HandleChangeSeats serves PUT /api/subscription/seats.
func (h *SubscriptionHandlers) HandleChangeSeats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	var req changeSeatsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := h.actions.ChangeSeats(r.Context(), tenantID, req.SeatCount)
	if err != nil {
		writeActionError(w, tenantID, err)
		return
	}
	auditlog.Record(r, tenantID, "subscription.change_seats").
		Str("tenant_id", tenantID).
		Int("seat_count", rec.SeatCount).
		Str("monthly_value", rec.MonthlyValue.StringFixed(2)).
		Msg("Seat count changed by tenant")
	writeJSON(w, http.StatusOK, subscriptionResponse{Subscription: rec, Access: Decide(rec, time.Now().UTC())})
}

// HandleEvents serves GET /api/subscription/events?limit=N.
func (h *SubscriptionHandlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	limit := defaultEventListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventListLimit)
	}
	events, err := h.store.ListPaymentEvents(r.Context(), tenantID, limit)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to list payment events")
		writeError(w, http.StatusInternalServerError, "internal_error", "could not list events")
		return
	}
	if events == nil {
		events = []*registry.PaymentEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeActionError(w http.ResponseWriter, tenantID string, err error) {
	var invalid *InvalidInputError
	var gwErr *GatewayError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    "invalid_input",
			Message: invalid.Error(),
			Fields:  invalid.Fields,
		})
	case errors.Is(err, ErrNoSubscription):
		writeError(w, http.StatusNotFound, "not_found", "no subscription")
	case errors.As(err, &gwErr):
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Subscription change rejected by gateway")
		writeError(w, http.StatusBadGateway, "gateway_unavailable", "payment provider unavailable, try again")
	default:
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("Subscription change failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "subscription change failed")
	}
}
