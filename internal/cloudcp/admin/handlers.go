package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/navalha/navalha/internal/cloudcp/auditlog"
	"github.com/navalha/navalha/internal/cloudcp/billing"
	"github.com/navalha/navalha/internal/cloudcp/registry"
)

// FinalizationRetrier re-runs a failed deferred signup.
type FinalizationRetrier interface {
	RetryFinalization(ctx context.Context, customerID string) (string, error)
}

// Sweeper closes expired deferred signups on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

func operator(r *http.Request) string {
	if actor := auditlog.ActorID(r); actor != "" {
		return actor
	}
	return "admin"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

// HandleListSubscriptions returns an authenticated handler that lists all
// subscriptions, optionally filtered by ?status=.
func HandleListSubscriptions(reg *registry.TenantRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		statusFilter := strings.TrimSpace(r.URL.Query().Get("status"))

		var subs []*registry.SubscriptionRecord
		var err error
		if statusFilter != "" {
			subs, err = reg.ListSubscriptionsByStatus(r.Context(), registry.SubscriptionStatus(statusFilter))
		} else {
			subs, err = reg.ListSubscriptions(r.Context())
		}
		if err != nil {
			log.Error().Err(err).Msg("Admin: list subscriptions")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if subs == nil {
			subs = []*registry.SubscriptionRecord{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"subscriptions": subs,
			"count":         len(subs),
		})
	}
}

// HandleListPendingSignups lists deferred signups. Filters: ?processed=true|false
// and ?errors=true for records carrying a finalization error.
func HandleListPendingSignups(reg *registry.TenantRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var filter registry.PendingSignupFilter
		if raw := r.URL.Query().Get("processed"); raw != "" {
			processed, err := strconv.ParseBool(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad_request", "processed must be true or false")
				return
			}
			filter.Processed = &processed
		}
		if raw := r.URL.Query().Get("errors"); raw != "" {
			withErrors, err := strconv.ParseBool(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad_request", "errors must be true or false")
				return
			}
			filter.WithErrorOnly = withErrors
		}

		pending, err := reg.ListPendingSignups(r.Context(), filter)
		if err != nil {
			log.Error().Err(err).Msg("Admin: list pending signups")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if pending == nil {
			pending = []*registry.PendingSignupRecord{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"pending_signups": pending,
			"count":           len(pending),
		})
	}
}

// HandleRetryFinalization serves POST /admin/pending-signups/{customerID}/retry.
func HandleRetryFinalization(retrier FinalizationRetrier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		customerID := strings.TrimSpace(r.PathValue("customerID"))
		if customerID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "missing customer id")
			return
		}

		tenantID, err := retrier.RetryFinalization(r.Context(), customerID)
		auditlog.Record(r, operator(r), "pending_signup.retry").
			Str("customer_id", customerID).
			Str("tenant_id", tenantID).
			AnErr("result", err).
			Msg("Operator retried pending signup finalization")
		var gwErr *billing.GatewayError
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"tenant_id": tenantID})
		case errors.Is(err, registry.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "pending signup not found")
		case errors.Is(err, registry.ErrAlreadyProcessed):
			writeError(w, http.StatusConflict, "already_processed", "pending signup already processed")
		case errors.Is(err, billing.ErrPaymentRejected):
			writeError(w, http.StatusConflict, "not_paid", "gateway reports no paid payment for this signup")
		case errors.As(err, &gwErr):
			writeError(w, http.StatusBadGateway, "gateway_unavailable", err.Error())
		default:
			log.Error().Err(err).Str("customer_id", customerID).Msg("Admin: retry finalization failed")
			writeError(w, http.StatusInternalServerError, "finalization_failed", err.Error())
		}
	}
}

// HandleSweepPendingSignups serves POST /admin/pending-signups/sweep.
func HandleSweepPendingSignups(sweeper Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		closed, err := sweeper.Sweep(r.Context())
		auditlog.Record(r, operator(r), "pending_signup.sweep").Int("closed", closed).AnErr("result", err).Msg("Operator swept expired pending signups")
		if err != nil {
			log.Error().Err(err).Msg("Admin: sweep pending signups")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"closed": closed})
	}
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				key = strings.TrimSpace(bearer)
			}
		}

		if key == "" || adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "admin key required")
			return
		}

		next.ServeHTTP(w, r)
	})
}
