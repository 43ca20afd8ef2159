package admin

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/navalha/navalha/internal/cloudcp/cpmetrics"
	"github.com/navalha/navalha/internal/cloudcp/registry"
)

type statusResponse struct {
	Version            string                              `json:"version"`
	TotalSubscriptions int                                 `json:"total_subscriptions"`
	ByStatus           map[registry.SubscriptionStatus]int `json:"by_status"`
	PendingSignupsOpen int                                 `json:"pending_signups_open"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(reg *registry.TenantRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if reg == nil || reg.Ping() != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports aggregate subscription status.
func HandleStatus(reg *registry.TenantRegistry, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := reg.CountSubscriptionsByStatus(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("Status: count subscriptions")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		open, err := reg.CountOpenPendingSignups(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("Status: count pending signups")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		// Opportunistically sync gauges on status calls (in addition to the background updater).
		total := 0
		for _, status := range registry.KnownStatuses {
			c := counts[status]
			cpmetrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(c))
		}
		for _, c := range counts {
			total += c
		}
		cpmetrics.PendingSignupsOpen.Set(float64(open))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(statusResponse{
			Version:            version,
			TotalSubscriptions: total,
			ByStatus:           counts,
			PendingSignupsOpen: open,
		})
	}
}
