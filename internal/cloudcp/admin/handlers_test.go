package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/navalha/navalha/internal/cloudcp/billing"
	"github.com/navalha/navalha/internal/cloudcp/registry"
)

type stubRetrier struct {
	tenantID string
	err      error
	got      string
}

func (s *stubRetrier) RetryFinalization(_ context.Context, customerID string) (string, error) {
	s.got = customerID
	return s.tenantID, s.err
}

type stubSweeper struct {
	closed int
	err    error
}

func (s *stubSweeper) Sweep(context.Context) (int, error) { return s.closed, s.err }

func TestHandleListSubscriptions(t *testing.T) {
	reg := newTestRegistry(t)
	seedSubscription(t, reg, "t-LIST000001", registry.StatusActive)
	seedSubscription(t, reg, "t-LIST000002", registry.StatusBlocked)

	handler := HandleListSubscriptions(reg)

	cases := []struct {
		query string
		want  int
	}{
		{"", 2},
		{"?status=active", 1},
		{"?status=blocked", 1},
		{"?status=cancelled", 0},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/admin/subscriptions"+tc.query, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%q: status = %d, want %d", tc.query, rec.Code, http.StatusOK)
		}
		var resp struct {
			Subscriptions []registry.SubscriptionRecord `json:"subscriptions"`
			Count         int                           `json:"count"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("%q: decode: %v", tc.query, err)
		}
		if resp.Count != tc.want || len(resp.Subscriptions) != tc.want {
			t.Errorf("%q: count = %d (%d items), want %d", tc.query, resp.Count, len(resp.Subscriptions), tc.want)
		}
	}

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/admin/subscriptions", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleListPendingSignups(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	seedPendingSignup(t, reg, "cus_open")
	seedPendingSignup(t, reg, "cus_failed")
	seedPendingSignup(t, reg, "cus_done")
	if err := reg.AnnotatePendingSignupError(ctx, "cus_failed", "create_account: boom"); err != nil {
		t.Fatalf("AnnotatePendingSignupError: %v", err)
	}
	if err := reg.MarkPendingSignupProcessed(ctx, "cus_done", "t-DONE000001", ""); err != nil {
		t.Fatalf("MarkPendingSignupProcessed: %v", err)
	}

	handler := HandleListPendingSignups(reg)
	cases := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?processed=false", 2},
		{"?processed=true", 1},
		{"?errors=true", 1},
		{"?processed=false&errors=true", 1},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/admin/pending-signups"+tc.query, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%q: status = %d, want %d", tc.query, rec.Code, http.StatusOK)
		}
		var resp struct {
			Count int `json:"count"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("%q: decode: %v", tc.query, err)
		}
		if resp.Count != tc.want {
			t.Errorf("%q: count = %d, want %d", tc.query, resp.Count, tc.want)
		}
	}

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/admin/pending-signups?processed=maybe", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad filter status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleRetryFinalization(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, http.StatusOK},
		{"not found", fmt.Errorf("pending signup %q: %w", "cus_x", registry.ErrNotFound), http.StatusNotFound},
		{"already processed", registry.ErrAlreadyProcessed, http.StatusConflict},
		{"not paid", billing.ErrPaymentRejected, http.StatusConflict},
		{"gateway down", &billing.GatewayError{Op: "list_payments", Err: errors.New("timeout")}, http.StatusBadGateway},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			retrier := &stubRetrier{tenantID: "t-RETRY00001", err: tc.err}
			mux := http.NewServeMux()
			mux.Handle("POST /admin/pending-signups/{customerID}/retry", HandleRetryFinalization(retrier))

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/pending-signups/cus_x/retry", nil))

			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
			if retrier.got != "cus_x" {
				t.Errorf("customer id = %q, want %q", retrier.got, "cus_x")
			}
		})
	}
}

func TestHandleSweepPendingSignups(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleSweepPendingSignups(&stubSweeper{closed: 2})(rec, httptest.NewRequest(http.MethodPost, "/admin/pending-signups/sweep", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "{\"closed\":2}\n" {
		t.Errorf("body = %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	HandleSweepPendingSignups(&stubSweeper{err: errors.New("db gone")})(rec, httptest.NewRequest(http.MethodPost, "/admin/pending-signups/sweep", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestAdminKeyMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := AdminKeyMiddleware("s3cret", inner)

	cases := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong key", "X-Admin-Key", "nope", http.StatusUnauthorized},
		{"header key", "X-Admin-Key", "s3cret", http.StatusNoContent},
		{"bearer key", "Authorization", "Bearer s3cret", http.StatusNoContent},
		{"bearer wrong", "Authorization", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/admin/subscriptions", nil)
		if tc.header != "" {
			req.Header.Set(tc.header, tc.value)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}

	// An empty configured key never authorizes.
	req := httptest.NewRequest(http.MethodGet, "/admin/subscriptions", nil)
	req.Header.Set("X-Admin-Key", "")
	rec := httptest.NewRecorder()
	AdminKeyMiddleware("", inner).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("empty key: status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}
