package cloudcp

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCPRateLimiterAllow_WithinBurstThenRejects(t *testing.T) {
	rl := NewCPRateLimiter(2, time.Minute, 2)
	ip := "203.0.113.10"

	if !rl.Allow(ip) {
		t.Fatal("expected first request to be allowed")
	}
	if !rl.Allow(ip) {
		t.Fatal("expected second request to be allowed")
	}
	if rl.Allow(ip) {
		t.Fatal("expected third request to be rejected")
	}
}

func TestCPRateLimiterAllow_PerIP(t *testing.T) {
	rl := NewCPRateLimiter(1, time.Minute, 1)

	if !rl.Allow("203.0.113.20") {
		t.Fatal("expected first IP to be allowed")
	}
	if !rl.Allow("203.0.113.21") {
		t.Fatal("expected second IP to have its own bucket")
	}
	if rl.Allow("203.0.113.20") {
		t.Fatal("expected first IP to be rejected on its second request")
	}
}

func TestCPRateLimiterAllow_Refills(t *testing.T) {
	rl := NewCPRateLimiter(100, 100*time.Millisecond, 1)
	ip := "203.0.113.30"

	if !rl.Allow(ip) {
		t.Fatal("expected first request to be allowed")
	}
	time.Sleep(20 * time.Millisecond)
	if !rl.Allow(ip) {
		t.Fatal("expected request to be allowed after the bucket refilled")
	}
}

func TestCPRateLimiterMiddleware_TooManyRequests(t *testing.T) {
	rl := NewCPRateLimiter(1, time.Minute, 1)
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	})
	h := rl.Middleware(next)

	req1 := httptest.NewRequest(http.MethodPost, "/api/signup", nil)
	req1.RemoteAddr = "198.51.100.5:1234"
	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req1)

	if rec1.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d, want %d", rec1.Code, http.StatusNoContent)
	}
	if calls != 1 {
		t.Fatalf("next handler calls = %d, want 1", calls)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/signup", nil)
	req2.RemoteAddr = "198.51.100.5:1234"
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want %d", rec2.Code, http.StatusTooManyRequests)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on rejection")
	}
	if calls != 1 {
		t.Fatalf("next handler calls after reject = %d, want 1", calls)
	}

	// A forwarded client is limited by its own address.
	req3 := httptest.NewRequest(http.MethodPost, "/api/signup", nil)
	req3.RemoteAddr = "198.51.100.5:1234"
	req3.Header.Set("X-Forwarded-For", "203.0.113.77, 198.51.100.5")
	rec3 := httptest.NewRecorder()
	h.ServeHTTP(rec3, req3)
	if rec3.Code != http.StatusNoContent {
		t.Fatalf("forwarded request status = %d, want %d", rec3.Code, http.StatusNoContent)
	}
}

func TestCPRateLimiterMiddlewareExcept_ExemptRequestsBypass(t *testing.T) {
	rl := NewCPRateLimiter(1, time.Minute, 1)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	exempt := func(r *http.Request) bool { return r.Header.Get("X-Trusted") == "yes" }
	h := rl.MiddlewareExcept(exempt, next)

	send := func(trusted bool) int {
		req := httptest.NewRequest(http.MethodPost, "/api/gateway/webhook", nil)
		req.RemoteAddr = "198.51.100.7:1234"
		if trusted {
			req.Header.Set("X-Trusted", "yes")
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 5; i++ {
		if code := send(true); code != http.StatusNoContent {
			t.Fatalf("exempt request %d status = %d, want %d", i, code, http.StatusNoContent)
		}
	}
	// Exempt traffic consumed no tokens.
	if code := send(false); code != http.StatusNoContent {
		t.Fatalf("first limited request status = %d, want %d", code, http.StatusNoContent)
	}
	if code := send(false); code != http.StatusTooManyRequests {
		t.Fatalf("second limited request status = %d, want %d", code, http.StatusTooManyRequests)
	}
}
