package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/navalha/navalha/internal/cloudcp/gateway"
	"github.com/navalha/navalha/internal/cloudcp/identity"
	"github.com/navalha/navalha/internal/cloudcp/registry"
)

const testWebhookToken = "whk_test_token"

func webhookRequest(token string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/gateway/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(WebhookTokenHeader, token)
	}
	return req
}

func TestWebhookHandlerStatusCodes(t *testing.T) {
	h := newHarness(t)
	handler := NewWebhookHandler(testWebhookToken, h.processor())
	valid := webhookBody("evt_1", EventPaymentCreated, "pay_1", "t-HOOK000001", h.now)

	cases := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"get", httptest.NewRequest(http.MethodGet, "/api/gateway/webhook", nil), http.StatusMethodNotAllowed},
		{"missing token", webhookRequest("", valid), http.StatusUnauthorized},
		{"wrong token", webhookRequest("whk_other", valid), http.StatusUnauthorized},
		{"malformed json", webhookRequest(testWebhookToken, []byte(`{"event":`)), http.StatusBadRequest},
		{"payment event without payment", webhookRequest(testWebhookToken, []byte(`{"event":"PAYMENT_RECEIVED"}`)), http.StatusBadRequest},
		{"oversized", webhookRequest(testWebhookToken, bytes.Repeat([]byte("a"), webhookBodyLimit+1)), http.StatusBadRequest},
		{"valid", webhookRequest(testWebhookToken, valid), http.StatusOK},
		{"unknown type", webhookRequest(testWebhookToken, []byte(`{"event":"ACCOUNT_STATUS_UPDATED","id":"evt_2"}`)), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, tc.req)
			if rec.Code != tc.want {
				t.Fatalf("status=%d, want=%d, body=%q", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestWebhookHandlerWithoutTokenConfigured(t *testing.T) {
	h := newHarness(t)
	handler := NewWebhookHandler("", h.processor())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, webhookRequest("anything", []byte(`{}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want=%d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestWebhookHandlerAcknowledgesProcessingFailures(t *testing.T) {
	h := newHarness(t)
	handler := NewWebhookHandler(testWebhookToken, h.processor())
	next := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedActive(t, h, "t-HOOK000002", next)

	body := webhookBody("evt_1", EventPaymentOverdue, "pay_1", "t-HOOK000002", next)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, webhookRequest(testWebhookToken, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("first delivery status=%d, want=200", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"received":true}` {
		t.Fatalf("body=%q", rec.Body.String())
	}

	// Store gone: the event cannot be applied but is still acknowledged.
	if err := h.store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	body = webhookBody("evt_2", EventPaymentConfirmed, "pay_1", "t-HOOK000002", next)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, webhookRequest(testWebhookToken, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("failed processing status=%d, want=200", rec.Code)
	}
}

func TestHandleSignupStatusMapping(t *testing.T) {
	h := newHarness(t)
	h.gw.listPayments = func(_ string, _ int) ([]gateway.Payment, error) {
		return []gateway.Payment{payment("pay_1", gateway.PaymentConfirmed, h.now, "47.00")}, nil
	}
	handler := HandleSignup(h.orchestrator())

	post := func(v any) *httptest.ResponseRecorder {
		t.Helper()
		body, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		req := httptest.NewRequest(http.MethodPost, "/api/signup", bytes.NewReader(body))
		req.RemoteAddr = "203.0.113.7:52311"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post(validCardRequest())
	if rec.Code != http.StatusCreated {
		t.Fatalf("card signup status=%d, body=%q", rec.Code, rec.Body.String())
	}
	var result SignupResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != SignupActive || result.Token == "" || result.TenantID == "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := h.gw.subscriptions["sub_2"].RemoteIP; got != "203.0.113.7" {
		t.Fatalf("remote ip=%q", got)
	}

	rec = post(validCardRequest())
	if rec.Code != http.StatusConflict {
		t.Fatalf("repeat signup status=%d, want=409", rec.Code)
	}

	invalid := validCardRequest()
	invalid.Email = "nope"
	invalid.SeatCount = 0
	rec = post(invalid)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid signup status=%d, want=400", rec.Code)
	}
	var errBody errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errBody.Code != "invalid_input" || errBody.Fields["email"] == "" || errBody.Fields["seatCount"] == "" {
		t.Fatalf("unexpected error body %+v", errBody)
	}

	h.gw.listPayments = func(_ string, _ int) ([]gateway.Payment, error) {
		return []gateway.Payment{payment("pay_1", gateway.PaymentPending, h.now, "47.00")}, nil
	}
	declined := validCardRequest()
	declined.Email = "declined@barbearia.com.br"
	rec = post(declined)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("declined signup status=%d, want=402", rec.Code)
	}

	h.gw.createCustomerErr = errGatewayDown
	down := validCardRequest()
	down.Email = "down@barbearia.com.br"
	rec = post(down)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("gateway down status=%d, want=500", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/signup", strings.NewReader("{"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json status=%d, want=400", rec.Code)
	}
}

func TestHandleSignupTransferCreated(t *testing.T) {
	h := newHarness(t)
	h.gw.listPayments = func(_ string, _ int) ([]gateway.Payment, error) {
		return []gateway.Payment{payment("pay_1", gateway.PaymentPending, h.now, "175.00")}, nil
	}
	body, _ := json.Marshal(validTransferRequest())
	rec := httptest.NewRecorder()
	HandleSignup(h.orchestrator()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/signup", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d, body=%q", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"awaiting_transfer"`) || !strings.Contains(rec.Body.String(), "br.gov.bcb.pix") {
		t.Fatalf("body=%q", rec.Body.String())
	}
}

func newTestIdentity(t *testing.T, store *registry.TenantRegistry) *identity.Provider {
	t.Helper()
	p, err := identity.NewProvider(store, testVaultSecret)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return p
}

func TestLoginAndSubscriptionRoutes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ids := newTestIdentity(t, h.store)
	if err := ids.CreateAccount(ctx, identity.NewAccount{
		TenantID: "t-ROUTES0001",
		Name:     "Barbearia Rotas",
		Email:    "rotas@barbearia.com.br",
		Password: "navalha-afiada",
	}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	seedActive(t, h, "t-ROUTES0001", time.Now().UTC().AddDate(0, 1, 0))
	if err := h.store.AppendPaymentEvent(ctx, &registry.PaymentEvent{TenantID: "t-ROUTES0001", EventID: "evt_1", Type: string(EventPaymentReceived)}); err != nil {
		t.Fatalf("AppendPaymentEvent: %v", err)
	}

	login := HandleLogin(ids)
	rec := httptest.NewRecorder()
	login.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"email":"rotas@barbearia.com.br","password":"wrong-password"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	login.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"email":"Rotas@Barbearia.com.br","password":"navalha-afiada"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("login status=%d, body=%q", rec.Code, rec.Body.String())
	}
	var session loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if session.TenantID != "t-ROUTES0001" || session.Token == "" {
		t.Fatalf("unexpected login response %+v", session)
	}

	routes := NewSubscriptionHandlers(h.store, newTestActions(h))
	authed := func(handler http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+session.Token)
		rec := httptest.NewRecorder()
		RequireSession(ids, handler).ServeHTTP(rec, req)
		return rec
	}

	rec = authed(routes.HandleGet, http.MethodGet, "/api/subscription", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status=%d, body=%q", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"verdict":"allow"`) {
		t.Fatalf("get body=%q", rec.Body.String())
	}

	rec = authed(routes.HandleEvents, http.MethodGet, "/api/subscription/events?limit=10", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "evt_1") {
		t.Fatalf("events status=%d, body=%q", rec.Code, rec.Body.String())
	}
	rec = authed(routes.HandleEvents, http.MethodGet, "/api/subscription/events?limit=-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d", rec.Code)
	}

	rec = authed(routes.HandleChangeSeats, http.MethodPut, "/api/subscription/seats", `{"seatCount":2}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"seat_count":2`) {
		t.Fatalf("seats status=%d, body=%q", rec.Code, rec.Body.String())
	}
	rec = authed(routes.HandleChangeSeats, http.MethodPut, "/api/subscription/seats", `{"seatCount":99}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("too many seats status=%d", rec.Code)
	}

	rec = authed(routes.HandleCancel, http.MethodPost, "/api/subscription/cancel", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"cancelled"`) {
		t.Fatalf("cancel status=%d, body=%q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	RequireSession(ids, http.HandlerFunc(routes.HandleGet)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/subscription", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status=%d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/subscription", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	RequireSession(ids, http.HandlerFunc(routes.HandleGet)).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status=%d", rec.Code)
	}
}
