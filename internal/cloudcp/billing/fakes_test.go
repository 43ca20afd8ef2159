package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	cpemail "github.com/navalha/navalha/internal/cloudcp/email"
	"github.com/navalha/navalha/internal/cloudcp/gateway"
	"github.com/navalha/navalha/internal/cloudcp/identity"
	"github.com/navalha/navalha/internal/cloudcp/registry"
	"github.com/navalha/navalha/internal/cloudcp/vault"
)

const testVaultSecret = "0123456789abcdef0123456789abcdef"

var errGatewayDown = errors.New("gateway unavailable")

// fakeGateway records calls and serves scripted payment lists.
type fakeGateway struct {
	mu sync.Mutex

	seq           int
	customers     []gateway.CustomerInput
	subscriptions map[string]gateway.SubscriptionInput
	subUpdates    map[string][]gateway.SubscriptionUpdate
	custUpdates   map[string][]gateway.CustomerUpdate
	cancelled     []string
	listCalls     int

	// listPayments answers ListSubscriptionPayments; call is 1-based.
	listPayments func(subscriptionID string, call int) ([]gateway.Payment, error)
	artifact     *gateway.TransferArtifact

	createCustomerErr     error
	createSubscriptionErr error
	updateSubscriptionErr error
	cancelErr             error
	artifactErr           error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		subscriptions: make(map[string]gateway.SubscriptionInput),
		subUpdates:    make(map[string][]gateway.SubscriptionUpdate),
		custUpdates:   make(map[string][]gateway.CustomerUpdate),
		artifact: &gateway.TransferArtifact{
			EncodedImage:   "iVBORw0KGgo=",
			Payload:        "00020101021226800014br.gov.bcb.pix",
			ExpirationDate: "2026-10-18 23:59:59",
		},
	}
}

func (g *fakeGateway) totalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.customers) + len(g.subscriptions) + g.listCalls + len(g.cancelled)
}

func (g *fakeGateway) CreateCustomer(_ context.Context, in gateway.CustomerInput) (*gateway.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createCustomerErr != nil {
		return nil, g.createCustomerErr
	}
	g.seq++
	g.customers = append(g.customers, in)
	return &gateway.Customer{ID: fmt.Sprintf("cus_%d", g.seq), Name: in.Name, Email: in.Email}, nil
}

func (g *fakeGateway) UpdateCustomer(_ context.Context, customerID string, in gateway.CustomerUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.custUpdates[customerID] = append(g.custUpdates[customerID], in)
	return nil
}

func (g *fakeGateway) CreateSubscription(_ context.Context, in gateway.SubscriptionInput) (*gateway.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createSubscriptionErr != nil {
		return nil, g.createSubscriptionErr
	}
	g.seq++
	id := fmt.Sprintf("sub_%d", g.seq)
	g.subscriptions[id] = in
	return &gateway.Subscription{ID: id, CustomerID: in.CustomerID, Value: in.Value, ExternalReference: in.ExternalReference}, nil
}

func (g *fakeGateway) UpdateSubscription(_ context.Context, subscriptionID string, in gateway.SubscriptionUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.updateSubscriptionErr != nil {
		return g.updateSubscriptionErr
	}
	g.subUpdates[subscriptionID] = append(g.subUpdates[subscriptionID], in)
	return nil
}

func (g *fakeGateway) CancelSubscription(_ context.Context, subscriptionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancelled = append(g.cancelled, subscriptionID)
	return nil
}

func (g *fakeGateway) ListSubscriptionPayments(_ context.Context, subscriptionID string) ([]gateway.Payment, error) {
	g.mu.Lock()
	g.listCalls++
	call := g.listCalls
	fn := g.listPayments
	g.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(subscriptionID, call)
}

func (g *fakeGateway) GetPaymentTransferArtifact(_ context.Context, _ string) (*gateway.TransferArtifact, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.artifactErr != nil {
		return nil, g.artifactErr
	}
	return g.artifact, nil
}

func (g *fakeGateway) cancelledIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelled...)
}

// fakeIdentity is an in-memory identity provider with unique emails.
type fakeIdentity struct {
	mu          sync.Mutex
	accounts    map[string]*registry.Account
	rejectPhone bool
	createErr   error
	tokenErr    error
	deleted     []string
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{accounts: make(map[string]*registry.Account)}
}

func (f *fakeIdentity) EmailTaken(_ context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byEmail(email) != nil, nil
}

func (f *fakeIdentity) byEmail(email string) *registry.Account {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, a := range f.accounts {
		if a.Email == email {
			return a
		}
	}
	return nil
}

func (f *fakeIdentity) CreateAccount(_ context.Context, in identity.NewAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if f.rejectPhone && in.Phone != "" {
		return identity.ErrInvalidPhone
	}
	if f.byEmail(in.Email) != nil {
		return identity.ErrEmailTaken
	}
	f.accounts[in.TenantID] = &registry.Account{
		ID:           in.TenantID,
		Name:         in.Name,
		Email:        strings.ToLower(in.Email),
		Phone:        in.Phone,
		PasswordHash: "hash:" + in.Password,
	}
	return nil
}

func (f *fakeIdentity) DeleteAccount(_ context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accounts, tenantID)
	f.deleted = append(f.deleted, tenantID)
	return nil
}

func (f *fakeIdentity) GetAccountByEmail(_ context.Context, email string) (*registry.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byEmail(email), nil
}

func (f *fakeIdentity) IssueSessionToken(tenantID, _ string) (string, error) {
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return "token-" + tenantID, nil
}

func (f *fakeIdentity) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accounts)
}

type fakeNotifier struct {
	mu       sync.Mutex
	welcome  []string
	awaiting []string
	err      error
}

func (n *fakeNotifier) SendWelcome(_ context.Context, to string, _ cpemail.WelcomeData) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.welcome = append(n.welcome, to)
	return n.err
}

func (n *fakeNotifier) SendAwaitingPayment(_ context.Context, to string, _ cpemail.AwaitingPaymentData) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.awaiting = append(n.awaiting, to)
	return n.err
}

// harness wires the billing components over a temp-dir registry and fakes.
type harness struct {
	store    *registry.TenantRegistry
	gw       *fakeGateway
	id       *fakeIdentity
	notifier *fakeNotifier
	vault    *vault.Vault
	now      time.Time
	sleeps   []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := registry.NewTenantRegistry(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	v, err := vault.New(testVaultSecret)
	require.NoError(t, err)
	return &harness{
		store:    reg,
		gw:       newFakeGateway(),
		id:       newFakeIdentity(),
		notifier: &fakeNotifier{},
		vault:    v,
		now:      time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func (h *harness) deps() Deps {
	return Deps{Gateway: h.gw, Store: h.store, Identity: h.id, Vault: h.vault, Notifier: h.notifier}
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) orchestrator() *Orchestrator {
	o := NewOrchestrator(h.deps(), OrchestratorConfig{})
	o.now = h.clock
	o.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	return o
}

func (h *harness) processor() *Processor {
	p := NewProcessor(h.deps())
	p.now = h.clock
	return p
}

func validCardRequest() SignupRequest {
	return SignupRequest{
		Name:          "Barbearia do Zé",
		Email:         "ze@barbearia.com.br",
		Password:      "navalha-afiada",
		TaxID:         "123.456.789-01",
		Phone:         "(11) 99999-8888",
		Plan:          registry.PlanBasic,
		SeatCount:     1,
		BillingMethod: registry.BillingMethodCard,
		Card: &CardDetails{
			HolderName:    "JOSE SILVA",
			Number:        "4111 1111 1111 1111",
			ExpiryMonth:   "12",
			ExpiryYear:    "2030",
			CVV:           "123",
			PostalCode:    "01310-100",
			AddressNumber: "100",
		},
	}
}

func validTransferRequest() SignupRequest {
	req := validCardRequest()
	req.Email = "pix@barbearia.com.br"
	req.Plan = registry.PlanPremium
	req.SeatCount = 3
	req.BillingMethod = registry.BillingMethodTransfer
	req.Card = nil
	return req
}

func payment(id string, status gateway.PaymentStatus, due time.Time, value string) gateway.Payment {
	return gateway.Payment{
		ID:      id,
		Status:  status,
		DueDate: gateway.NewDate(due),
		Value:   gateway.NewMoney(decimal.RequireFromString(value)),
	}
}

func activeRecord(tenantID string, next time.Time) *registry.SubscriptionRecord {
	start := next.AddDate(0, -1, 0)
	return &registry.SubscriptionRecord{
		TenantID:              tenantID,
		Status:                registry.StatusActive,
		Plan:                  registry.PlanBasic,
		SeatCount:             1,
		MonthlyValue:          decimal.NewFromInt(47),
		BillingMethod:         registry.BillingMethodCard,
		GatewayCustomerID:     "cus_" + tenantID,
		GatewaySubscriptionID: "sub_" + tenantID,
		StartDate:             start,
		LastPaymentDate:       &start,
		NextPaymentDate:       &next,
	}
}

func webhookBody(eventID string, eventType EventType, paymentID, reference string, due time.Time) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"event": %q,
		"payment": {
			"id": %q,
			"customer": "cus_x",
			"subscription": "sub_x",
			"externalReference": %q,
			"value": 47.00,
			"dueDate": %q,
			"status": "CONFIRMED",
			"billingType": "CREDIT_CARD"
		}
	}`, eventID, eventType, paymentID, reference, due.Format("2006-01-02")))
}

func mustDecode(t *testing.T, body []byte) *Event {
	t.Helper()
	ev, err := DecodeEvent(body)
	require.NoError(t, err)
	return ev
}
