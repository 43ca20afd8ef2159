package cloudcp

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/navalha/navalha/internal/cloudcp/cpmetrics"
	"github.com/navalha/navalha/internal/cloudcp/registry"
)

func newMetricsTestRegistry(t *testing.T) *registry.TenantRegistry {
	t.Helper()

	reg, err := registry.NewTenantRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewTenantRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func createMetricsTestSubscription(t *testing.T, reg *registry.TenantRegistry, id string, status registry.SubscriptionStatus) {
	t.Helper()

	now := time.Now().UTC()
	rec := &registry.SubscriptionRecord{
		TenantID:              id,
		Status:                status,
		Plan:                  registry.PlanBasic,
		SeatCount:             1,
		MonthlyValue:          decimal.NewFromInt(59),
		BillingMethod:         registry.BillingMethodCard,
		GatewaySubscriptionID: "sub_" + id,
		StartDate:             now,
	}
	if status == registry.StatusOverdue {
		rec.OverdueStartDate = &now
	}
	if err := reg.CreateSubscription(context.Background(), rec); err != nil {
		t.Fatalf("CreateSubscription(%s): %v", id, err)
	}
}

func statusGaugeValue(status registry.SubscriptionStatus) float64 {
	return testutil.ToFloat64(cpmetrics.SubscriptionsByStatus.WithLabelValues(string(status)))
}

func TestUpdateSubscriptionGauges_KnownAndUnexpectedStatuses(t *testing.T) {
	reg := newMetricsTestRegistry(t)

	legacy := registry.SubscriptionStatus("legacy_trial")

	createMetricsTestSubscription(t, reg, "t-METRIC0001", registry.StatusActive)
	createMetricsTestSubscription(t, reg, "t-METRIC0002", registry.StatusActive)
	createMetricsTestSubscription(t, reg, "t-METRIC0003", registry.StatusOverdue)
	createMetricsTestSubscription(t, reg, "t-METRIC0004", legacy)

	// Seed stale values to verify known labels are overwritten.
	cpmetrics.SubscriptionsByStatus.WithLabelValues(string(registry.StatusBlocked)).Set(99)
	cpmetrics.SubscriptionsByStatus.WithLabelValues(string(registry.StatusCancelled)).Set(42)

	updateSubscriptionGauges(context.Background(), reg)

	want := map[registry.SubscriptionStatus]float64{
		registry.StatusPendingPayment: 0,
		registry.StatusDemoApproved:   0,
		registry.StatusActive:         2,
		registry.StatusOverdue:        1,
		registry.StatusBlocked:        0,
		registry.StatusCancelled:      0,
		registry.StatusPaymentFailed:  0,
	}
	for status, w := range want {
		if got := statusGaugeValue(status); got != w {
			t.Fatalf("status %q gauge = %v, want %v", status, got, w)
		}
	}
	if got := statusGaugeValue(legacy); got != 1 {
		t.Fatalf("legacy status gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(cpmetrics.PendingSignupsOpen); got != 0 {
		t.Fatalf("pending signups gauge = %v, want 0", got)
	}
}

func TestUpdateSubscriptionGauges_RegistryErrorDoesNotMutateGauges(t *testing.T) {
	reg := newMetricsTestRegistry(t)

	cpmetrics.SubscriptionsByStatus.WithLabelValues(string(registry.StatusActive)).Set(7)
	if err := reg.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}

	updateSubscriptionGauges(context.Background(), reg)

	if got := statusGaugeValue(registry.StatusActive); got != 7 {
		t.Fatalf("active gauge after error = %v, want 7", got)
	}
}

func TestRunSubscriptionMetrics_ReturnsOnCancel(t *testing.T) {
	reg := newMetricsTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runSubscriptionMetrics(ctx, reg)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runSubscriptionMetrics did not return after cancel")
	}
}
