package cloudcp

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t, "/tmp/navalha")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 8443 {
		t.Errorf("Port = %d, want 8443", cfg.Port)
	}
	if cfg.CardPollAttempts != 4 || cfg.CardPollInterval != 2500*time.Millisecond {
		t.Errorf("card poll = %d × %s, want 4 × 2.5s", cfg.CardPollAttempts, cfg.CardPollInterval)
	}
	if cfg.TransferSettle != 3*time.Second {
		t.Errorf("TransferSettle = %s, want 3s", cfg.TransferSettle)
	}
	if cfg.PendingSweep != "@every 15m" {
		t.Errorf("PendingSweep = %q", cfg.PendingSweep)
	}
	if cfg.GatewayBaseURL != "https://api.asaas.com/v3" {
		t.Errorf("GatewayBaseURL = %q", cfg.GatewayBaseURL)
	}
	if cfg.ControlPlaneDir() != "/tmp/navalha/control-plane" {
		t.Errorf("ControlPlaneDir = %q", cfg.ControlPlaneDir())
	}
	oc := cfg.OrchestratorConfig()
	if oc.CardPollAttempts != 4 || oc.TransferSettleDelay != 3*time.Second {
		t.Errorf("OrchestratorConfig = %+v", oc)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequiredEnv(t, "/tmp/navalha")
	t.Setenv("CP_CARD_POLL_ATTEMPTS", "6")
	t.Setenv("CP_CARD_POLL_INTERVAL", "1s")
	t.Setenv("CP_TRANSFER_SETTLE_DELAY", "0s")
	t.Setenv("CP_PUBLIC_METRICS", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.CardPollAttempts != 6 || cfg.CardPollInterval != time.Second || cfg.TransferSettle != 0 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if !cfg.PublicMetrics {
		t.Error("PublicMetrics = false, want true")
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"missing admin key", "CP_ADMIN_KEY", "", "CP_ADMIN_KEY"},
		{"missing webhook token", "GATEWAY_WEBHOOK_TOKEN", "", "GATEWAY_WEBHOOK_TOKEN"},
		{"short vault secret", "CP_VAULT_SECRET", "short", "CP_VAULT_SECRET must be at least"},
		{"bad port", "CP_PORT", "70000", "CP_PORT must be between"},
		{"non-numeric port", "CP_PORT", "abc", "CP_PORT must be a valid integer"},
		{"bad duration", "CP_CARD_POLL_INTERVAL", "soon", "CP_CARD_POLL_INTERVAL must be a valid duration"},
		{"zero attempts", "CP_CARD_POLL_ATTEMPTS", "0", "CP_CARD_POLL_ATTEMPTS must be greater than 0"},
		{"bad bool", "CP_PUBLIC_STATUS", "perhaps", "CP_PUBLIC_STATUS must be true or false"},
		{"bad base url scheme", "CP_BASE_URL", "ftp://app.example.com", "CP_BASE_URL must use http or https"},
		{"bad gateway url", "GATEWAY_BASE_URL", "https://", "GATEWAY_BASE_URL must include a host"},
		{"bad sweep schedule", "CP_PENDING_SWEEP_SCHEDULE", "every so often", "CP_PENDING_SWEEP_SCHEDULE is invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t, "/tmp/navalha")
			t.Setenv(tt.key, tt.value)

			_, err := LoadConfig()
			if err == nil {
				t.Fatal("LoadConfig() error = nil, want non-nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("LoadConfig() error = %q, want %q", err, tt.wantErr)
			}
		})
	}
}
