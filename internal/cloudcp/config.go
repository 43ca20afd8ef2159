package cloudcp

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/navalha/navalha/internal/cloudcp/billing"
)

const minVaultSecretLen = 32

// CPConfig holds all configuration for the control plane.
type CPConfig struct {
	DataDir           string
	BindAddress       string
	Port              int
	AdminKey          string
	BaseURL           string
	SessionSecret     string
	VaultSecret       string
	GatewayAPIKey     string
	GatewayBaseURL    string
	GatewayWebhookKey string
	CardPollAttempts  int
	CardPollInterval  time.Duration
	TransferSettle    time.Duration
	PendingSweep      string
	PublicMetrics     bool
	PublicStatus      bool
	PostmarkToken     string // optional; if empty, emails are logged
	EmailFrom         string
	LogLevel          string
	LogFormat         string
	SignupRatePerMin  int
	SignupBurst       int
}

// ControlPlaneDir returns the directory for the control plane's own data (registry DB, etc).
func (c *CPConfig) ControlPlaneDir() string {
	return filepath.Join(c.DataDir, "control-plane")
}

// OrchestratorConfig maps the payment wait settings onto the billing package.
func (c *CPConfig) OrchestratorConfig() billing.OrchestratorConfig {
	return billing.OrchestratorConfig{
		CardPollAttempts:    c.CardPollAttempts,
		CardPollInterval:    c.CardPollInterval,
		TransferSettleDelay: c.TransferSettle,
	}
}

// LoadConfig loads control plane configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*CPConfig, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("CP_PORT", 8443)
	if err != nil {
		return nil, err
	}
	pollAttempts, err := envOrDefaultInt("CP_CARD_POLL_ATTEMPTS", billing.DefaultCardPollAttempts)
	if err != nil {
		return nil, err
	}
	pollInterval, err := envOrDefaultDuration("CP_CARD_POLL_INTERVAL", billing.DefaultCardPollInterval)
	if err != nil {
		return nil, err
	}
	settle, err := envOrDefaultDuration("CP_TRANSFER_SETTLE_DELAY", billing.DefaultTransferSettleDelay)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("CP_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}
	publicStatus, err := envOrDefaultBool("CP_PUBLIC_STATUS", false)
	if err != nil {
		return nil, err
	}
	signupRate, err := envOrDefaultInt("CP_SIGNUP_RATE_PER_MIN", 10)
	if err != nil {
		return nil, err
	}
	signupBurst, err := envOrDefaultInt("CP_SIGNUP_BURST", 5)
	if err != nil {
		return nil, err
	}

	cfg := &CPConfig{
		DataDir:           envOrDefault("CP_DATA_DIR", "/data"),
		BindAddress:       envOrDefault("CP_BIND_ADDRESS", "0.0.0.0"),
		Port:              port,
		AdminKey:          strings.TrimSpace(os.Getenv("CP_ADMIN_KEY")),
		BaseURL:           strings.TrimSpace(os.Getenv("CP_BASE_URL")),
		SessionSecret:     strings.TrimSpace(os.Getenv("CP_SESSION_SECRET")),
		VaultSecret:       strings.TrimSpace(os.Getenv("CP_VAULT_SECRET")),
		GatewayAPIKey:     strings.TrimSpace(os.Getenv("GATEWAY_API_KEY")),
		GatewayBaseURL:    envOrDefault("GATEWAY_BASE_URL", "https://api.asaas.com/v3"),
		GatewayWebhookKey: strings.TrimSpace(os.Getenv("GATEWAY_WEBHOOK_TOKEN")),
		CardPollAttempts:  pollAttempts,
		CardPollInterval:  pollInterval,
		TransferSettle:    settle,
		PendingSweep:      envOrDefault("CP_PENDING_SWEEP_SCHEDULE", billing.DefaultSweepSchedule),
		PublicMetrics:     publicMetrics,
		PublicStatus:      publicStatus,
		PostmarkToken:     strings.TrimSpace(os.Getenv("POSTMARK_SERVER_TOKEN")),
		EmailFrom:         envOrDefault("CP_EMAIL_FROM", "nao-responda@navalha.app"),
		LogLevel:          envOrDefault("CP_LOG_LEVEL", "info"),
		LogFormat:         envOrDefault("CP_LOG_FORMAT", "auto"),
		SignupRatePerMin:  signupRate,
		SignupBurst:       signupBurst,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate control plane config: %w", err)
	}
	return cfg, nil
}

func (c *CPConfig) validate() error {
	var missing []string
	for _, req := range []struct{ name, value string }{
		{"CP_ADMIN_KEY", c.AdminKey},
		{"CP_BASE_URL", c.BaseURL},
		{"CP_SESSION_SECRET", c.SessionSecret},
		{"CP_VAULT_SECRET", c.VaultSecret},
		{"GATEWAY_API_KEY", c.GatewayAPIKey},
		{"GATEWAY_WEBHOOK_TOKEN", c.GatewayWebhookKey},
	} {
		if req.value == "" {
			missing = append(missing, req.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("CP_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if len(c.VaultSecret) < minVaultSecretLen {
		return fmt.Errorf("CP_VAULT_SECRET must be at least %d characters", minVaultSecretLen)
	}
	if c.CardPollAttempts < 1 {
		return fmt.Errorf("CP_CARD_POLL_ATTEMPTS must be greater than 0, got %d", c.CardPollAttempts)
	}
	if c.CardPollInterval <= 0 {
		return fmt.Errorf("CP_CARD_POLL_INTERVAL must be positive, got %s", c.CardPollInterval)
	}
	if c.TransferSettle < 0 {
		return fmt.Errorf("CP_TRANSFER_SETTLE_DELAY must not be negative, got %s", c.TransferSettle)
	}
	if c.SignupRatePerMin < 1 || c.SignupBurst < 1 {
		return fmt.Errorf("CP_SIGNUP_RATE_PER_MIN and CP_SIGNUP_BURST must be greater than 0")
	}
	if c.PendingSweep != "" {
		if _, err := cron.ParseStandard(c.PendingSweep); err != nil {
			return fmt.Errorf("CP_PENDING_SWEEP_SCHEDULE is invalid: %w", err)
		}
	}

	for _, u := range []struct{ name, value string }{
		{"CP_BASE_URL", c.BaseURL},
		{"GATEWAY_BASE_URL", c.GatewayBaseURL},
	} {
		parsed, err := url.Parse(u.value)
		if err != nil {
			return fmt.Errorf("%s must be a valid URL: %w", u.name, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("%s must use http or https scheme", u.name)
		}
		if parsed.Host == "" {
			return fmt.Errorf("%s must include a host", u.name)
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be true or false: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}
