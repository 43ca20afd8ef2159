package cloudcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/navalha/navalha/internal/cloudcp/email"
	"github.com/navalha/navalha/internal/cloudcp/gateway"
	"github.com/navalha/navalha/internal/cloudcp/registry"
	"github.com/navalha/navalha/internal/logging"
)

const shutdownTimeout = 30 * time.Second

// Run starts the control plane HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "control-plane",
	})

	log.Info().Str("version", version).Msg("Starting Navalha Control Plane")

	if err := os.MkdirAll(cfg.ControlPlaneDir(), 0o755); err != nil {
		return fmt.Errorf("create control-plane dir: %w", err)
	}

	reg, err := registry.NewTenantRegistry(cfg.ControlPlaneDir())
	if err != nil {
		return fmt.Errorf("open tenant registry: %w", err)
	}
	defer reg.Close()

	deps, err := NewDeps(cfg, reg, gateway.NewRESTClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey), newEmailSender(cfg), version)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(deps),
		ReadHeaderTimeout: 15 * time.Second,
		// Card signups poll the gateway for up to attempts × interval.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := cron.New()
	if _, err := deps.Sweeper.Schedule(ctx, scheduler, cfg.PendingSweep); err != nil {
		return fmt.Errorf("schedule pending signup sweep: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})

	g.Go(func() error {
		runSubscriptionMetrics(gctx, reg)
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Control plane listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Control plane stopped")
	return err
}

func newEmailSender(cfg *CPConfig) email.Sender {
	if cfg.PostmarkToken != "" {
		log.Info().Msg("Email sender configured (Postmark)")
		return email.NewPostmarkSender(cfg.PostmarkToken)
	}
	log.Info().Msg("Email sender: log-only (set POSTMARK_SERVER_TOKEN to enable)")
	return email.NewLogSender(func(to, subject, body string) {
		const maxBody = 4096
		bodyForLog := body
		if len(bodyForLog) > maxBody {
			bodyForLog = bodyForLog[:maxBody] + "...(truncated)"
		}
		log.Info().
			Str("to", to).
			Str("subject", subject).
			Str("body", bodyForLog).
			Msg("Email (log-only, no email provider configured)")
	})
}
