package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "github.com/mind-engage/mindengage-lti/internal/api/http"
	"github.com/mind-engage/mindengage-lti/internal/config"
	"github.com/mind-engage/mindengage-lti/internal/logging"
	"github.com/mind-engage/mindengage-lti/internal/metrics"
	"github.com/mind-engage/mindengage-lti/pkg/tool/ags"
	"github.com/mind-engage/mindengage-lti/pkg/tool/keys"
	"github.com/mind-engage/mindengage-lti/pkg/tool/keyset"
	"github.com/mind-engage/mindengage-lti/pkg/tool/launch"
	"github.com/mind-engage/mindengage-lti/pkg/tool/login"
	"github.com/mind-engage/mindengage-lti/pkg/tool/pending"
	"github.com/mind-engage/mindengage-lti/pkg/tool/registration"
)

func main() {
	cfg := config.FromEnv()

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatalw("invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Stores ---
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatalw("stores", "error", err)
	}
	defer st.Close()

	if cfg.PlatformsFile != "" {
		n, err := seedPlatforms(ctx, st.Trust, cfg.PlatformsFile)
		if err != nil {
			logger.Fatalw("seed platforms", "file", cfg.PlatformsFile, "error", err)
		}
		logger.Infow("seeded platforms", "file", cfg.PlatformsFile, "count", n)
	}
	go pending.Sweep(ctx, st.Pending, cfg.PendingSweepEvery, logger.Named("sweep"))

	// --- Keys ---
	toolKey, err := keys.Load(cfg.ToolKeyPath, cfg.ToolKeyID)
	if err != nil {
		logger.Fatalw("tool key", "error", err)
	}
	if cfg.ToolKeyPath == "" {
		logger.Warnw("no LTI_TOOL_KEY_PATH set, generated an ephemeral signing key", "kid", toolKey.KID)
	}
	jwks, err := keys.NewJWKSHandler(toolKey, cfg.JWKSMaxAge)
	if err != nil {
		logger.Fatalw("jwks", "error", err)
	}

	var m *metrics.Metrics
	if cfg.EnableMetrics {
		m = metrics.New(cfg.MetricsNamespace)
	}

	keyCache := keyset.NewCache(&http.Client{Timeout: cfg.KeySetFetchTimeout}, logger.Named("keyset"))
	keyCache.TTL = cfg.KeySetTTL
	keyCache.MinRefreshInterval = cfg.KeySetMinRefresh
	keyCache.FetchTimeout = cfg.KeySetFetchTimeout
	keyCache.OnFetch = m.KeySetFetch

	tool := toolConfig(cfg)
	if err := tool.Validate(); err != nil {
		logger.Fatalw("tool configuration", "error", err)
	}

	srv := &api.Server{
		Login: &login.Initiator{
			Trust:                   st.Trust,
			Pending:                 st.Pending,
			AllowUnregisteredCanvas: cfg.CanvasAllowUnregistered,
			TTL:                     cfg.PendingTTL,
			Logger:                  logger.Named("login"),
		},
		Launch: &launch.Verifier{
			Trust:                   st.Trust,
			Pending:                 st.Pending,
			Keys:                    keyCache,
			Algorithms:              cfg.Algorithms,
			ClockSkew:               cfg.ClockSkew,
			MaxTokenAge:             cfg.MaxTokenAge,
			AllowUnregisteredCanvas: cfg.CanvasAllowUnregistered,
			Logger:                  logger.Named("launch"),
		},
		Registrar: &registration.Registrar{
			Tool:    tool,
			Trust:   st.Trust,
			Client:  &http.Client{Timeout: cfg.RegistrationTimeout},
			Timeout: cfg.RegistrationTimeout,
			TwoWay:  cfg.RegistrationTwoWay,
			Logger:  logger.Named("registration"),
		},
		Grades: &ags.Grader{
			Trust:  st.Trust,
			Key:    toolKey,
			HTTP:   &http.Client{Timeout: cfg.RegistrationTimeout},
			Scopes: cfg.ToolScopes,
		},
		KeySets:        keyCache,
		Trust:          st.Trust,
		JWKS:           jwks,
		Metrics:        m,
		Logger:         logger.Named("http"),
		CORSOrigins:    cfg.CORSOrigins,
		AdminUser:      cfg.AdminUser,
		AdminPassHash:  cfg.AdminPassHash,
		RequestTimeout: cfg.RequestTimeout,
		Ready:          st.Ping,
	}

	hs := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("listening",
			"addr", cfg.HTTPAddr, "public_url", cfg.PublicURL,
			"db", cfg.DBDriver, "pending", cfg.PendingDriver, "kid", toolKey.KID,
			"admin", cfg.AdminEnabled(), "canvas_unregistered", cfg.CanvasAllowUnregistered)
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("http server", "error", err)
		}
	case <-ctx.Done():
		logger.Infow("shutting down", "grace", cfg.ShutdownGrace)
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := hs.Shutdown(sctx); err != nil {
			logger.Errorw("shutdown", "error", err)
		}
	}
}
