package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"recipereader/internal/auth"
	"recipereader/internal/config"
	"recipereader/internal/extraction"
	"recipereader/internal/formstate"
	"recipereader/internal/gate"
	transporthttp "recipereader/internal/http"
	"recipereader/internal/metrics"
	"recipereader/internal/platform/clock"
	"recipereader/internal/platform/database"
	"recipereader/internal/platform/logging"
	"recipereader/internal/platform/migrate"
	"recipereader/internal/quota"
	"recipereader/internal/recipes"
	"recipereader/internal/validation"
)

const (
	janitorInterval    = 5 * time.Minute
	idleManagerTTL     = time.Hour
	idleLimiterTTL     = 10 * time.Minute
	idleTrackerTTL     = time.Hour
	writeTimeoutSlack  = 5 * time.Second
	shutdownTimeout    = 10 * time.Second
	upstreamHTTPClient = 2 * time.Minute
)

// stores groups the persistence backends selected by DATA_STORE.
type stores struct {
	auth    auth.Repository
	recipes recipes.Repository
	quota   quota.Store
	cleanup func()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	st, err := buildStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	if st.cleanup != nil {
		defer st.cleanup()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	authService := auth.NewService(st.auth, 0)

	var (
		sessions       transporthttp.SessionRegistry
		registry       *auth.Registry
		signInProvider string
	)
	if cfg.OAuthEnabled() {
		provider, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
			IssuerURL:      cfg.OIDCIssuerURL,
			ClientID:       cfg.OIDCClientID,
			ClientSecret:   cfg.OIDCClientSecret,
			RedirectURL:    cfg.OIDCRedirectURL,
			AllowedDomains: cfg.AllowedDomains,
			AllowedEmails:  cfg.AllowedEmails,
			JWTSecret:      cfg.JWTSecret,
		}, authService, logger)
		if err != nil {
			logger.Error("failed to initialize identity provider", "error", err)
			os.Exit(1)
		}
		if !provider.HasAllowlist() {
			logger.Warn("no email allowlist configured; any verified account can sign in")
		}
		registry = auth.NewRegistry(provider, clock.System{}, logger, auth.WithRefreshRecorder(collector))
		defer registry.Close()
		sessions = registry
		signInProvider = provider.Name()
		collector.TrackGauge("recipereader_session_managers", "Browser sessions with a live session manager.", registry.Len)
	}

	trackers := quota.NewTrackers(st.quota,
		quota.WithDefaultLimit(cfg.QuotaDefaultLimit),
		quota.WithIncrementRecorder(collector),
		quota.WithTrackerLogger(logger),
	)
	defer trackers.Close()

	client := extraction.NewClient(&http.Client{Timeout: upstreamHTTPClient},
		extraction.WithBaseURL(cfg.ExtractionAPIURL),
		extraction.WithAuthenticatedBaseURL(cfg.ExtractionAuthAPIURL),
		extraction.WithAPIKey(cfg.ExtractionAPIKey),
		extraction.WithTimeouts(extraction.Timeouts{Text: cfg.TextTimeout, URL: cfg.URLTimeout, Image: cfg.ImageTimeout}),
		extraction.WithConnectivity(connectivityFor(cfg.ExtractionAPIURL)),
		extraction.WithLogger(logger),
		extraction.WithRecorder(collector),
	)

	inflight := extraction.NewInflight()
	extractor := gate.NewSecureExtractor(client,
		gate.WithInflight(inflight),
		gate.WithGateLogger(logger),
		gate.WithDecisionRecorder(collector),
	)

	forms := formstate.NewStore(clock.System{}, 0)
	limiter := transporthttp.NewRateLimiter(cfg.RateLimitPerMinute, clock.System{}, logger)

	rules := validation.DefaultRules()
	rules.MaxBytes = cfg.UploadMaxBytes
	rules.MaxFiles = cfg.UploadMaxFiles
	if cfg.UploadAllowPDF {
		rules = rules.WithPDF()
	}

	collector.TrackGauge("recipereader_quota_trackers", "Users with a live quota tracker.", trackers.Len)
	collector.TrackGauge("recipereader_inflight_extractions", "Extractions currently waiting on the service.", inflight.Len)
	collector.TrackGauge("recipereader_form_states", "Saved form states awaiting restore.", forms.Len)
	collector.TrackGauge("recipereader_rate_limited_callers", "Callers tracked by the rate limiter.", limiter.Len)

	router := transporthttp.NewRouter(transporthttp.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Sessions:       sessions,
		SignInProvider: signInProvider,
		Extractor:      extractor,
		Inflight:       inflight,
		Trackers:       trackers,
		Recipes:        recipes.NewService(st.recipes),
		Forms:          forms,
		Limiter:        limiter,
		Metrics:        reg,
		UploadRules:    rules,
	})

	go runJanitor(ctx, logger, registry, trackers, limiter, authService)

	srv := &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      transporthttp.RequestTimeout(cfg) + writeTimeoutSlack,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    http.DefaultMaxHeaderBytes,
	}

	go func() {
		logger.Info("recipe reader API listening", "addr", srv.Addr, "store", cfg.DataStore, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if n := inflight.CancelAll(); n > 0 {
		logger.Info("cancelled in-flight extractions", "count", n)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func buildStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (stores, error) {
	if cfg.UseInMemoryStore() {
		logger.Info("using in-memory storage")
		return stores{
			auth:    auth.NewMemoryRepository(),
			recipes: recipes.NewInMemoryRepository(nil),
			quota:   quota.NewMemoryStore(),
		}, nil
	}

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return stores{}, err
	}

	cleanup := func() {
		_ = db.Close()
	}

	version, err := migrate.Apply(ctx, db, logger)
	if err != nil {
		cleanup()
		return stores{}, err
	}

	quotaStore := quota.NewPostgresStore(db, logger)
	if err := quotaStore.Listen(ctx, cfg.DatabaseURL); err != nil {
		logger.Warn("quota change notifications unavailable", "error", err)
	}

	logger.Info("connected to postgres", "schema_version", version)
	return stores{
		auth:    auth.NewPostgresRepository(db),
		recipes: recipes.NewPostgresRepository(db),
		quota:   quotaStore,
		cleanup: cleanup,
	}, nil
}

// connectivityFor checks the extraction service host before each call so
// an unreachable network is reported as offline instead of timing out.
func connectivityFor(rawURL string) extraction.Connectivity {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return extraction.AlwaysOnline
	}
	host := parsed.Host
	if parsed.Port() == "" {
		port := "80"
		if parsed.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(parsed.Hostname(), port)
	}
	return extraction.DialCheck{Address: host}
}

func runJanitor(ctx context.Context, logger *slog.Logger, registry *auth.Registry, trackers *quota.Trackers, limiter *transporthttp.RateLimiter, authService *auth.Service) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if registry != nil {
			if n := registry.Prune(idleManagerTTL); n > 0 {
				logger.Debug("pruned idle session managers", "count", n)
			}
		}
		if n := trackers.Prune(idleTrackerTTL); n > 0 {
			logger.Debug("released idle quota trackers", "count", n)
		}
		if n := limiter.Prune(idleLimiterTTL); n > 0 {
			logger.Debug("pruned idle rate limiters", "count", n)
		}
		if n, err := authService.CleanupStaleSessions(ctx); err != nil {
			logger.Warn("stale session cleanup failed", "error", err)
		} else if n > 0 {
			logger.Info("removed stale sessions", "count", n)
		}
	}
}
