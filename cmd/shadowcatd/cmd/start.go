package cmd

import (
	"context"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	shadowhttp "github.com/shadowcat-mcp/shadowcat/internal/adapter/inbound/http"
	celadapter "github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/cel"
	mcpclient "github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/mcp"
	"github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/memory"
	sqlitestore "github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/sqlite"
	"github.com/shadowcat-mcp/shadowcat/internal/config"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/auth"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/proxy"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/ratelimit"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/session"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/upstream"
	"github.com/shadowcat-mcp/shadowcat/internal/port/outbound"
	"github.com/shadowcat-mcp/shadowcat/internal/service"
	"github.com/shadowcat-mcp/shadowcat/internal/telemetry"
)

var devMode bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the shadowcat proxy server",
	Long: `Start the shadowcat proxy server.

Upstreams, auth identities, rate limits, and interceptor rules are read
from the config file. See shadowcatd --config.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging, relaxed validation)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}
	if cfg.DevMode {
		logger.Warn("dev mode enabled: relaxed validation, permissive defaults")
	}

	return run(ctx, cfg, logger)
}

// run wires every orchestration component together and blocks serving
// HTTP until ctx is canceled.
func run(ctx context.Context, cfg *config.OSSConfig, logger *slog.Logger) error {
	tp, err := telemetry.NewTracerProvider(ctx, "shadowcatd")
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	metrics := shadowhttp.NewMetrics(registry)

	upstreamStore := memory.NewUpstreamStore()
	if err := seedUpstreams(ctx, cfg, upstreamStore); err != nil {
		return fmt.Errorf("failed to seed upstreams: %w", err)
	}

	authStore := memory.NewAuthStore()
	seedAuth(cfg, authStore)

	sessionTimeout, err := time.ParseDuration(cfg.Server.SessionTimeout)
	if err != nil {
		sessionTimeout = service.DefaultSessionTimeout
		logger.Warn("invalid server.session_timeout, using default", "default", sessionTimeout)
	}
	sessionStore, closeStore, err := newSessionStore(ctx, cfg, sessionTimeout)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer closeStore()

	sessions := service.NewSessionManager(sessionStore, sessionTimeout, logger)
	selector := service.NewSelector(upstreamStore, service.Strategy(cfg.Selector.Strategy))

	service.SetProcessClientFactory(func(path string, args []string) outbound.MCPClient {
		return mcpclient.NewStdioClient(path, args...)
	})

	sender := mcpclient.NewSendOneClient()
	dispatcher := service.NewDispatcher(sender, logger)
	defer func() { _ = dispatcher.Close() }()
	dispatcher.OnPoolInUse(func(upstreamID string, inUse int) {
		metrics.UpstreamPoolInUse.WithLabelValues(upstreamID).Set(float64(inUse))
	})

	requestChain := proxy.NewChain()
	requestChain.OnAction = func(kind proxy.ActionKind) {
		metrics.InterceptorActions.WithLabelValues(kind.String()).Inc()
	}
	requestChain.Register(proxy.NewLoggingInterceptor(logger))

	if len(cfg.Interceptor.Rules) > 0 {
		compiler, err := celadapter.NewCompiler()
		if err != nil {
			return fmt.Errorf("failed to create CEL compiler: %w", err)
		}
		rules := convertRules(cfg.Interceptor.Rules)
		celInterceptor, err := proxy.NewCELInterceptor(compiler, rules, 500)
		if err != nil {
			return fmt.Errorf("failed to compile interceptor rules: %w", err)
		}
		requestChain.Register(celInterceptor)
		logger.Info("interceptor rules loaded", "count", len(rules))
	}

	responseChain := proxy.NewChain()
	responseChain.OnAction = func(kind proxy.ActionKind) {
		metrics.InterceptorActions.WithLabelValues(kind.String()).Inc()
	}
	responseChain.Register(proxy.NewLoggingInterceptor(logger))
	responses := service.NewResponsePipeline(responseChain, logger)
	responses.OnSSEEvent(func(stream string) {
		metrics.SSEEventsTotal.WithLabelValues(stream).Inc()
	})

	push := service.NewServerPushRegistry()

	var authSvc *auth.APIKeyService
	if len(cfg.Auth.APIKeys) > 0 {
		authSvc = auth.NewAPIKeyService(authStore)
	}

	monitor := service.NewHealthMonitor(upstreamStore, logger)
	go monitor.Run(ctx)

	handler := shadowhttp.NewHandler(sessions, selector, dispatcher, responses, requestChain, upstreamStore, authSvc, push, monitor, metrics, logger)

	healthChecker := shadowhttp.NewHealthChecker(sessionStore, nil, Version)

	mux := stdhttp.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.Handle("/health", healthChecker.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	var topHandler stdhttp.Handler = mux
	topHandler = shadowhttp.MetricsMiddleware(metrics)(topHandler)

	var rateLimiter *memory.MemoryRateLimiter
	if cfg.RateLimit.Enabled {
		cleanupInterval, err := time.ParseDuration(cfg.RateLimit.CleanupInterval)
		if err != nil {
			cleanupInterval = 5 * time.Minute
		}
		maxTTL, err := time.ParseDuration(cfg.RateLimit.MaxTTL)
		if err != nil {
			maxTTL = time.Hour
		}
		rateLimiter = memory.NewRateLimiterWithConfig(cleanupInterval, maxTTL)
		rateLimiter.StartCleanup(ctx)
		defer rateLimiter.Stop()

		ipConfig := ratelimit.RateLimitConfig{Rate: cfg.RateLimit.IPRate, Burst: cfg.RateLimit.IPRate, Period: time.Minute}
		topHandler = shadowhttp.RateLimitMiddleware(rateLimiter, ipConfig, logger)(topHandler)
	}

	topHandler = shadowhttp.APIKeyMiddleware(topHandler)
	topHandler = shadowhttp.RealIPMiddleware(topHandler)
	topHandler = shadowhttp.DNSRebindingProtection(cfg.Server.AllowedOrigins)(topHandler)
	topHandler = shadowhttp.RequestIDMiddleware(logger)(topHandler)

	srv := &stdhttp.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           topHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("shadowcatd listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	push.CloseAll()
	logger.Info("shadowcatd stopped")
	return nil
}

// newSessionStore opens the sqlite-backed store when configured, otherwise
// falls back to the in-memory store with its own background cleanup
// goroutine. Both satisfy session.Store. The returned close func releases
// whichever was opened.
func newSessionStore(ctx context.Context, cfg *config.OSSConfig, timeout time.Duration) (session.Store, func(), error) {
	if cfg.Server.SessionStorePath != "" {
		store, err := sqlitestore.NewSessionStore(cfg.Server.SessionStorePath, timeout)
		if err != nil {
			return nil, nil, err
		}
		cleanupCtx, cancel := context.WithCancel(ctx)
		go func() {
			ticker := time.NewTicker(memory.DefaultCleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-cleanupCtx.Done():
					return
				case <-ticker.C:
					_, _ = store.Cleanup(cleanupCtx)
				}
			}
		}()
		return store, func() { cancel(); _ = store.Close() }, nil
	}

	store := memory.NewSessionStore()
	store.StartCleanup(ctx)
	return store, store.Stop, nil
}

// seedUpstreams converts the config's UpstreamConfig list into domain
// upstream.Upstream records and adds them to store, marking HTTP
// upstreams healthy immediately (probed thereafter by HealthMonitor) and
// stdio upstreams healthy on the optimistic assumption the pool will
// reap them the first time they misbehave.
func seedUpstreams(ctx context.Context, cfg *config.OSSConfig, store *memory.MemoryUpstreamStore) error {
	for _, uc := range cfg.Upstreams {
		interval, _ := time.ParseDuration(uc.HealthCheck.Interval)
		timeout, _ := time.ParseDuration(uc.HealthCheck.Timeout)

		u := &upstream.Upstream{
			ID:          uuid.New().String(),
			Name:        uc.Name,
			Type:        upstream.UpstreamType(uc.Type),
			Enabled:     uc.Enabled,
			Command:     uc.Command,
			Args:        uc.Args,
			URL:         uc.URL,
			Env:         uc.Env,
			Weight:      uc.Weight,
			PoolMinSize: uc.PoolMinSize,
			PoolMaxSize: uc.PoolMaxSize,
			HealthCheck: upstream.HealthCheckSpec{
				Interval:         interval,
				Timeout:          timeout,
				FailureThreshold: uc.HealthCheck.FailureThreshold,
			},
			Status:  upstream.StatusConnecting,
			Healthy: true,
		}
		if err := u.Validate(); err != nil {
			return fmt.Errorf("upstream %q: %w", uc.Name, err)
		}
		if err := store.Add(ctx, u); err != nil {
			return fmt.Errorf("upstream %q: %w", uc.Name, err)
		}
	}
	return nil
}

// seedAuth loads identities and API keys from config into the auth store.
func seedAuth(cfg *config.OSSConfig, store *memory.AuthStore) {
	for _, idCfg := range cfg.Auth.Identities {
		roles := make([]auth.Role, len(idCfg.Roles))
		for i, r := range idCfg.Roles {
			roles[i] = auth.Role(r)
		}
		store.AddIdentity(&auth.Identity{ID: idCfg.ID, Name: idCfg.Name, Roles: roles})
	}
	for _, keyCfg := range cfg.Auth.APIKeys {
		store.AddKey(&auth.APIKey{
			Key:        keyCfg.KeyHash,
			IdentityID: keyCfg.IdentityID,
			Name:       keyCfg.Name,
			CreatedAt:  time.Now(),
		})
	}
}

// convertRules maps config-level rules into domain proxy.Rule values,
// sorted by descending priority (the chain's registration order is
// stable, but CELInterceptor evaluates rules in the order given, so
// sorting here makes "higher Priority evaluates first" hold for rules
// too, not just for interceptors).
func convertRules(rcs []config.RuleConfig) []proxy.Rule {
	rules := make([]proxy.Rule, len(rcs))
	for i, rc := range rcs {
		rules[i] = proxy.Rule{
			ID:        rc.ID,
			Priority:  rc.Priority,
			ToolMatch: rc.ToolMatch,
			Condition: rc.Condition,
			Action:    proxy.RuleAction(rc.Action),
			Reason:    rc.Reason,
		}
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	return rules
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
