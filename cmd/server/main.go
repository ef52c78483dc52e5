package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"btrproxy/internal/apierror"
	"btrproxy/internal/authgate"
	"btrproxy/internal/circuit"
	"btrproxy/internal/concurrency"
	"btrproxy/internal/config"
	"btrproxy/internal/dispatcher"
	"btrproxy/internal/guard"
	"btrproxy/internal/handler"
	"btrproxy/internal/metrics"
	"btrproxy/internal/pool"
	"btrproxy/internal/pricing"
	"btrproxy/internal/provider"
	"btrproxy/internal/ratelimit"
	"btrproxy/internal/retry"
	"btrproxy/internal/scheduler"
	"btrproxy/internal/selector"
	"btrproxy/internal/store"
	"btrproxy/internal/streampipeline"
	"btrproxy/internal/tokenmanager"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.DebugLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)

	logFile, err := os.OpenFile("btrproxy.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open log file")
	}
	defer logFile.Close()

	var console io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	if os.Getenv("LOG_FORMAT") == "json" {
		console = os.Stderr
	}
	multi := zerolog.MultiLevelWriter(
		console,
		logFile,
	)
	log.Logger = log.Output(multi)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	db, err := store.New(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	if err := bootstrapAdminKey(db); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap admin api key")
	}

	httpPool := pool.NewHTTPPool(pool.PoolConfig{
		MaxIdleConns:        cfg.Pool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Pool.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.Pool.IdleConnTimeout,
		MaxClients:          cfg.Pool.MaxClients,
		ClientIdleTTL:       cfg.Pool.ClientIdleTTL,
		ResponseTimeout:     cfg.Pool.ResponseTimeout,
	})
	defer httpPool.Close()
	log.Info().Msg("initialized connection pool")

	circuitMgr := circuit.NewManager(circuit.BreakerConfig{
		Enabled:          cfg.Circuit.Enabled,
		FailureThreshold: cfg.Circuit.FailureThreshold,
		SuccessThreshold: cfg.Circuit.SuccessThreshold,
		OpenTimeout:      cfg.Circuit.OpenTimeout,
	})
	defer circuitMgr.Close()
	log.Info().Bool("enabled", cfg.Circuit.Enabled).Msg("initialized circuit breaker manager")

	concurrencyMgr := concurrency.NewManager(concurrency.ConcurrencyConfig{
		UserMax:       cfg.Concurrency.UserMax,
		AccountMax:    cfg.Concurrency.AccountMax,
		MaxWaitQueue:  cfg.Concurrency.MaxWaitQueue,
		WaitTimeout:   cfg.Concurrency.WaitTimeout,
		BackoffBase:   cfg.Concurrency.BackoffBase,
		BackoffMax:    cfg.Concurrency.BackoffMax,
		BackoffJitter: cfg.Concurrency.BackoffJitter,
		PingInterval:  cfg.Concurrency.PingInterval,
	})
	defer concurrencyMgr.Close()
	log.Info().Int("user_max", cfg.Concurrency.UserMax).Int("account_max", cfg.Concurrency.AccountMax).Msg("initialized concurrency manager")

	doer := &accountAwareDoer{pool: httpPool, slots: concurrencyMgr}

	rateLimiter := ratelimit.NewMultiMemoryLimiter(ratelimit.RateLimitConfig{
		Enabled:      cfg.RateLimit.Enabled,
		UserLimit:    ratelimit.LimitRule{Requests: cfg.RateLimit.UserLimit.Requests, Window: cfg.RateLimit.UserLimit.Window},
		AccountLimit: ratelimit.LimitRule{Requests: cfg.RateLimit.AccountLimit.Requests, Window: cfg.RateLimit.AccountLimit.Window},
		IPLimit:      ratelimit.LimitRule{Requests: cfg.RateLimit.IPLimit.Requests, Window: cfg.RateLimit.IPLimit.Window},
		GlobalLimit:  ratelimit.LimitRule{Requests: cfg.RateLimit.GlobalLimit.Requests, Window: cfg.RateLimit.GlobalLimit.Window},
	})
	defer rateLimiter.Close()
	log.Info().Bool("enabled", cfg.RateLimit.Enabled).Msg("initialized rate limiter")

	providers := provider.NewRegistry(doer, "https://console.anthropic.com/v1/oauth/token")
	tokens := tokenmanager.New(db, &oauthRefresher{providers: providers})
	sel := selector.New(db, time.Duration(cfg.Session.DurationMs)*time.Millisecond)
	policy := retry.NewPolicy(retry.RetryConfig{
		MaxAttempts:        cfg.Retry.MaxAttempts,
		MaxAccountSwitches: cfg.Retry.MaxAccountSwitches,
		InitialBackoff:     cfg.Retry.InitialBackoff,
		MaxBackoff:         cfg.Retry.MaxBackoff,
		BackoffMultiplier:  cfg.Retry.BackoffMultiplier,
		Jitter:             cfg.Retry.Jitter,
	})
	pipeline := streampipeline.New(db, pricing.NewCatalog())
	accounts := guard.NewCircuitAccountStore(guard.NewRateLimitAccountStore(db, rateLimiter), circuitMgr)
	dispatch := dispatcher.New(accounts, sel, tokens, providers, doer, pipeline, policy, db)
	log.Info().Int("max_attempts", cfg.Retry.MaxAttempts).Int("max_switches", cfg.Retry.MaxAccountSwitches).Msg("initialized dispatcher")

	checker := scheduler.NewAccountHealthChecker(doer, tokens)
	sched := scheduler.New(scheduler.Config{
		UsagePollMinInterval: cfg.Scheduler.UsagePollMinInterval,
		UsagePollMaxInterval: cfg.Scheduler.UsagePollMaxInterval,
		AutoRefreshInterval:  cfg.Scheduler.AutoRefreshInterval,
		AutoRefreshWindow:    cfg.Scheduler.AutoRefreshWindow,
		RetentionInterval:    cfg.Retention.SweepInterval,
		PayloadRetention:     time.Duration(cfg.Retention.DataRetentionDays) * 24 * time.Hour,
		RequestRetention:     time.Duration(cfg.Retention.RequestRetentionDays) * 24 * time.Hour,
	}, db, tokens, db, checker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()
	log.Info().Msg("started background scheduler")

	var metricsCollector *metrics.Metrics
	if cfg.Metrics.Enabled {
		metricsCollector = metrics.New(metrics.Config{Enabled: cfg.Metrics.Enabled, Path: cfg.Metrics.Path})
		log.Info().Str("path", cfg.Metrics.Path).Msg("initialized Prometheus metrics")
	}

	exemptPaths, exemptPrefixes := authgate.DefaultExempt()
	exemptPaths = append(exemptPaths, cfg.Metrics.Path)
	gate := authgate.New(db, exemptPaths, exemptPrefixes)

	proxyHandler := handler.NewProxyHandler(dispatch)
	accountHandler := handler.NewAccountHandler(db)
	apiKeyHandler := handler.NewApiKeyHandler(db)
	requestHandler := handler.NewRequestHandler(db)
	statsHandler := handler.NewStatsHandler(db)
	configHandler := handler.NewConfigHandler(cfg.Scheduler)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.CustomRecovery(func(c *gin.Context, _ interface{}) {
		c.AbortWithStatusJSON(http.StatusInternalServerError, apierror.NewBody(apierror.ErrInternal, "internal server error"))
	}))
	router.Use(requestLogger())
	router.Use(gate.Auth())

	router.GET("/health", func(c *gin.Context) {
		accountList, err := db.ListAccounts()
		if err != nil {
			c.JSON(http.StatusInternalServerError, apierror.NewBody(apierror.ErrInternal, "failed to list accounts"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "accounts": len(accountList), "timestamp": time.Now().UTC().Format(time.RFC3339)})
	})

	if metricsCollector != nil {
		router.GET(cfg.Metrics.Path, metricsCollector.Handler())
	}

	v1 := router.Group("/v1")
	v1.Use(guard.RateConcurrencyMiddleware(rateLimiter, concurrencyMgr))
	{
		v1.POST("/messages", proxyHandler.Handle)
		v1.POST("/messages/count_tokens", proxyHandler.Handle)
		v1.POST("/chat/completions", proxyHandler.Handle)
	}

	admin := router.Group("/api")
	admin.Use(authgate.RequireRole(store.RoleAdmin))
	{
		admin.GET("/stats", statsHandler.Overview)
		admin.GET("/analytics", statsHandler.Analytics)
		admin.GET("/config", configHandler.Get)
		admin.PATCH("/config", configHandler.Patch)
		admin.GET("/config/strategy", configHandler.GetStrategy)
		admin.POST("/config/strategy", configHandler.SetStrategy)

		admin.GET("/accounts", accountHandler.List)
		admin.POST("/accounts", accountHandler.Create)
		admin.GET("/accounts/:id", accountHandler.Get)
		admin.DELETE("/accounts/:id", accountHandler.Delete)
		admin.POST("/accounts/:id/pause", accountHandler.Pause)
		admin.POST("/accounts/:id/resume", accountHandler.Resume)
		admin.POST("/accounts/:id/priority", accountHandler.SetPriority)
		admin.POST("/accounts/:id/auto-fallback", accountHandler.SetAutoFallback)
		admin.POST("/accounts/:id/custom-endpoint", accountHandler.SetCustomEndpoint)
		admin.POST("/accounts/:id/deactivate", accountHandler.Deactivate)

		admin.GET("/requests", requestHandler.List)
		admin.GET("/requests/:id", requestHandler.Get)
		admin.GET("/requests/:id/payload", requestHandler.GetPayload)

		admin.GET("/api-keys", apiKeyHandler.List)
		admin.POST("/api-keys", apiKeyHandler.Create)
		admin.DELETE("/api-keys/:name", apiKeyHandler.Delete)
		admin.POST("/api-keys/:name/enable", apiKeyHandler.Enable)
		admin.POST("/api-keys/:name/disable", apiKeyHandler.Disable)

		admin.GET("/stats/pool", func(c *gin.Context) { c.JSON(http.StatusOK, httpPool.Stats()) })
		admin.GET("/stats/circuit", func(c *gin.Context) { c.JSON(http.StatusOK, circuitMgr.Stats()) })
		admin.GET("/stats/concurrency", func(c *gin.Context) { c.JSON(http.StatusOK, concurrencyMgr.Stats()) })
		admin.GET("/stats/ratelimit", func(c *gin.Context) { c.JSON(http.StatusOK, rateLimiter.Stats()) })
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("starting server")
		log.Info().
			Bool("pool", true).
			Bool("circuit", cfg.Circuit.Enabled).
			Bool("concurrency", true).
			Bool("ratelimit", cfg.RateLimit.Enabled).
			Bool("metrics", cfg.Metrics.Enabled).
			Msg("enabled features")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// accountAwareDoer adapts internal/pool's per-account HTTPPool and
// internal/concurrency's per-account slots onto the dispatcher's HTTPDoer
// and AccountAwareDoer interfaces. Plain Do (used for token refresh calls
// and other account-less requests, e.g. the scheduler's health checker)
// rides the pool's shared client; DoForAccount is used on the dispatcher's
// actual upstream fetch, where the account id is known, giving each
// account its own pooled connections and bounding how many requests for
// that account run concurrently.
type accountAwareDoer struct {
	pool  *pool.HTTPPool
	slots concurrency.Manager
}

func (d *accountAwareDoer) Do(req *http.Request) (*http.Response, error) {
	return d.pool.Do(req, "")
}

func (d *accountAwareDoer) DoForAccount(req *http.Request, accountID string) (*http.Response, error) {
	if accountID == "" {
		return d.pool.Do(req, "")
	}
	if _, err := d.slots.AcquireAccountSlot(req.Context(), accountID); err != nil {
		return nil, fmt.Errorf("acquiring account concurrency slot: %w", err)
	}
	defer d.slots.ReleaseAccountSlot(accountID)
	return d.pool.Do(req, accountID)
}

// oauthRefresher adapts the anthropic-oauth provider's RefreshToken method
// onto tokenmanager.Refresher, since Registry.For returns the narrower
// Provider interface rather than OAuthProvider directly.
type oauthRefresher struct {
	providers *provider.Registry
}

func (r *oauthRefresher) RefreshToken(ctx context.Context, account *store.Account) (string, int64, error) {
	p := r.providers.For(store.ProviderAnthropicOAuth)
	oauthProvider, ok := p.(provider.OAuthProvider)
	if !ok {
		return "", 0, fmt.Errorf("no oauth-capable provider registered for %s", store.ProviderAnthropicOAuth)
	}
	return oauthProvider.RefreshToken(ctx, account)
}

// bootstrapAdminKey generates and logs a one-time admin api key if the store
// has none yet, so a fresh deployment always has a way into the admin api
// without anyone having to seed the database by hand first.
func bootstrapAdminKey(db *store.Store) error {
	n, err := db.CountActiveAdminKeys()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	plaintext, hashed, prefixLast8, err := authgate.GenerateKey()
	if err != nil {
		return err
	}
	key := &store.ApiKey{
		ID:          "key_" + uuid.New().String(),
		Name:        "bootstrap-admin",
		HashedKey:   hashed,
		PrefixLast8: prefixLast8,
		Role:        store.RoleAdmin,
		IsActive:    true,
		CreatedAt:   time.Now(),
	}
	if err := db.CreateApiKey(key); err != nil {
		return err
	}

	log.Warn().Str("key", plaintext).Msg("generated bootstrap admin api key, shown once only: store it now")
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info().
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", path).
			Dur("latency", latency).
			Str("ip", c.ClientIP()).
			Msg("request")
	}
}
