package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/prebuildd/api/db"
	"github.com/splax/prebuildd/api/internal/app/migrate"
	"github.com/splax/prebuildd/api/internal/configresolver"
	httpx "github.com/splax/prebuildd/api/internal/http"
	"github.com/splax/prebuildd/api/internal/repository/postgres"
	runtimeclient "github.com/splax/prebuildd/api/internal/runtime"
	"github.com/splax/prebuildd/api/internal/scm"
	"github.com/splax/prebuildd/api/internal/scm/git"
	"github.com/splax/prebuildd/api/internal/service/auth"
	"github.com/splax/prebuildd/api/internal/service/authz"
	"github.com/splax/prebuildd/api/internal/service/buildlog"
	"github.com/splax/prebuildd/api/internal/service/commitstatus"
	"github.com/splax/prebuildd/api/internal/service/entitlement"
	"github.com/splax/prebuildd/api/internal/service/history"
	"github.com/splax/prebuildd/api/internal/service/incremental"
	"github.com/splax/prebuildd/api/internal/service/prebuild"
	"github.com/splax/prebuildd/api/internal/service/project"
	"github.com/splax/prebuildd/api/internal/service/reaper"
	"github.com/splax/prebuildd/api/internal/service/team"
	"github.com/splax/prebuildd/api/internal/service/webhook"
	"github.com/splax/prebuildd/api/internal/ws"
	"github.com/splax/prebuildd/pkg/config"
	"github.com/splax/prebuildd/pkg/crypto"
	"github.com/splax/prebuildd/pkg/jwt"
	"github.com/splax/prebuildd/pkg/logger"
	"github.com/splax/prebuildd/pkg/tracer"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracer.Init(ctx, tracer.Config{
		ServiceName: "prebuildd-api",
		Endpoint:    cfg.TracingEndpoint,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		log.Error("failed to initialise tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, db.Migrations, db.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	cipher, err := crypto.NewCipher(cfg.SecretEncryptionKey)
	if err != nil {
		log.Error("failed to configure secret encryption", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	providers := scm.NewRegistry()
	creds := git.NewIdentityCredentials(repo, cipher)
	for _, host := range cfg.SCMHosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			continue
		}
		provider, err := git.New(cfg.SCMCacheDir, cfg.GitTimeout, creds, log)
		if err != nil {
			log.Error("failed to configure git provider", "host", host, "error", err)
			os.Exit(1)
		}
		providers.Register(host, provider)
	}

	configs := configresolver.New(providers, cfg.DefaultImage)
	hub := ws.NewHub()
	defer hub.Close()
	logSvc := buildlog.New(repo, repo, hub, log)

	notifiers := prebuild.Notifiers{logSvc}
	var checks webhook.CheckRegistrar
	if cfg.GitHubAppID != "" && cfg.GitHubAppKeyFile != "" {
		pemBytes, err := os.ReadFile(cfg.GitHubAppKeyFile)
		if err != nil {
			log.Error("failed to read github app key", "error", err)
			os.Exit(1)
		}
		key, err := jwt.ParseRSAKey(pemBytes)
		if err != nil {
			log.Error("failed to parse github app key", "error", err)
			os.Exit(1)
		}
		app := commitstatus.NewAppClient(cfg.GitHubAppID, key, cfg.GitHubAPIURL, cfg.BuilderTimeout)
		maintainer := commitstatus.New(repo, app, cfg.PublicURL, log)
		notifiers = append(notifiers, maintainer)
		checks = maintainer
		go maintainer.Run(ctx)
	}

	coordinator := prebuild.New(prebuild.Deps{
		Prebuilds:    repo,
		Workspaces:   repo,
		Projects:     repo,
		Configs:      configs,
		History:      history.New(providers, log),
		Incremental:  incremental.New(repo, configs, log),
		Runtime:      runtimeclient.New(cfg.BuilderURL, cfg.BuilderAuthToken, cfg.BuilderTimeout, log),
		Entitlements: entitlement.New(repo, log),
		Providers:    providers,
		Credentials:  creds,
		Notifier:     notifiers,
	}, cfg, log)

	webhookSvc := webhook.New(webhook.Deps{
		Events:        repo,
		Installations: repo,
		Users:         repo,
		Identities:    repo,
		Tokens:        repo,
		Teams:         repo,
		Projects:      repo,
		Configs:       configs,
		Prebuilds:     coordinator,
		Providers:     providers,
		Checks:        checks,
	}, cfg.GitHubWebhookSecret, log)

	if r := reaper.New(repo, coordinator, log, cfg); r != nil {
		go r.Run(ctx)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, httpx.Deps{
		Auth:         auth.New(repo, repo, repo, cipher, log, cfg),
		Teams:        team.New(repo, repo, log),
		Projects:     project.New(repo, repo, log),
		Authz:        authz.New(repo),
		Prebuilds:    coordinator,
		PrebuildRepo: repo,
		Configs:      configs,
		Logs:         logSvc,
		Webhooks:     webhookSvc,
		Limiter:      limiter,
		BuilderToken: cfg.BuilderAuthToken,
		DBHealth:     pool.Ping,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "scm_hosts", cfg.SCMHosts)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
