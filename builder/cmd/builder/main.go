package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/splax/prebuildd/builder/internal/docker"
	"github.com/splax/prebuildd/builder/internal/git"
	httpx "github.com/splax/prebuildd/builder/internal/http"
	"github.com/splax/prebuildd/builder/internal/service/runner"
	"github.com/splax/prebuildd/builder/internal/workspace"
	"github.com/splax/prebuildd/pkg/config"
	"github.com/splax/prebuildd/pkg/logger"
	"github.com/splax/prebuildd/pkg/runtime/reporter"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadBuilderConfig()
	log := logger.New("builder", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}
	if info, err := dockerClient.Info(ctx); err != nil {
		log.Warn("docker version lookup failed", "error", err)
	} else {
		log.Info("docker daemon connected", "version", info.Version, "api_version", info.APIVersion, "os", info.OS, "arch", info.Arch)
	}

	workspaceManager, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("workspace init failed", "error", err, "workdir", cfg.Workdir)
		os.Exit(1)
	}

	rep, err := reporter.New(cfg.APIURL, cfg.AuthToken, &http.Client{Timeout: cfg.CallbackTimeout})
	if err != nil {
		log.Error("runtime reporter init failed", "error", err, "api_url", cfg.APIURL)
		os.Exit(1)
	}
	if cfg.AuthToken == "" {
		log.Warn("BUILDER_AUTH_TOKEN is empty; workspace endpoints are unauthenticated")
	}

	runnerSvc := runner.New(runner.Deps{
		Docker:     dockerClient,
		Workspaces: workspaceManager,
		Reporter:   rep,
		Checkout:   git.Checkout,
	}, cfg, log)
	router := httpx.New(log, runnerSvc, cfg.AuthToken)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("builder server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := runnerSvc.Shutdown(shutdownCtx); err != nil {
			log.Error("workspace shutdown incomplete", "error", err, "running", runnerSvc.Running())
		}
		log.Info("builder server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
