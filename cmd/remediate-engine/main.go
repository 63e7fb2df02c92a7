package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorstack/mirador-remediate/internal/agents"
	"github.com/miradorstack/mirador-remediate/internal/api"
	"github.com/miradorstack/mirador-remediate/internal/cache"
	"github.com/miradorstack/mirador-remediate/internal/canary"
	"github.com/miradorstack/mirador-remediate/internal/config"
	"github.com/miradorstack/mirador-remediate/internal/correlator"
	"github.com/miradorstack/mirador-remediate/internal/decision"
	"github.com/miradorstack/mirador-remediate/internal/detector"
	"github.com/miradorstack/mirador-remediate/internal/infra"
	"github.com/miradorstack/mirador-remediate/internal/lifecycle"
	"github.com/miradorstack/mirador-remediate/internal/metrics"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/patterns"
	"github.com/miradorstack/mirador-remediate/internal/reasoning"
	"github.com/miradorstack/mirador-remediate/internal/router"
	"github.com/miradorstack/mirador-remediate/internal/statusapi"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

const patternsCacheKey = "patterns:latest"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-remediate", slog.String("address", cfg.Server.StatusAddress))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	var cacheCloser cache.Provider
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		dialCtx, cancelDial := context.WithTimeout(context.Background(), cfg.Cache.DialTimeout+cfg.Cache.ReadTimeout)
		provider, err := cache.NewRedisProvider(dialCtx, cache.Options{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		cancelDial()
		if err != nil {
			logger.Warn("redis cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			cacheCloser = provider
		}
	}
	if cacheCloser != nil {
		defer cacheCloser.Close()
	}

	infraClient := infra.NewClient(
		cfg.Clients.Infra.BaseURL,
		cfg.Clients.Infra.HealthPath,
		cfg.Clients.Infra.MetricsPath,
		cfg.Clients.Infra.DeployPath,
		cfg.Clients.Infra.RollbackPath,
		cfg.Clients.Infra.SimulateFailurePath,
		cfg.Clients.Infra.Timeout,
	)

	reasoner := reasoning.NewClient(reasoning.Options{
		BaseURL:           cfg.Clients.Reasoning.BaseURL,
		Model:             cfg.Clients.Reasoning.Model,
		APIKey:            cfg.Clients.Reasoning.APIKey,
		Timeout:           cfg.Clients.Reasoning.Timeout,
		ConsultsPerMinute: cfg.Clients.Reasoning.ConsultsPerMinute,
	}, nil, logger)

	runbook, err := decision.NewRunbook(cfg.Decision.RunbookPath, logger)
	if err != nil {
		logger.Error("failed to load runbook", slog.Any("error", err))
		os.Exit(1)
	}

	decisionEngine := decision.NewEngine(reasoner, runbook, cacheProvider, decision.Options{
		ConfidenceFloor:   cfg.Decision.ConfidenceFloor,
		MaxRetries:        cfg.Decision.MaxRetries,
		RetryBackoff:      cfg.Decision.RetryBackoff,
		RecommendationTTL: cfg.Cache.RecommendationTTL,
	}, nil, logger)

	anomalyDetector := detector.NewDetector(detector.Options{
		Alpha:          cfg.Detector.Alpha,
		Deviation:      cfg.Detector.Deviation,
		DeviationPer:   cfg.Detector.DeviationPer,
		MinSamples:     cfg.Detector.MinSamples,
		HardThresholds: cfg.Detector.HardThresholds,
		Staleness:      cfg.Detector.Staleness,
	}, nil, logger)

	incidents := correlator.NewCorrelator(correlator.Options{
		DedupWindow:  cfg.Correlator.DedupWindow,
		RetainClosed: cfg.Correlator.RetainClosed,
	}, nil, logger)

	registry, err := router.NewRegistry(cfg.Registry, models.Roles()...)
	if err != nil {
		logger.Error("invalid role registry", slog.Any("error", err))
		os.Exit(1)
	}
	transport := router.NewLoopbackTransport(0)
	relay := router.NewRouter(registry, transport, router.Options{
		MaxAttempts: cfg.Router.MaxAttempts,
		BackoffBase: cfg.Router.BackoffBase,
		BackoffMax:  cfg.Router.BackoffMax,
	}, nil, logger)

	executor := lifecycle.NewFleetExecutor(infraClient, logger)
	manager := lifecycle.NewManager(incidents, relay, executor, lifecycle.Options{
		MaxAssessmentTime: cfg.Lifecycle.MaxAssessmentTime,
	}, nil, logger)

	evaluator := canary.NewEvaluator(infraClient, canary.Options{
		SampleFraction:       cfg.Canary.SampleFraction,
		FailureRateThreshold: cfg.Canary.FailureRateThreshold,
		ObservationWindow:    cfg.Canary.ObservationWindow,
		PollInterval:         cfg.Canary.PollInterval,
		HardThresholds:       cfg.Detector.HardThresholds,
	}, nil, logger)

	board := statusapi.NewBoard(nil, logger)
	miner := patterns.NewMiner(logger, patterns.StoreFunc(func(ctx context.Context, mined []models.RemediationPattern) error {
		payload, err := json.Marshal(mined)
		if err != nil {
			return fmt.Errorf("encode patterns: %w", err)
		}
		return cacheProvider.Set(ctx, patternsCacheKey, payload, 0)
	}))

	monitoringAgent := agents.NewMonitoringAgent(infraClient, anomalyDetector, relay, board, agents.MonitoringOptions{
		PollInterval: cfg.Monitoring.PollInterval,
	}, nil, logger)
	canaryAgent := agents.NewCanaryAgent(evaluator, relay, board, nil, logger)
	responseAgent := agents.NewResponseAgent(
		transport.Mailbox(mustResolve(registry, models.RoleResponse, logger)),
		incidents, decisionEngine, manager, board,
		agents.ResponseOptions{DecideTimeout: cfg.Lifecycle.MaxAssessmentTime}, logger,
	)
	communicationAgent := agents.NewCommunicationAgent(
		transport.Mailbox(mustResolve(registry, models.RoleCommunication, logger)),
		board, incidents, miner, logger,
	)
	runner := agents.NewScenarioRunner(infraClient, canaryAgent, board, agents.ScenarioOptions{}, logger)

	supervisor := agents.NewSupervisor(logger,
		monitoringAgent, canaryAgent, responseAgent, communicationAgent, runner)

	statusHandlers := statusapi.NewHandlers(board, incidents, miner, runner, cacheProvider,
		manager.RemediationLatency, statusapi.HandlerConfig{
			RunLockTTL: cfg.Cache.RunLockTTL,
			StatusTTL:  cfg.Cache.StatusTTL,
		}, logger)

	statusServer, err := statusapi.NewServer(cfg.Server.StatusAddress, statusHandlers.Mux())
	if err != nil {
		logger.Error("failed to create status server", slog.Any("error", err))
		os.Exit(1)
	}

	opsServer, err := api.NewOpsServer(cfg.Server.GRPCAddress)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		if err := supervisor.Run(ctx); err != nil {
			logger.Error("agent supervisor exited", slog.Any("error", err))
			stop()
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("status server listening", slog.String("address", statusServer.Address()))
		if err := statusServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server exited", slog.Any("error", err))
			stop()
		}
	}()

	go func() {
		logger.Info("gRPC server listening", slog.String("address", opsServer.Address()))
		if serveErr := opsServer.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	opsServer.SetServing(true)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	opsServer.SetServing(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	statusServer.Shutdown(shutdownCtx)
	opsServer.Shutdown(shutdownCtx)

	<-supervisorDone
	manager.Wait()

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("mirador-remediate stopped")
}

func mustResolve(registry *router.Registry, role models.Role, logger *slog.Logger) string {
	address, ok := registry.Resolve(role)
	if !ok {
		logger.Error("role missing from registry", slog.String("role", string(role)))
		os.Exit(1)
	}
	return address
}
