// Package bootstrap wires configuration, storage, and services into runnable
// processes.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/overlayfx/renderfarm/config"
	"github.com/overlayfx/renderfarm/internal/adapters/nexrender"
	"github.com/overlayfx/renderfarm/internal/adapters/reaper"
	"github.com/overlayfx/renderfarm/internal/adapters/worker"
	"github.com/overlayfx/renderfarm/internal/core"
	"github.com/overlayfx/renderfarm/internal/data"
	"github.com/overlayfx/renderfarm/internal/domain/render"
	httpx "github.com/overlayfx/renderfarm/internal/http"
	"github.com/overlayfx/renderfarm/internal/observability/notify/pagerduty"
	"github.com/overlayfx/renderfarm/internal/observability/notify/slack"
	"github.com/overlayfx/renderfarm/internal/observability/statsd"
	"github.com/overlayfx/renderfarm/internal/service"
	"github.com/overlayfx/renderfarm/internal/service/failurenotifier"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs          *service.JobService
	Callbacks     *service.CallbackService
	RenderCache   *core.RenderCacheService
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// Sink returns the metrics sink as an interface, nil when no sink is wired.
func (o ObservabilityContainer) Sink() statsd.Sink {
	if o.MetricsSink == nil {
		return nil
	}
	return o.MetricsSink
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "renderfarm",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	failureNotifier := buildFailureNotifier(obsLogger, cfg.Notifications)

	return ObservabilityContainer{
		MetricsSink:     metricsSink,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: failureNotifier,
		NotifierConfig:  cfg.Notifications,
	}
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{
			Logger: baseLogger.With("component", "failure_notifier"),
		})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.Slack.JobURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "slack",
				Sink: client,
			})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "pagerduty",
				Sink: client,
			})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger: baseLogger.With("component", "failure_notifier"),
		Sinks:  sinks,
	})
}

// newRenderCacheService wires the artifact cache when redis and the cache
// config allow it. A nil return disables caching without affecting renders.
func newRenderCacheService(
	redisClient redis.UniversalClient,
	cfg config.CacheConfig,
	logger *slog.Logger,
) *core.RenderCacheService {
	if redisClient == nil || !cfg.Enabled {
		return nil
	}
	cacheCfg := core.DefaultRenderCacheConfig()
	if cfg.ArtifactTTL > 0 {
		cacheCfg.TTL = cfg.ArtifactTTL
	}
	return core.NewRenderCacheService(core.RenderCacheServiceOptions{
		Cache:     data.NewRedisCacheRepo(redisClient),
		Artifacts: data.NewFSArtifactStore(),
		Config:    cacheCfg,
		Logger:    logger,
	})
}

// NewServices wires repositories and business services from shared resources.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil {
		return ServiceContainer{}, errors.New("service deps are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	appCfg := deps.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	observability := buildObservability(logger, appCfg.Observability)

	callbacks, err := service.NewCallbackService(service.CallbackServiceOptions{
		Config: appCfg.Callback,
		Logger: logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("wire callback service: %w", err)
	}

	jobs := service.MustNewJobService(service.JobServiceOptions{
		Repo:            data.NewJobRepo(deps.DB, data.RepoConfig{Logger: logger}),
		DefaultLease:    appCfg.Worker.JobLease,
		Logger:          logger,
		FailureNotifier: observability.FailureNotifier,
		Callbacks:       callbacks,
	})

	renderCache := newRenderCacheService(deps.RedisClient, appCfg.Cache, logger)

	return ServiceContainer{
		Jobs:          jobs,
		Callbacks:     callbacks,
		RenderCache:   renderCache,
		Observability: observability,
	}, nil
}

// buildWorkerRunner wires the render pipeline behind the worker loops: the
// nexrender client, the job description builder, artifact handling, and the
// per-job processor.
func buildWorkerRunner(cfg *config.AppConfig, services ServiceContainer, logger *slog.Logger) (*worker.Runner, error) {
	renderer, err := nexrender.NewClient(nexrender.Config{
		BaseURL: cfg.Nexrender.URL,
		Secret:  cfg.Nexrender.Secret,
		Timeout: cfg.Nexrender.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("wire nexrender client: %w", err)
	}

	mappings, err := render.ParsePathMappings(cfg.Render.PathMappings)
	if err != nil {
		return nil, fmt.Errorf("parse render path mappings: %w", err)
	}

	builder, err := render.NewBuilder(render.BuilderOptions{
		Paths:             render.NewPathMapper(mappings),
		TemplateDir:       cfg.Render.TemplateDir,
		OutputDir:         cfg.Render.OutputDir,
		AlphaOutputModule: cfg.Render.AlphaOutputModule,
	})
	if err != nil {
		return nil, fmt.Errorf("wire render builder: %w", err)
	}

	processor, err := service.NewProcessor(service.ProcessorOptions{
		Jobs:      services.Jobs,
		Renderer:  renderer,
		Artifacts: data.NewFSArtifactStore(),
		Builder:   builder,
		Layers:    render.NewLayerMapLoader(cfg.Render.LayerMapDir),
		Cache:     services.RenderCache,
		Logger:    logger,
		Config: service.ProcessorConfig{
			Lease:            cfg.Worker.JobLease,
			PollInterval:     cfg.Nexrender.PollInterval,
			RenderTimeout:    cfg.Nexrender.RenderTimeout,
			ArtifactMinBytes: cfg.Render.ArtifactMinBytes,
			FinalDir:         cfg.Render.FinalDir,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("wire processor: %w", err)
	}

	return worker.NewRunner(worker.RunnerOptions{
		Jobs:      services.Jobs,
		Processor: processor,
		Config:    cfg.Worker,
		Logger:    logger,
		Metrics:   services.Observability.Sink(),
	})
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	workerRunner    *worker.Runner
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the health/stats HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHealth] {
		return nil
	}

	var workers httpx.WorkerStateSource
	if deps.workerRunner != nil {
		workers = deps.workerRunner
	}

	return StartHTTPServer(&HTTPServerConfig{
		Config:    deps.cfg.Config,
		Jobs:      deps.cfg.Services.Jobs,
		Workers:   workers,
		StartedAt: time.Now(),
		Logger:    deps.logger,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name,
					"error", errMsg,
				)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)

	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "worker",
		start: func(ctx context.Context) error {
			if deps == nil || deps.workerRunner == nil {
				return nil
			}
			return deps.workerRunner.Run(ctx)
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var reaperCfg config.ReaperConfig
			if deps.cfg.Config != nil {
				reaperCfg = deps.cfg.Config.Reaper
			}
			runner, err := reaper.NewRunner(reaper.RunnerOptions{
				DB:      deps.cfg.DB,
				Config:  reaperCfg,
				Logger:  deps.logger,
				Metrics: deps.cfg.Services.Observability.Sink(),
			})
			if err != nil {
				return err
			}
			return runner.Run(ctx)
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	ctx := context.Background()
	serviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	// The worker runner is wired up front so a broken render pipeline fails
	// startup, and so the health endpoint can report loop states.
	var workerRunner *worker.Runner
	if enabledServices[config.ServiceModeWorker] {
		workerRunner, err = buildWorkerRunner(cfg.Config, cfg.Services, logger)
		if err != nil {
			return fmt.Errorf("wire worker runner: %w", err)
		}
	}

	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	// Start all enabled services
	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		workerRunner:    workerRunner,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  result.HTTPServer,
		jobService:  cfg.Services.Jobs,
		logger:      logger,
		backgrounds: result.Background,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	modes := []config.ServiceMode{
		config.ServiceModeWorker,
		config.ServiceModeReaper,
		config.ServiceModeHealth,
	}

	count := 0
	for _, mode := range modes {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	size := errorChannelCapacity(enabled) + 1
	if size < 1 {
		return 1
	}
	return size
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel      context.CancelFunc
	errCh       <-chan error
	httpServer  *http.Server
	jobService  *service.JobService
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop attempts to gracefully stop all services.
func gracefulStop(cfg shutdownConfig) error {
	// Gracefully stop HTTP server if running
	if cfg.httpServer != nil {
		// The shutdown context is detached from the cancelled service context
		// so in-flight responses get the full drain window.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
		defer cancel()

		if err := ShutdownHTTPServer(ShutdownConfig{
			Context:    shutdownCtx,
			Server:     cfg.httpServer,
			JobService: cfg.jobService,
			Logger:     cfg.logger,
		}); err != nil {
			return err
		}
	}

	// Wait for background services to finish
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	return nil
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
