package main

import (
	"context"
	"fmt"

	"github.com/angelmondragon/genforge-backend/internal/analysis"
	"github.com/angelmondragon/genforge-backend/internal/callbacks"
	"github.com/angelmondragon/genforge-backend/internal/chain"
	"github.com/angelmondragon/genforge-backend/internal/generation"
	"github.com/angelmondragon/genforge-backend/internal/jobs"
	"github.com/angelmondragon/genforge-backend/internal/poller"
	"github.com/angelmondragon/genforge-backend/internal/providers"
	"github.com/angelmondragon/genforge-backend/internal/scheduler"
	"github.com/angelmondragon/genforge-backend/pkg/config"
	"github.com/angelmondragon/genforge-backend/pkg/db"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
	"github.com/angelmondragon/genforge-backend/pkg/logger"
	"github.com/angelmondragon/genforge-backend/pkg/metrics"
	"github.com/angelmondragon/genforge-backend/pkg/outbox"
	"github.com/angelmondragon/genforge-backend/pkg/redis"
)

type orchestrator struct {
	generations *generation.Service
	callbacks   *callbacks.Service
	scheduler   *scheduler.Scheduler
	analyzer    *analysis.GeminiAnalyzer
}

func (o *orchestrator) close() {
	if o.analyzer != nil {
		_ = o.analyzer.Close()
	}
}

func buildOrchestrator(
	ctx context.Context,
	cfg *config.Config,
	logg *logger.Logger,
	dbClient *db.Client,
	redisClient *redis.Client,
	m *metrics.OrchestratorMetrics,
) (*orchestrator, error) {
	store, err := jobs.NewStore(jobs.StoreParams{
		DB:         dbClient,
		Repository: jobs.NewRepository(dbClient.DB()),
		Events:     outbox.NewService(outbox.NewRepository(dbClient.DB()), logg),
		Logger:     logg,
		Metrics:    m,
	})
	if err != nil {
		return nil, fmt.Errorf("job store: %w", err)
	}

	registry, err := providers.NewRegistryFromConfig(cfg.Providers, cfg.FeatureFlags)
	if err != nil {
		return nil, fmt.Errorf("provider registry: %w", err)
	}

	signals, err := callbacks.NewSignalStore(redisClient, cfg.Callback.SignalTTL)
	if err != nil {
		return nil, fmt.Errorf("signal store: %w", err)
	}
	callbackService, err := callbacks.NewService(callbacks.ServiceParams{
		Config: cfg.Callback,
		Store:  signals,
		Logger: logg,
	})
	if err != nil {
		return nil, fmt.Errorf("callback service: %w", err)
	}

	budgets := cfg.Orchestrator.Budgets()
	p, err := poller.New(poller.Params{
		Providers:     registry,
		Signals:       signals,
		Jobs:          store,
		Logger:        logg,
		Metrics:       m,
		Interval:      budgets.PollInterval,
		SubmitRetries: cfg.Orchestrator.SubmitRetries,
		BackoffStep:   cfg.Orchestrator.SubmitBackoffStep,
	})
	if err != nil {
		return nil, fmt.Errorf("poller: %w", err)
	}

	simple, err := poller.NewSimpleRunner(poller.SimpleParams{
		Poller:    p,
		Store:     store,
		Callbacks: callbackService,
		Budgets:   budgets,
		Logger:    logg,
		Metrics:   m,
	})
	if err != nil {
		return nil, fmt.Errorf("simple runner: %w", err)
	}

	chainProviders, err := chainProvidersFrom(cfg)
	if err != nil {
		return nil, err
	}

	out := &orchestrator{callbacks: callbackService}
	params := scheduler.Params{
		Simple:   simple,
		Leases:   redisClient,
		LeaseTTL: budgets.ChainTotal + cfg.Orchestrator.StaleGrace,
		Logger:   logg,
		Metrics:  m,
	}

	analyzer, err := analysis.NewGeminiAnalyzer(ctx, cfg.Gemini)
	if err != nil {
		logg.Warn(logg.WithField(ctx, "error", err.Error()), "content analyzer unavailable, chain mode disabled")
	} else {
		out.analyzer = analyzer
		owner, err := chain.New(chain.Params{
			Poller:             p,
			Store:              store,
			Analyzer:           analyzer,
			Callbacks:          callbackService,
			Providers:          chainProviders,
			Budgets:            budgets,
			ImageRetryLimit:    cfg.Orchestrator.ImageRetryLimit,
			FallbackOnAnalysis: cfg.Orchestrator.FallbackOnAnalysis,
			Logger:             logg,
			Metrics:            m,
		})
		if err != nil {
			out.close()
			return nil, fmt.Errorf("chain orchestrator: %w", err)
		}
		params.Chain = owner
	}

	sched, err := scheduler.New(params)
	if err != nil {
		out.close()
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	out.scheduler = sched

	service, err := generation.NewService(generation.ServiceParams{
		Store:              store,
		Scheduler:          sched,
		Providers:          registry,
		ChainImageProvider: chainProviders.Image,
		Logger:             logg,
	})
	if err != nil {
		out.close()
		return nil, fmt.Errorf("generation service: %w", err)
	}
	out.generations = service
	return out, nil
}

func chainProvidersFrom(cfg *config.Config) (chain.Providers, error) {
	if cfg.FeatureFlags.SyntheticProviders {
		return chain.Providers{
			Image:    enums.ProviderSynthetic,
			Video:    enums.ProviderSynthetic,
			Fallback: enums.ProviderSynthetic,
		}, nil
	}
	var (
		out chain.Providers
		err error
	)
	if out.Image, err = enums.ParseProvider(cfg.Providers.ChainImageProvider); err != nil {
		return out, fmt.Errorf("chain image provider: %w", err)
	}
	if out.Video, err = enums.ParseProvider(cfg.Providers.ChainVideoProvider); err != nil {
		return out, fmt.Errorf("chain video provider: %w", err)
	}
	if out.Fallback, err = enums.ParseProvider(cfg.Providers.FallbackProvider); err != nil {
		return out, fmt.Errorf("fallback provider: %w", err)
	}
	return out, nil
}
