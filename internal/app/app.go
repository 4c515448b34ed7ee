package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"indicator-alerts/internal/config"
	"indicator-alerts/internal/engine"
	"indicator-alerts/internal/market"
	"indicator-alerts/internal/metrics"
	"indicator-alerts/internal/push"
	"indicator-alerts/internal/scheduler"
	"indicator-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newProvider wires the upstream sources and the series cache. cache may be
// nil for ad-hoc commands that run without a database.
func (a *App) newProvider(cache market.SeriesCache) *market.Provider {
	md := a.Config.MarketData

	primary := market.NewPrimary(market.PrimaryOptions{
		BaseURL:   md.Primary.BaseURL,
		APIKey:    md.Primary.APIKey,
		Timeout:   md.Primary.RequestTimeout,
		UserAgent: md.Primary.UserAgent,
	}, a.Logger)

	var crypto market.Source
	if md.CryptoEnabled {
		crypto = market.NewCrypto(market.CryptoOptions{
			BaseURL:   md.Crypto.BaseURL,
			Timeout:   md.Crypto.RequestTimeout,
			UserAgent: md.Crypto.UserAgent,
		}, a.Logger)
	}

	return market.NewProvider(primary, crypto, cache, market.ProviderOptions{
		TTL:        md.CacheTTL,
		FetchDelay: a.Config.Evaluation.FetchDelay,
		FetchBurst: a.Config.Evaluation.FetchBurst,
	}, a.Logger)
}

func (a *App) newRedis() *redis.Client {
	if !a.Config.Redis.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
}

func (a *App) newDispatcher(store *storage.Store, shared *redis.Client, m *metrics.Metrics) (*push.Dispatcher, error) {
	if !a.Config.Push.Enabled {
		return nil, nil
	}

	cfg := a.Config.Push
	tokens, err := push.NewTokenSource(push.TokenOptions{
		TokenURL:      cfg.TokenURL,
		ClientEmail:   cfg.ClientEmail,
		PrivateKeyPEM: cfg.PrivateKeyPEM,
		PrivateKeyID:  cfg.PrivateKeyID,
		Scope:         cfg.Scope,
		TokenTTL:      cfg.TokenTTL,
		RefreshSkew:   cfg.RefreshSkew,
		Timeout:       cfg.RequestTimeout,
	}, shared, a.Logger)
	if err != nil {
		return nil, err
	}

	return push.NewDispatcher(push.Options{
		SendURL:       cfg.SendURL,
		Timeout:       cfg.RequestTimeout,
		MaxTriggerAge: cfg.MaxTriggerAge,
	}, tokens, store, m, a.Logger), nil
}

// Run executes the long-running evaluation service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn is required for the evaluation service")
	}
	defer closeStore()

	if err := store.Migrate(ctx, a.Logger); err != nil {
		return err
	}

	m := metrics.New()
	if a.Config.Metrics.Enabled {
		go m.Serve(ctx, a.Config.Metrics.Addr, a.Logger)
	}

	shared := a.newRedis()
	if shared != nil {
		defer shared.Close()
	}

	dispatcher, err := a.newDispatcher(store, shared, m)
	if err != nil {
		return err
	}
	if dispatcher == nil {
		a.Logger.Warn().Msg("push disabled; triggers will be recorded but not delivered")
	}

	provider := a.newProvider(store)

	eval := a.Config.Evaluation
	var triggerSink engine.TriggerDispatcher
	if dispatcher != nil {
		triggerSink = dispatcher
	}
	eng := engine.New(engine.Options{
		CandleLimit:        a.Config.MarketData.CandleLimit,
		MaxGroupsPerCycle:  eval.MaxGroupsPerCycle,
		RateLimitBackoff:   eval.RateLimitBackoff,
		DispatchBatchSize:  eval.DispatchBatchSize,
		DispatchBatchPause: eval.DispatchBatchPause,
		EventRetention:     eval.EventRetention,
	}, store, store, store, provider, triggerSink, m, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	a.Logger.Info().Msg("starting alert evaluation service")
	err = sched.Run(ctx, eng.RunCycle)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("alert evaluation service stopped")
	return nil
}
