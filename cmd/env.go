package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transam/sogr/internal/cache"
	"github.com/transam/sogr/internal/calculator"
	"github.com/transam/sogr/internal/fiscal"
	"github.com/transam/sogr/internal/jobs"
	"github.com/transam/sogr/internal/monitoring"
	"github.com/transam/sogr/internal/policy"
	"github.com/transam/sogr/internal/resilience"
	"github.com/transam/sogr/internal/sogr"
	"github.com/transam/sogr/internal/store"
)

// appEnv holds the store, cache, engine and dispatcher shared by the
// commands.
type appEnv struct {
	Store      store.Store
	Cache      cache.Cache
	CacheTTL   time.Duration
	Registry   *calculator.Registry
	Resolver   *policy.Resolver
	Calendar   fiscal.Calendar
	Alerter    *monitoring.Alerter
	Engine     *sogr.Engine
	Dispatcher jobs.Dispatcher

	closers []func() error
}

// Close drains the dispatcher, then releases the cache and store.
func (env *appEnv) Close() {
	if env.Dispatcher != nil {
		if err := env.Dispatcher.Close(); err != nil {
			zap.L().Warn("close dispatcher", zap.Error(err))
		}
	}
	for i := len(env.closers) - 1; i >= 0; i-- {
		if err := env.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
}

// initEnv validates the config for mode and builds the environment. The
// dispatcher is started only when dispatch is set. Callers should defer
// env.Close().
func initEnv(ctx context.Context, mode string, dispatch bool) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, closers: []func() error{st.Close}}

	env.Cache, err = initCache(ctx, env)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.CacheTTL = time.Duration(cfg.Cache.TTLSecs) * time.Second

	env.Registry = calculator.NewRegistry()
	env.Resolver = policy.NewResolver(st, env.Cache, env.CacheTTL)
	env.Calendar = fiscal.New(cfg.Fiscal.StartMonth, cfg.Fiscal.PlanningYear)
	env.Alerter = monitoring.NewAlerter(cfg.Monitoring)
	env.closers = append(env.closers, env.Alerter.Close)
	env.Engine = sogr.New(st, env.Resolver, env.Registry, env.Calendar,
		sogr.WithCache(env.Cache),
		sogr.WithSink(env.Alerter),
	)
	zap.L().Debug("engine ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("cache", cfg.Cache.Driver),
		zap.Int("planning_year", env.Engine.PlanningYear()),
	)

	if dispatch {
		env.Dispatcher, err = initDispatcher(env)
		if err != nil {
			env.Close()
			return nil, err
		}
	}
	return env, nil
}

func initCache(ctx context.Context, env *appEnv) (cache.Cache, error) {
	switch cfg.Cache.Driver {
	case "", "none":
		return cache.Nop{}, nil
	case "memory":
		return cache.NewMemoryLimit(cfg.Cache.MaxEntries), nil
	case "redis":
		r, err := cache.NewRedis(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisDB, "sogr")
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, r.Close)
		return r, nil
	default:
		return nil, eris.Errorf("unsupported cache driver: %s", cfg.Cache.Driver)
	}
}

func initDispatcher(env *appEnv) (jobs.Dispatcher, error) {
	retry := resilience.FromRetryConfig(cfg.Retry)
	switch cfg.Recalc.Mode {
	case "inline":
		return jobs.NewInline(env.Engine), nil
	case "local":
		return jobs.NewLocal(env.Engine, env.Store, jobs.LocalOptions{
			Workers:    cfg.Recalc.Workers,
			QueueSize:  cfg.Recalc.QueueSize,
			RatePerSec: cfg.Recalc.RatePerSec,
			Retry:      retry,
		}), nil
	case "temporal":
		c, err := jobs.Dial(cfg.Temporal)
		if err != nil {
			return nil, err
		}
		return jobs.NewTemporal(c, cfg.Temporal.TaskQueue, retry), nil
	default:
		return nil, eris.Errorf("unsupported recalc mode: %s", cfg.Recalc.Mode)
	}
}
