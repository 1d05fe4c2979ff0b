// Package app wires the worker: config, logging, storage, geocoding,
// metrics, the tracking executor and the schedule service.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"maptrack/internal/config"
	"maptrack/internal/geo"
	"maptrack/internal/metrics"
	"maptrack/internal/notify"
	"maptrack/internal/runtime/supervisor"
	"maptrack/internal/schedule"
	"maptrack/internal/storage"
	"maptrack/internal/track"
	logx "maptrack/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log      logx.Logger
	logs     *logx.Service
	notifier notify.Notifier
	store    storage.Store
	cache    *geo.Cache
	executor *track.Executor
	sched    *schedule.Service
	msrv     *metrics.Server

	schedEnabled bool
	sweepEvery   time.Duration
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	token := strings.TrimSpace(cfg.Telegram.Token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("BOT_TOKEN"))
	}
	if token == "" {
		return nil, errors.New("telegram token is required: set telegram.token or BOT_TOKEN")
	}
	notifier, err := notify.NewTelegram(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg), notifier)
	log = log.With(logx.String("comp", "app"))

	// Storage
	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", storageCfg(cfg).BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      storageCfg(cfg).Driver,
		Path:        storageCfg(cfg).Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	// Metrics
	registry := prometheus.NewRegistry()
	var sink metrics.Sink = metrics.Nop()
	var msrv *metrics.Server
	if cfg.Metrics.Enabled {
		sink = metrics.NewPrometheus("maptrack", registry)
		msrv = metrics.NewServer(cfg.Metrics.Addr, registry, log.With(logx.String("comp", "metrics")))
	}

	// Geocoding
	ttl, err := config.ParseDurationOrDefault("geocache.ttl", cfg.Geocache.TTL, geo.DefaultTTL)
	if err != nil {
		return nil, err
	}
	sweepEvery, err := config.ParseDurationOrDefault("geocache.sweep_every", cfg.Geocache.SweepEvery, 12*time.Hour)
	if err != nil {
		return nil, err
	}
	cache := geo.NewCache(geo.CacheOptions{
		Store:    store,
		Geocoder: geo.NewNominatim(cfg.Geocache.Endpoint, 0),
		TTL:      ttl,
		Country:  cfg.Geocache.Country,
		Log:      log.With(logx.String("comp", "geocache")),
		Metrics:  sink,
	})

	// Tracking
	jobTimeout, err := config.ParseDurationOrDefault("tracker.timeout", cfg.Tracker.Timeout, 90*time.Second)
	if err != nil {
		return nil, err
	}
	acquireWait, err := config.ParseDurationField("tracker.acquire_wait", cfg.Tracker.AcquireWait)
	if err != nil {
		return nil, err
	}
	browser, err := track.NewExecBrowser(cfg.Tracker.Command, log.With(logx.String("comp", "tracker")))
	if err != nil {
		return nil, err
	}
	executor := track.NewExecutor(browser, cache, sink, log.With(logx.String("comp", "tracker")), track.Config{
		MaxInFlight: cfg.Tracker.MaxInFlight,
		AcquireWait: acquireWait,
		Timeout:     jobTimeout,
		Destination: cfg.Tracker.Destination,
	})

	// Scheduling
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	schedTimeout, err := config.ParseDurationOrDefault("scheduler.job_timeout", cfg.Scheduler.JobTimeout, jobTimeout)
	if err != nil {
		return nil, err
	}
	sched, err := schedule.New(schedule.Options{
		Store:      store,
		Runner:     executor,
		Notifier:   notifier,
		Sink:       sink,
		Log:        log,
		Location:   loc,
		JobTimeout: schedTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		notifier:     notifier,
		store:        store,
		cache:        cache,
		executor:     executor,
		sched:        sched,
		msrv:         msrv,
		schedEnabled: cfg.Scheduler.Enabled,
		sweepEvery:   sweepEvery,
	}, nil
}

// Executor exposes the tracking executor for interactive front ends.
func (a *App) Executor() *track.Executor { return a.executor }

// Schedules exposes the schedule registry.
func (a *App) Schedules() *schedule.Service { return a.sched }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	if err := a.cache.Load(a.sup.Context()); err != nil {
		return err
	}
	if err := a.sched.Load(a.sup.Context()); err != nil {
		return err
	}
	if a.schedEnabled {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	if a.msrv != nil {
		a.sup.Go("metrics.server", a.msrv.Run)
	}

	// Expired geocode entries are purged periodically; the sweep is cheap
	// and idempotent.
	a.sup.Go0("geocache.sweep", func(ctx context.Context) {
		t := time.NewTicker(a.sweepEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := a.cache.ClearExpired(ctx)
				if err != nil {
					a.log.Warn("geocache sweep failed", logx.Err(err))
					continue
				}
				if n > 0 {
					a.log.Info("geocache swept", logx.Int("evicted", n))
				}
			}
		}
	})

	// Hot reload: the watcher republishes committed configs; only logging
	// changes apply live, everything else needs a restart.
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(mapLogConfig(cfg))
				a.log.Info("logging config applied")
			}
		}
	})

	a.log.Info("worker started",
		logx.Bool("scheduler", a.schedEnabled),
		logx.Bool("metrics", a.msrv != nil))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	if err := a.sched.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return firstErr
}

func validateConfig(_ context.Context, cfg *config.Config) error {
	if len(cfg.Tracker.Command) == 0 {
		return errors.New("tracker.command is required")
	}
	if _, err := config.ParseDurationField("tracker.timeout", cfg.Tracker.Timeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("tracker.acquire_wait", cfg.Tracker.AcquireWait); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("geocache.ttl", cfg.Geocache.TTL); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("geocache.sweep_every", cfg.Geocache.SweepEvery); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if sc := cfg.Storage; sc != nil {
		switch sc.Driver {
		case "", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown %q", sc.Driver)
		}
		if _, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Notify: logx.NotifyConfig{
			Enabled:    cfg.Logging.Notify.Enabled,
			ChatID:     cfg.Logging.Notify.ChatID,
			MinLevel:   cfg.Logging.Notify.MinLevel,
			RatePerSec: cfg.Logging.Notify.RatePerSec,
		},
	}
}

func storageCfg(cfg *config.Config) config.StorageConfig {
	sc := config.StorageConfig{Driver: "file", Path: "./maptrack_store"}
	if cfg.Storage != nil {
		if cfg.Storage.Driver != "" {
			sc.Driver = cfg.Storage.Driver
		}
		if cfg.Storage.Path != "" {
			sc.Path = cfg.Storage.Path
		}
		sc.BusyTimeout = cfg.Storage.BusyTimeout
	}
	return sc
}
