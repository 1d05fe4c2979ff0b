package track

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"maptrack/internal/geo"
	"maptrack/internal/metrics"
	logx "maptrack/pkg/logx"
)

// Executor runs tracking jobs against the scarce automation resource.
//
// It does not retry; retry cadence belongs to the caller (the scheduler for
// recurring checks, the front end for interactive ones).
type Executor struct {
	browser Browser
	cache   *geo.Cache
	sink    metrics.Sink
	log     logx.Logger
	sem     *semaphore.Weighted
	cfg     Config
}

func NewExecutor(browser Browser, cache *geo.Cache, sink metrics.Sink, log logx.Logger, cfg Config) *Executor {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = metrics.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		browser: browser,
		cache:   cache,
		sink:    sink,
		log:     log,
		sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		cfg:     cfg,
	}
}

// Execute runs one bounded tracking job. The acquired session is released
// exactly once on every exit path: success, every classified error, timeout
// expiry, and panic. Duration and outcome are always reported to the sink.
func (e *Executor) Execute(ctx context.Context, query string, timeout time.Duration) Outcome {
	start := time.Now()
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}

	out := e.run(ctx, query, timeout)
	out.Duration = time.Since(start)

	e.sink.Observe(metrics.MetricJobDuration, out.Duration.Seconds(), nil)
	e.sink.Inc(metrics.MetricJobsTotal, metrics.Labels{"status": string(out.Status)})

	switch out.Status {
	case StatusSuccess, StatusNotFound:
		e.log.Debug("tracking job finished",
			logx.String("query", query),
			logx.String("status", string(out.Status)),
			logx.Duration("dur", out.Duration))
	case StatusFatal:
		e.log.Error("tracking job failed",
			logx.String("query", query),
			logx.Duration("dur", out.Duration),
			logx.Err(out.Err))
	default:
		e.log.Warn("tracking job did not complete",
			logx.String("query", query),
			logx.String("status", string(out.Status)),
			logx.Duration("dur", out.Duration),
			logx.Err(out.Err))
	}
	return out
}

func (e *Executor) run(ctx context.Context, query string, timeout time.Duration) (out Outcome) {
	// A bug inside one job must surface as a fatal outcome, never crash
	// the scheduler.
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("tracking job panicked",
				logx.String("query", query),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			out = Outcome{Status: StatusFatal, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	// Gate on the scarce automation resource. Firings beyond the bound
	// wait here for a free slot.
	acquireCtx := ctx
	if e.cfg.AcquireWait > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, e.cfg.AcquireWait)
		defer cancel()
	}
	if err := e.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return Outcome{Status: StatusTransient, Err: ctx.Err()}
		}
		return Outcome{Status: StatusBusy, Err: ErrBusy}
	}
	defer e.sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := e.browser.NewSession(runCtx)
	if err != nil {
		return Outcome{Status: Classify(err), Err: err}
	}
	var closeOnce sync.Once
	closeSession := func() {
		closeOnce.Do(func() {
			if cerr := sess.Close(); cerr != nil {
				e.log.Debug("session close failed", logx.Err(cerr))
			}
		})
	}
	defer closeSession()

	type result struct {
		rep *Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		rep, terr := sess.Track(runCtx, query)
		done <- result{rep: rep, err: terr}
	}()

	select {
	case <-runCtx.Done():
		// Hard cancellation: force the session closed, abandon the rest of
		// the work and discard any partial result.
		closeSession()
		if ctx.Err() != nil {
			return Outcome{Status: StatusTransient, Err: ctx.Err()}
		}
		return Outcome{Status: StatusTimeout, Err: context.DeadlineExceeded}
	case r := <-done:
		if r.err != nil {
			return Outcome{Status: Classify(r.err), Err: r.err}
		}
		e.enrich(runCtx, r.rep)
		return Outcome{Status: StatusSuccess, Report: r.rep}
	}
}

// enrich resolves the report location (and the configured destination) into
// coordinates and a distance. Geocoding failures are logged and ignored.
func (e *Executor) enrich(ctx context.Context, rep *Report) {
	if e.cache == nil || rep == nil || rep.Location == "" {
		return
	}
	coords, found, err := e.cache.Resolve(ctx, rep.Location)
	if err != nil || !found {
		if err != nil {
			e.log.Debug("geocoding failed", logx.String("location", rep.Location), logx.Err(err))
		}
		return
	}
	rep.Coords = &coords

	if e.cfg.Destination == "" {
		return
	}
	dest, found, err := e.cache.Resolve(ctx, e.cfg.Destination)
	if err != nil || !found {
		return
	}
	rep.Destination = e.cfg.Destination
	rep.DistanceKM = geo.Distance(coords, dest)
	rep.HasDistance = true
}
