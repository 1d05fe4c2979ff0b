package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"maptrack/internal/metrics"
	"maptrack/internal/notify"
	"maptrack/internal/runtime/supervisor"
	"maptrack/internal/storage"
	"maptrack/internal/track"
	logx "maptrack/pkg/logx"
)

// ErrNotFound is returned by Cancel when no schedule exists for the key.
var ErrNotFound = errors.New("schedule not found")

// Runner executes one tracking job. Satisfied by track.Executor.
type Runner interface {
	Execute(ctx context.Context, query string, timeout time.Duration) track.Outcome
}

type Options struct {
	Store    storage.Store
	Runner   Runner
	Notifier notify.Notifier
	Sink     metrics.Sink
	Log      logx.Logger
	// Location is the timezone slots are interpreted in. Defaults to local.
	Location *time.Location
	// JobTimeout bounds each dispatched job. 0 uses the runner's default.
	JobTimeout time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Service owns the schedule registry. Triggering runs on a cron engine;
// firings dispatch jobs asynchronously so a slow check never delays other
// owners' slots. Mutations persist before they are acknowledged.
type Service struct {
	store    storage.Store
	runner   Runner
	notifier notify.Notifier
	sink     metrics.Sink
	log      logx.Logger
	loc      *time.Location
	timeout  time.Duration
	now      func() time.Time

	cron *cron.Cron
	sup  *supervisor.Supervisor

	mu      sync.Mutex
	entries map[string]*Entry
	ids     map[string]cron.EntryID
	started bool
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop()
	}
	if opts.Sink == nil {
		opts.Sink = metrics.Nop()
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:    opts.Store,
		runner:   opts.Runner,
		notifier: opts.Notifier,
		sink:     opts.Sink,
		log:      opts.Log.With(logx.String("svc", "schedule")),
		loc:      opts.Location,
		timeout:  opts.JobTimeout,
		now:      opts.Now,
		cron:     cron.New(cron.WithLocation(opts.Location)),
		entries:  map[string]*Entry{},
		ids:      map[string]cron.EntryID{},
	}, nil
}

// Load restores the persisted schedule. Records that fail to decode or
// validate are skipped with a warning; a corrupt snapshot starts empty
// rather than blocking startup.
func (s *Service) Load(ctx context.Context) error {
	records, err := s.store.Load(ctx, storage.CollectionSchedules)
	if err != nil {
		if errors.Is(err, storage.ErrCorrupt) {
			s.log.Warn("schedule snapshot corrupt, starting empty", logx.Err(err))
			records = nil
		} else {
			return fmt.Errorf("load schedules: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, raw := range records {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			s.log.Warn("skipping undecodable schedule record",
				logx.String("key", key), logx.Err(err))
			continue
		}
		if err := e.Validate(); err != nil {
			s.log.Warn("skipping invalid schedule record",
				logx.String("key", key), logx.Err(err))
			continue
		}
		entry := e
		s.entries[entry.Key()] = &entry
		if err := s.armLocked(entry.Key()); err != nil {
			s.log.Warn("skipping unschedulable record",
				logx.String("key", key), logx.Err(err))
			delete(s.entries, entry.Key())
		}
	}
	s.log.Info("schedules loaded", logx.Int("count", len(s.entries)))
	return nil
}

// Register adds or replaces the schedule for the entry's owner and query.
// The new state is persisted before the call returns.
func (s *Service) Register(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	e.Query = strings.TrimSpace(e.Query)
	key := e.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Replacing an existing entry keeps its dedup watermark so an edit
	// inside an already-fired slot does not re-fire it.
	if prev, ok := s.entries[key]; ok {
		if e.LastFired.IsZero() {
			e.LastFired = prev.LastFired
		}
		if id, ok := s.ids[key]; ok {
			s.cron.Remove(id)
			delete(s.ids, key)
		}
	}

	entry := e
	s.entries[key] = &entry
	if err := s.armLocked(key); err != nil {
		delete(s.entries, key)
		return err
	}
	if err := s.persistLocked(ctx); err != nil {
		if id, ok := s.ids[key]; ok {
			s.cron.Remove(id)
			delete(s.ids, key)
		}
		delete(s.entries, key)
		return fmt.Errorf("persist schedules: %w", err)
	}
	s.log.Info("schedule registered",
		logx.Int64("owner", e.OwnerID),
		logx.String("query", e.Query),
		logx.String("time", e.TimeOfDay))
	return nil
}

// Cancel removes the schedule for owner and query, persisting the removal
// before the call returns.
func (s *Service) Cancel(ctx context.Context, ownerID int64, query string) error {
	key := Entry{OwnerID: ownerID, Query: strings.TrimSpace(query)}.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}
	delete(s.entries, key)
	if err := s.persistLocked(ctx); err != nil {
		s.entries[key] = prev
		return fmt.Errorf("persist schedules: %w", err)
	}
	if id, ok := s.ids[key]; ok {
		s.cron.Remove(id)
		delete(s.ids, key)
	}
	s.log.Info("schedule canceled",
		logx.Int64("owner", ownerID), logx.String("query", query))
	return nil
}

// Entries returns a stable-ordered copy of the registry.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Start begins triggering. Jobs dispatched after Start run under ctx and
// are drained by Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.cron.Start()
	s.started = true
	s.log.Info("scheduler started", logx.Int("entries", len(s.entries)))
	return nil
}

// Stop halts triggering and waits for in-flight jobs up to ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	sup := s.sup
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	return sup.Stop(ctx)
}

// armLocked registers the cron trigger for key. Caller holds s.mu.
func (s *Service) armLocked(key string) error {
	e := s.entries[key]
	if e == nil || !e.Enabled {
		return nil
	}
	spec, err := cronSpec(*e)
	if err != nil {
		return err
	}
	id, err := s.cron.AddFunc(spec, func() { s.fireEntry(key, s.now()) })
	if err != nil {
		return fmt.Errorf("cron spec %q: %w", spec, err)
	}
	s.ids[key] = id
	return nil
}

// fireEntry handles one trigger for key. At-most-once per slot: a firing
// whose slot the entry already fired in is suppressed, and the dedup
// watermark is persisted before the job is dispatched so a restart cannot
// replay the slot.
func (s *Service) fireEntry(key string, now time.Time) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || !e.Enabled {
		s.mu.Unlock()
		return
	}
	slot := slotStart(*e, now.In(s.loc))
	if !e.LastFired.Before(slot) {
		s.mu.Unlock()
		s.log.Debug("duplicate firing suppressed",
			logx.String("key", key), logx.Time("slot", slot))
		s.sink.Inc(metrics.MetricScheduledChecks, metrics.Labels{"status": "suppressed"})
		return
	}
	e.LastFired = now
	snap := *e
	ctx := context.Background()
	if s.sup != nil {
		ctx = s.sup.Context()
	}
	if err := s.persistLocked(ctx); err != nil {
		// The job still runs; worst case a restart re-fires this slot.
		s.log.Warn("persist before dispatch failed",
			logx.String("key", key), logx.Err(err))
	}
	sup := s.sup
	s.mu.Unlock()

	if sup == nil {
		s.runJob(context.Background(), snap)
		return
	}
	sup.Go0("schedule.job", func(ctx context.Context) {
		s.runJob(ctx, snap)
	})
}

func (s *Service) runJob(ctx context.Context, e Entry) {
	out := s.runner.Execute(ctx, e.Query, s.timeout)
	s.sink.Inc(metrics.MetricScheduledChecks, metrics.Labels{"status": string(out.Status)})

	var text string
	switch out.Status {
	case track.StatusSuccess:
		text = formatReport(e.Query, out.Report)
	case track.StatusNotFound:
		text = fmt.Sprintf("No tracking record found for %s.", e.Query)
	case track.StatusFatal:
		text = fmt.Sprintf("Scheduled check for %s failed: %v", e.Query, out.Err)
	default:
		// Transient trouble self-heals at the next slot; stay quiet.
		s.log.Warn("scheduled check did not complete",
			logx.Int64("owner", e.OwnerID),
			logx.String("query", e.Query),
			logx.String("status", string(out.Status)),
			logx.Err(out.Err))
		return
	}
	if err := s.notifier.Send(ctx, e.OwnerID, text); err != nil {
		s.log.Warn("notification failed",
			logx.Int64("owner", e.OwnerID), logx.Err(err))
	}
}

func formatReport(query string, rep *track.Report) string {
	if rep == nil {
		return fmt.Sprintf("Tracking update for %s.", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Tracking update for %s\n", rep.Container)
	if rep.Location != "" {
		fmt.Fprintf(&b, "Location: %s", rep.Location)
		if rep.Country != "" {
			fmt.Fprintf(&b, " (%s)", rep.Country)
		}
		b.WriteByte('\n')
	}
	if rep.Action != "" {
		fmt.Fprintf(&b, "Status: %s\n", rep.Action)
	}
	if rep.Timestamp != "" {
		fmt.Fprintf(&b, "As of: %s\n", rep.Timestamp)
	}
	if rep.HasDistance {
		fmt.Fprintf(&b, "Distance to %s: %.0f km\n", rep.Destination, rep.DistanceKM)
	}
	return strings.TrimRight(b.String(), "\n")
}

// persistLocked writes the full registry snapshot. Caller holds s.mu.
func (s *Service) persistLocked(ctx context.Context) error {
	records := make(map[string]json.RawMessage, len(s.entries))
	for key, e := range s.entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		records[key] = raw
	}
	return s.store.Replace(ctx, storage.CollectionSchedules, records)
}
