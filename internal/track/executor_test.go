package track

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"maptrack/internal/metrics"
	logx "maptrack/pkg/logx"
)

type fakeSession struct {
	trackFn func(ctx context.Context, query string) (*Report, error)
	closes  atomic.Int32
}

func (s *fakeSession) Track(ctx context.Context, query string) (*Report, error) {
	return s.trackFn(ctx, query)
}

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	return nil
}

type fakeBrowser struct {
	mu       sync.Mutex
	newErr   error
	trackFn  func(ctx context.Context, query string) (*Report, error)
	sessions []*fakeSession
}

func (b *fakeBrowser) NewSession(ctx context.Context) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.newErr != nil {
		return nil, b.newErr
	}
	s := &fakeSession{trackFn: b.trackFn}
	b.sessions = append(b.sessions, s)
	return s, nil
}

func (b *fakeBrowser) sessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *fakeBrowser) lastSession() *fakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) == 0 {
		return nil
	}
	return b.sessions[len(b.sessions)-1]
}

// recSink records outcome counters for assertions.
type recSink struct {
	mu       sync.Mutex
	statuses []string
	observed int
}

func (r *recSink) Inc(name string, labels metrics.Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == metrics.MetricJobsTotal {
		r.statuses = append(r.statuses, labels["status"])
	}
}

func (r *recSink) Observe(name string, _ float64, _ metrics.Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == metrics.MetricJobDuration {
		r.observed++
	}
}

func (r *recSink) Set(string, float64, metrics.Labels) {}

func TestExecuteSuccessReleasesSessionOnce(t *testing.T) {
	t.Parallel()
	b := &fakeBrowser{trackFn: func(_ context.Context, query string) (*Report, error) {
		return &Report{Container: query, Location: "Moscow"}, nil
	}}
	sink := &recSink{}
	e := NewExecutor(b, nil, sink, logx.Nop(), Config{MaxInFlight: 1})

	out := e.Execute(context.Background(), "TKRU4471976", time.Second)
	if out.Status != StatusSuccess {
		t.Fatalf("status = %s, want success (err=%v)", out.Status, out.Err)
	}
	if out.Report == nil || out.Report.Container != "TKRU4471976" {
		t.Fatalf("unexpected report: %+v", out.Report)
	}
	if got := b.lastSession().closes.Load(); got != 1 {
		t.Fatalf("session closed %d times, want exactly 1", got)
	}
	if len(sink.statuses) != 1 || sink.statuses[0] != "success" {
		t.Fatalf("sink statuses = %v, want [success]", sink.statuses)
	}
	if sink.observed != 1 {
		t.Fatalf("duration observed %d times, want 1", sink.observed)
	}
}

func TestExecuteReleasesSessionOnEveryErrorClass(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		err    error
		status Status
	}{
		{name: "not found", err: ErrNotFound, status: StatusNotFound},
		{name: "transient", err: Transient(errors.New("connection reset")), status: StatusTransient},
		{name: "fatal", err: errors.New("selector missing"), status: StatusFatal},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := &fakeBrowser{trackFn: func(context.Context, string) (*Report, error) {
				return nil, tt.err
			}}
			e := NewExecutor(b, nil, nil, logx.Nop(), Config{MaxInFlight: 1})

			out := e.Execute(context.Background(), "Q", time.Second)
			if out.Status != tt.status {
				t.Fatalf("status = %s, want %s", out.Status, tt.status)
			}
			if got := b.lastSession().closes.Load(); got != 1 {
				t.Fatalf("session closed %d times, want exactly 1", got)
			}
		})
	}
}

func TestExecuteTimeoutForcesRelease(t *testing.T) {
	t.Parallel()
	b := &fakeBrowser{trackFn: func(ctx context.Context, _ string) (*Report, error) {
		<-ctx.Done()
		return &Report{Location: "partial"}, ctx.Err()
	}}
	e := NewExecutor(b, nil, nil, logx.Nop(), Config{MaxInFlight: 1})

	out := e.Execute(context.Background(), "Q", 30*time.Millisecond)
	if out.Status != StatusTimeout {
		t.Fatalf("status = %s, want timeout", out.Status)
	}
	if out.Report != nil {
		t.Fatal("partial result surfaced after timeout")
	}
	if got := b.lastSession().closes.Load(); got < 1 {
		t.Fatalf("session closed %d times, want at least 1 (forced)", got)
	}
}

func TestExecutePanicIsFatalAndReleases(t *testing.T) {
	t.Parallel()
	b := &fakeBrowser{trackFn: func(context.Context, string) (*Report, error) {
		panic("nil dereference in parser")
	}}
	e := NewExecutor(b, nil, nil, logx.Nop(), Config{MaxInFlight: 1})

	out := e.Execute(context.Background(), "Q", time.Second)
	if out.Status != StatusFatal {
		t.Fatalf("status = %s, want fatal", out.Status)
	}
	if got := b.lastSession().closes.Load(); got != 1 {
		t.Fatalf("session closed %d times, want exactly 1", got)
	}
}

func TestExecuteBusyWhenGateFull(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{})
	b := &fakeBrowser{trackFn: func(ctx context.Context, _ string) (*Report, error) {
		close(started)
		select {
		case <-release:
			return &Report{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	e := NewExecutor(b, nil, nil, logx.Nop(), Config{MaxInFlight: 1, AcquireWait: 30 * time.Millisecond})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.Execute(context.Background(), "first", time.Second)
	}()
	<-started

	out := e.Execute(context.Background(), "second", time.Second)
	if out.Status != StatusBusy {
		t.Fatalf("status = %s, want busy", out.Status)
	}
	if got := b.sessionCount(); got != 1 {
		t.Fatalf("sessions created = %d, want 1 (gated job must not acquire)", got)
	}

	close(release)
	wg.Wait()
}

func TestExecuteSessionAcquireFailure(t *testing.T) {
	t.Parallel()
	b := &fakeBrowser{newErr: Transient(errors.New("browser pool down"))}
	e := NewExecutor(b, nil, nil, logx.Nop(), Config{MaxInFlight: 1})

	out := e.Execute(context.Background(), "Q", time.Second)
	if out.Status != StatusTransient {
		t.Fatalf("status = %s, want transient", out.Status)
	}
}
