package launcher

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	logx "maptrack/pkg/logx"
)

type fakeChild struct {
	waitErr error
	exit    chan struct{}
	sigs    chan os.Signal
	killed  atomic.Bool
}

func newFakeChild(waitErr error) *fakeChild {
	return &fakeChild{
		waitErr: waitErr,
		exit:    make(chan struct{}),
		sigs:    make(chan os.Signal, 4),
	}
}

func (c *fakeChild) Wait() error {
	<-c.exit
	return c.waitErr
}

func (c *fakeChild) Signal(sig os.Signal) error {
	c.sigs <- sig
	return nil
}

func (c *fakeChild) Kill() error {
	c.killed.Store(true)
	select {
	case <-c.exit:
	default:
		close(c.exit)
	}
	return nil
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRunSuspendsAfterRestartCap(t *testing.T) {
	t.Parallel()
	var spawns atomic.Int32
	start := func(context.Context) (Child, error) {
		spawns.Add(1)
		c := newFakeChild(errors.New("crash"))
		close(c.exit) // exits immediately
		return c, nil
	}

	l, err := New(Config{
		Start:                start,
		MaxRestartsPerWindow: 3,
		Window:               time.Hour,
		Backoff:              time.Millisecond,
		Cooldown:             time.Hour,
		Log:                  logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	waitFor(t, func() bool { return spawns.Load() == 3 }, "never reached the restart cap")

	// The launcher is now inside the cooldown sleep; no relaunch may happen.
	time.Sleep(30 * time.Millisecond)
	if got := spawns.Load(); got != 3 {
		t.Fatalf("spawns = %d during cooldown, want exactly 3", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunResumesAfterCooldown(t *testing.T) {
	t.Parallel()
	var spawns atomic.Int32
	start := func(context.Context) (Child, error) {
		spawns.Add(1)
		c := newFakeChild(errors.New("crash"))
		close(c.exit)
		return c, nil
	}

	l, err := New(Config{
		Start:                start,
		MaxRestartsPerWindow: 3,
		Window:               time.Hour,
		Backoff:              time.Millisecond,
		Cooldown:             30 * time.Millisecond,
		Log:                  logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	waitFor(t, func() bool { return spawns.Load() == 3 }, "never reached the restart cap")

	// After the cooldown the window is cleared and relaunches resume;
	// with the window cleared the next cap needs another three crashes.
	waitFor(t, func() bool { return spawns.Load() >= 5 }, "relaunches did not resume after cooldown")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunRelaunchesAfterBackoff(t *testing.T) {
	t.Parallel()
	var spawns atomic.Int32
	start := func(context.Context) (Child, error) {
		spawns.Add(1)
		c := newFakeChild(nil)
		close(c.exit)
		return c, nil
	}

	l, err := New(Config{
		Start:                start,
		MaxRestartsPerWindow: 100,
		Backoff:              time.Millisecond,
		Log:                  logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	waitFor(t, func() bool { return spawns.Load() >= 3 }, "worker was not relaunched")
}

func TestRunTerminatesChildOnCancel(t *testing.T) {
	t.Parallel()
	child := newFakeChild(nil)
	start := func(context.Context) (Child, error) { return child, nil }

	l, err := New(Config{Start: start, Grace: time.Second, Log: logx.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	// Let Run reach the wait loop, then request shutdown.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case sig := <-child.sigs:
		if sig != syscall.SIGTERM {
			t.Fatalf("signal = %v, want SIGTERM", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("child never received SIGTERM")
	}
	close(child.exit) // child obeys the signal

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if child.killed.Load() {
		t.Fatal("child was killed despite exiting within the grace period")
	}
}

func TestRunEscalatesToKillAfterGrace(t *testing.T) {
	t.Parallel()
	child := newFakeChild(nil)
	start := func(context.Context) (Child, error) { return child, nil }

	l, err := New(Config{Start: start, Grace: 20 * time.Millisecond, Log: logx.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	// The child ignores SIGTERM; the launcher must SIGKILL after Grace.

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if !child.killed.Load() {
		t.Fatal("child ignored SIGTERM but was never killed")
	}
}

func TestNewRequiresCommand(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("New accepted an empty command")
	}
}
