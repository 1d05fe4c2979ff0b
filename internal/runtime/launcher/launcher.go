// Package launcher keeps the worker process alive: it relaunches the child
// on every exit, rate-limits restarts inside a rolling window, and backs off
// for a cooldown when the cap is hit instead of crash-looping.
package launcher

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "maptrack/pkg/logx"
)

// Child is one spawned worker process.
type Child interface {
	// Wait blocks until the process exits. A non-nil error carries the
	// exit status.
	Wait() error
	// Signal delivers sig to the process.
	Signal(sig os.Signal) error
	// Kill terminates the process immediately.
	Kill() error
}

// StartFunc spawns one worker process. Injectable for tests.
type StartFunc func(ctx context.Context) (Child, error)

type Config struct {
	// Command is the worker argv. Ignored when Start is set.
	Command []string
	// Start overrides process spawning.
	Start StartFunc

	// MaxRestartsPerWindow caps restarts inside Window before the
	// launcher suspends for Cooldown.
	MaxRestartsPerWindow int
	Window               time.Duration
	Cooldown             time.Duration
	// Backoff is the pause before each ordinary relaunch.
	Backoff time.Duration
	// Grace is how long a signalled child gets to exit before SIGKILL.
	Grace time.Duration

	// SdNotify reports readiness to systemd after the first spawn.
	SdNotify bool

	Log logx.Logger

	// now overrides the clock in tests.
	now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxRestartsPerWindow <= 0 {
		c.MaxRestartsPerWindow = 10
	}
	if c.Window <= 0 {
		c.Window = time.Hour
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Hour
	}
	if c.Backoff <= 0 {
		c.Backoff = 5 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 10 * time.Second
	}
	if c.Log.IsZero() {
		c.Log = logx.Nop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

type Launcher struct {
	cfg    Config
	start  StartFunc
	window *restartWindow
	total  int // lifetime exits, never pruned
	log    logx.Logger
}

func New(cfg Config) (*Launcher, error) {
	cfg = cfg.withDefaults()
	start := cfg.Start
	if start == nil {
		if len(cfg.Command) == 0 {
			return nil, errors.New("worker command is required")
		}
		start = execStart(cfg.Command)
	}
	return &Launcher{
		cfg:    cfg,
		start:  start,
		window: newRestartWindow(cfg.Window),
		log:    cfg.Log,
	}, nil
}

// Run supervises the worker until ctx is canceled. Every child exit is
// relaunched after Backoff; once MaxRestartsPerWindow exits land inside the
// rolling Window the launcher logs a suspension, sleeps for Cooldown and
// starts over with a cleared window. Cancellation terminates a running
// child with SIGTERM, escalating to SIGKILL after Grace.
func (l *Launcher) Run(ctx context.Context) error {
	notified := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		child, err := l.start(ctx)
		if err != nil {
			// A spawn failure counts against the window the same way a
			// crash does; the environment may recover.
			l.log.Error("worker spawn failed", logx.Err(err))
			if stop := l.noteExit(ctx); stop {
				return nil
			}
			continue
		}
		l.log.Info("worker started")
		if l.cfg.SdNotify && !notified {
			if _, nerr := daemon.SdNotify(false, daemon.SdNotifyReady); nerr != nil {
				l.log.Debug("sd_notify failed", logx.Err(nerr))
			}
			notified = true
		}

		exited := make(chan error, 1)
		go func() { exited <- child.Wait() }()

		select {
		case <-ctx.Done():
			l.terminate(child, exited)
			return nil
		case werr := <-exited:
			l.logExit(werr)
		}

		if stop := l.noteExit(ctx); stop {
			return nil
		}
	}
}

// noteExit records one child exit, enforces the restart cap and sleeps the
// appropriate delay. Returns true when ctx was canceled during the sleep.
func (l *Launcher) noteExit(ctx context.Context) (stop bool) {
	now := l.cfg.now()
	l.window.record(now)
	l.total++
	n := l.window.size(now)
	if n >= l.cfg.MaxRestartsPerWindow {
		l.log.Error("restart cap reached, suspending relaunches",
			logx.Int("restarts", n),
			logx.Int("total_restarts", l.total),
			logx.Duration("window", l.cfg.Window),
			logx.Duration("cooldown", l.cfg.Cooldown))
		if !sleep(ctx, l.cfg.Cooldown) {
			return true
		}
		l.window.reset()
		return false
	}
	l.log.Warn("relaunching worker",
		logx.Int("recent_restarts", n),
		logx.Duration("backoff", l.cfg.Backoff))
	return !sleep(ctx, l.cfg.Backoff)
}

func (l *Launcher) logExit(err error) {
	if err == nil {
		l.log.Warn("worker exited cleanly")
		return
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		l.log.Error("worker crashed", logx.Int("exit_code", exitErr.ExitCode()))
		return
	}
	l.log.Error("worker exited", logx.Err(err))
}

// terminate asks the child to exit and escalates to SIGKILL after Grace.
func (l *Launcher) terminate(child Child, exited <-chan error) {
	l.log.Info("stopping worker", logx.Duration("grace", l.cfg.Grace))
	if err := child.Signal(syscall.SIGTERM); err != nil {
		_ = child.Kill()
		<-exited
		return
	}
	select {
	case <-exited:
	case <-time.After(l.cfg.Grace):
		l.log.Warn("worker ignored SIGTERM, killing")
		_ = child.Kill()
		<-exited
	}
}

// sleep waits for d or ctx, whichever first. Returns false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type execChild struct{ cmd *exec.Cmd }

func (c *execChild) Wait() error                { return c.cmd.Wait() }
func (c *execChild) Signal(sig os.Signal) error { return c.cmd.Process.Signal(sig) }
func (c *execChild) Kill() error                { return c.cmd.Process.Kill() }

func execStart(argv []string) StartFunc {
	return func(ctx context.Context) (Child, error) {
		// Plain Command, not CommandContext: shutdown is SIGTERM first,
		// SIGKILL only after the grace period.
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return &execChild{cmd: cmd}, nil
	}
}
