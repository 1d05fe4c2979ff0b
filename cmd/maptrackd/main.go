// Command maptrackd supervises the maptrack worker process: it relaunches
// the worker when it exits and rate-limits restarts so a persistent crash
// cannot loop forever.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"maptrack/internal/runtime/launcher"
	logx "maptrack/pkg/logx"
)

func main() {
	var (
		maxRestarts int
		window      time.Duration
		cooldown    time.Duration
		backoff     time.Duration
		grace       time.Duration
		sdNotify    bool
		level       string
	)
	flag.IntVar(&maxRestarts, "max-restarts", 10, "restarts allowed inside the rolling window")
	flag.DurationVar(&window, "window", time.Hour, "rolling restart window")
	flag.DurationVar(&cooldown, "cooldown", time.Hour, "pause after the restart cap is hit")
	flag.DurationVar(&backoff, "backoff", 5*time.Second, "pause before each relaunch")
	flag.DurationVar(&grace, "grace", 10*time.Second, "SIGTERM grace before SIGKILL on shutdown")
	flag.BoolVar(&sdNotify, "sd-notify", false, "report readiness to systemd")
	flag.StringVar(&level, "log-level", "INFO", "log level")
	flag.Parse()

	command := flag.Args()
	if len(command) == 0 {
		fmt.Fprintln(os.Stderr, "usage: maptrackd [flags] -- <worker command> [args...]")
		os.Exit(2)
	}

	log := logx.NewConsole(level).With(logx.String("comp", "launcher"))

	l, err := launcher.New(launcher.Config{
		Command:              command,
		MaxRestartsPerWindow: maxRestarts,
		Window:               window,
		Cooldown:             cooldown,
		Backoff:              backoff,
		Grace:                grace,
		SdNotify:             sdNotify,
		Log:                  log,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := l.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
