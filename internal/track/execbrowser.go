package track

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	logx "maptrack/pkg/logx"
)

// Scraper exit codes understood by the adapter. Anything else is treated
// as a contract violation (fatal).
const (
	exitNotFound  = 4
	exitTransient = 3
)

// ExecBrowser is the production Browser adapter. Each session runs the
// scraping helper as a subprocess (the helper owns the headless browser and
// the DOM logic) and reads one JSON report from its stdout.
//
// Keeping the browser in a child process means a wedged or leaking browser
// can be killed outright without taking the worker down.
type ExecBrowser struct {
	command []string
	log     logx.Logger
}

func NewExecBrowser(command []string, log logx.Logger) (*ExecBrowser, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, errors.New("tracker command is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ExecBrowser{command: command, log: log}, nil
}

func (b *ExecBrowser) NewSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &execSession{command: b.command, log: b.log}, nil
}

type execSession struct {
	command []string
	log     logx.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	closed bool
}

func (s *execSession) Track(ctx context.Context, query string) (*Report, error) {
	args := append(append([]string(nil), s.command[1:]...), query)
	cmd := exec.CommandContext(ctx, s.command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("session closed")
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		// Spawn failures are environment trouble, not a bad query.
		return nil, Transient(err)
	}
	s.cmd = cmd
	s.mu.Unlock()

	err := cmd.Wait()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			switch exitErr.ExitCode() {
			case exitNotFound:
				return nil, ErrNotFound
			case exitTransient:
				return nil, Transient(fmt.Errorf("scraper transient failure: %s", firstLine(stderr.String())))
			default:
				return nil, fmt.Errorf("scraper exited %d: %s", exitErr.ExitCode(), firstLine(stderr.String()))
			}
		}
		return nil, err
	}

	var rep Report
	if uerr := json.Unmarshal(stdout.Bytes(), &rep); uerr != nil {
		return nil, fmt.Errorf("scraper output: %w", uerr)
	}
	if rep.Container == "" {
		rep.Container = query
	}
	return &rep, nil
}

// Close forcibly releases the session: a still-running scraper process is
// killed. Safe to call more than once.
func (s *execSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cmd != nil && s.cmd.Process != nil && s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Kill()
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
