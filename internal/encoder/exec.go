package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ExecConfig describes how to launch the external encoder.
type ExecConfig struct {
	Path string
	// Args are passed through unchanged.
	Args []string
	Env  []string
	// StopGrace is how long Stop waits after SIGTERM before killing.
	StopGrace time.Duration
	// WriteTimeout kills the process when a single stdin write takes
	// longer. Zero disables the watchdog.
	WriteTimeout time.Duration
}

// ExecLauncher starts encoder processes with os/exec.
type ExecLauncher struct {
	log *slog.Logger
	cfg ExecConfig
}

// NewExecLauncher creates a launcher for cfg. If log is nil, slog.Default()
// is used.
func NewExecLauncher(cfg ExecConfig, log *slog.Logger) *ExecLauncher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 3 * time.Second
	}
	return &ExecLauncher{
		log: log.With("component", "encoder"),
		cfg: cfg,
	}
}

// Start launches a new encoder process. The process is not tied to ctx;
// callers end it with Stop so that it can finalize its output.
func (l *ExecLauncher) Start(ctx context.Context) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(l.cfg.Path, l.cfg.Args...)
	if len(l.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), l.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.cfg.Path, err)
	}

	p := &execProcess{
		id:           uuid.NewString(),
		cmd:          cmd,
		stdin:        stdin,
		grace:        l.cfg.StopGrace,
		writeTimeout: l.cfg.WriteTimeout,
		startedAt:    time.Now(),
		done:         make(chan struct{}),
	}
	p.log = l.log.With("process", p.id)
	p.log.Info("encoder started", "pid", cmd.Process.Pid, "path", l.cfg.Path)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		p.monitorStderr(stderr)
	}()
	go p.wait(stderrDone)

	return p, nil
}

type execProcess struct {
	id           string
	log          *slog.Logger
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	grace        time.Duration
	writeTimeout time.Duration
	startedAt    time.Time

	done chan struct{}
	err  error // set before done is closed

	// mu guards failure, tail and stopped
	mu      sync.Mutex
	failure error
	tail    string
	stopped bool

	writeMu sync.Mutex
}

func (p *execProcess) ID() string { return p.id }

func (p *execProcess) StartedAt() time.Time { return p.startedAt }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Write feeds one buffer to stdin. A write that outlives the write timeout
// kills the process, which unblocks the write with an error.
func (p *execProcess) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.isStopped() {
		return 0, ErrStopped
	}

	var watchdog *time.Timer
	if p.writeTimeout > 0 {
		watchdog = time.AfterFunc(p.writeTimeout, func() {
			p.fail(ErrWriteTimeout)
		})
	}
	n, err := p.stdin.Write(b)
	if watchdog != nil {
		watchdog.Stop()
	}
	if err != nil {
		if reason := p.reason(); reason != nil {
			return n, fmt.Errorf("%w: %w", reason, err)
		}
		return n, err
	}
	return n, nil
}

// Stop closes stdin so the encoder can flush its output, sends SIGTERM, and
// kills the process if it is still running after the grace period.
func (p *execProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	already := p.stopped
	p.stopped = true
	p.mu.Unlock()

	if !already {
		p.stdin.Close()
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.log.Debug("SIGTERM failed", "error", err)
		}
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
		p.log.Warn("encoder did not exit after SIGTERM, killing", "grace", p.grace)
	case <-ctx.Done():
	}

	p.kill()
	<-p.done
	return nil
}

func (p *execProcess) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// fail records the first failure reason and kills the process.
func (p *execProcess) fail(reason error) {
	p.mu.Lock()
	if p.failure == nil {
		p.failure = reason
	}
	p.mu.Unlock()

	p.log.Warn("killing encoder", "reason", reason)
	p.kill()
}

func (p *execProcess) reason() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failure
}

func (p *execProcess) kill() {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Debug("kill failed", "error", err)
	}
}

func (p *execProcess) wait(stderrDone <-chan struct{}) {
	// Wait closes the stderr pipe, so the monitor must finish first.
	<-stderrDone
	waitErr := p.cmd.Wait()

	p.mu.Lock()
	reason, tail, stopped := p.failure, p.tail, p.stopped
	p.mu.Unlock()

	code := p.cmd.ProcessState.ExitCode()
	switch {
	case reason != nil || (waitErr != nil && !stopped):
		if reason == nil {
			reason = waitErr
		}
		p.err = &ExitError{ID: p.id, Code: code, Reason: reason, Tail: tail}
	case !stopped:
		p.err = &ExitError{ID: p.id, Code: code, Tail: tail}
	}

	p.log.Info("encoder exited",
		"code", code,
		"uptime", time.Since(p.startedAt).Round(time.Millisecond),
		"requested", stopped,
		"error", p.err,
	)
	close(p.done)
}
