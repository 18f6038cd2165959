package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/framebridge/internal/media"
)

// RestartPolicy decides what happens to frames when the encoder fails
// mid-stream.
type RestartPolicy int

const (
	// RestartDrop discards the frame being written when the encoder failed.
	// Frames still queued are fed to the new process.
	RestartDrop RestartPolicy = iota
	// RestartReplay writes the failed frame once more to the new process.
	RestartReplay
	// RestartFlush discards the failed frame and everything queued, so the
	// new process starts from the next frame to arrive.
	RestartFlush
)

func (p RestartPolicy) String() string {
	switch p {
	case RestartDrop:
		return "drop"
	case RestartReplay:
		return "replay"
	case RestartFlush:
		return "flush"
	default:
		return fmt.Sprintf("RestartPolicy(%d)", int(p))
	}
}

// ParseRestartPolicy parses a policy name as accepted by configuration.
func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch s {
	case "", "drop":
		return RestartDrop, nil
	case "replay":
		return RestartReplay, nil
	case "flush":
		return RestartFlush, nil
	}
	return 0, fmt.Errorf("unknown restart policy %q", s)
}

// FrameSource is the supervisor's view of the output queue.
type FrameSource interface {
	Pop() (media.Frame, bool)
	Ready() <-chan struct{}
	Drain() []media.Frame
}

// Recorder receives encoder-stage counters.
type Recorder interface {
	RecordFed(n int)
	RecordEncoderDrop(n int)
	RecordRestart()
	SetEncoderRunning(running bool)
	SetEncoderExhausted(exhausted bool)
}

// Config holds the supervisor tunables.
type Config struct {
	// MaxRestarts relaunches are allowed per RestartWindow.
	MaxRestarts   int
	RestartWindow time.Duration
	// Backoff is the delay before the first relaunch. It doubles on each
	// consecutive failure up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	Policy     RestartPolicy
	// DrainTimeout bounds how long shutdown keeps feeding queued frames.
	DrainTimeout time.Duration
	// StopTimeout bounds the final Stop of the encoder on shutdown.
	StopTimeout time.Duration
}

// Status describes the current encoder process.
type Status struct {
	ProcessID string    `json:"processId,omitempty"`
	StartedAt time.Time `json:"startedAt,omitzero"`
	Running   bool      `json:"running"`
	Restarts  int       `json:"restarts"`
	Exhausted bool      `json:"exhausted"`
	Policy    string    `json:"restartPolicy"`
	LastExit  string    `json:"lastExit,omitempty"`
}

// Supervisor owns the encoder process lifecycle: it feeds queued frames in
// FIFO order, detects failures, and relaunches within the restart budget.
// When the budget is exhausted it reports the encoder as exhausted and
// discards frames for one restart window before trying again.
type Supervisor struct {
	log      *slog.Logger
	launcher Launcher
	src      FrameSource
	rec      Recorder
	cfg      Config

	mu     sync.Mutex
	status Status
}

// NewSupervisor creates a Supervisor. rec may be nil.
func NewSupervisor(launcher Launcher, src FrameSource, cfg Config, rec Recorder, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if cfg.MaxRestarts < 1 {
		cfg.MaxRestarts = 5
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = time.Minute
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Supervisor{
		log:      log.With("component", "supervisor"),
		launcher: launcher,
		src:      src,
		rec:      rec,
		cfg:      cfg,
		status:   Status{Policy: cfg.Policy.String()},
	}
}

// Status returns a snapshot of the encoder state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run feeds frames to the encoder until ctx is cancelled. On cancellation
// it feeds what is still queued for up to DrainTimeout, then stops the
// encoder. It returns nil on cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(s.cfg.RestartWindow/time.Duration(s.cfg.MaxRestarts)), s.cfg.MaxRestarts)
	backoff := s.cfg.Backoff

	proc, err := s.launcher.Start(ctx)
	if err != nil {
		s.log.Error("initial encoder launch failed", "error", err)
		proc = nil
	} else {
		s.started(proc)
	}

	var replay *media.Frame
	for {
		if ctx.Err() != nil {
			s.shutdown(proc, replay)
			return nil
		}

		if proc == nil {
			proc = s.relaunch(ctx, limiter, &backoff)
			continue
		}

		select {
		case <-proc.Done():
			s.exited(proc)
			proc = nil
			continue
		default:
		}

		var f media.Frame
		var ok bool
		replaying := replay != nil
		if replaying {
			f, ok = *replay, true
			replay = nil
		} else {
			f, ok = s.src.Pop()
		}
		if !ok {
			select {
			case <-ctx.Done():
			case <-proc.Done():
			case <-s.src.Ready():
			}
			continue
		}

		if _, err := proc.Write(f.Data); err != nil {
			s.log.Warn("encoder write failed", "frame", f.ID, "error", err)
			if replaying {
				// a frame is replayed at most once
				s.rec.RecordEncoderDrop(1)
			} else {
				replay = s.applyPolicy(f)
			}
			s.terminate(proc)
			proc = nil
			continue
		}
		s.rec.RecordFed(len(f.Data))
		backoff = s.cfg.Backoff
	}
}

// applyPolicy accounts for the frame whose write failed and returns the
// frame to replay, if any.
func (s *Supervisor) applyPolicy(f media.Frame) *media.Frame {
	switch s.cfg.Policy {
	case RestartReplay:
		return &f
	case RestartFlush:
		flushed := s.src.Drain()
		s.rec.RecordEncoderDrop(1 + len(flushed))
	default:
		s.rec.RecordEncoderDrop(1)
	}
	return nil
}

// relaunch starts a new process once the restart budget and backoff allow.
// It returns nil if ctx is cancelled or the launch failed; the caller loops.
func (s *Supervisor) relaunch(ctx context.Context, limiter *rate.Limiter, backoff *time.Duration) Process {
	if !limiter.Allow() {
		s.exhausted(ctx)
		return nil
	}

	if !sleep(ctx, *backoff) {
		return nil
	}
	*backoff = min(*backoff*2, s.cfg.MaxBackoff)

	s.rec.RecordRestart()
	s.mu.Lock()
	s.status.Restarts++
	restarts := s.status.Restarts
	s.mu.Unlock()

	proc, err := s.launcher.Start(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("encoder relaunch failed", "restarts", restarts, "error", err)
		}
		return nil
	}
	s.log.Info("encoder relaunched", "process", proc.ID(), "restarts", restarts)
	s.started(proc)
	return proc
}

// exhausted discards frames for one restart window. The receive and
// assembly path keeps running throughout.
func (s *Supervisor) exhausted(ctx context.Context) {
	s.log.Error("encoder unavailable, discarding frames",
		"error", ErrRestartBudget,
		"max_restarts", s.cfg.MaxRestarts,
		"window", s.cfg.RestartWindow,
	)
	s.setExhausted(true)
	defer s.setExhausted(false)

	if n := len(s.src.Drain()); n > 0 {
		s.rec.RecordEncoderDrop(n)
	}

	timer := time.NewTimer(s.cfg.RestartWindow)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-s.src.Ready():
			if n := len(s.src.Drain()); n > 0 {
				s.rec.RecordEncoderDrop(n)
			}
		}
	}
}

func (s *Supervisor) setExhausted(v bool) {
	s.rec.SetEncoderExhausted(v)
	s.mu.Lock()
	s.status.Exhausted = v
	s.mu.Unlock()
}

func (s *Supervisor) started(proc Process) {
	s.rec.SetEncoderRunning(true)
	s.mu.Lock()
	s.status.ProcessID = proc.ID()
	s.status.StartedAt = proc.StartedAt()
	s.status.Running = true
	s.mu.Unlock()
}

func (s *Supervisor) exited(proc Process) {
	err := proc.Err()
	s.log.Warn("encoder exited unexpectedly", "process", proc.ID(), "error", err)

	s.rec.SetEncoderRunning(false)
	s.mu.Lock()
	s.status.Running = false
	if err != nil {
		s.status.LastExit = err.Error()
	} else {
		s.status.LastExit = "exited"
	}
	s.mu.Unlock()
}

// terminate kills what is left of a failed process.
func (s *Supervisor) terminate(proc Process) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	if err := proc.Stop(ctx); err != nil {
		s.log.Debug("stop after failure", "process", proc.ID(), "error", err)
	}
	s.exited(proc)
}

func (s *Supervisor) shutdown(proc Process, replay *media.Frame) {
	pending := s.src.Drain()
	if replay != nil {
		pending = append([]media.Frame{*replay}, pending...)
	}
	if proc == nil {
		if len(pending) > 0 {
			s.rec.RecordEncoderDrop(len(pending))
		}
		s.log.Info("supervisor stopped", "dropped", len(pending))
		return
	}

	deadline := time.Now().Add(s.cfg.DrainTimeout)
	fed := 0
	for _, f := range pending {
		if time.Now().After(deadline) {
			break
		}
		if _, err := proc.Write(f.Data); err != nil {
			if !errors.Is(err, ErrStopped) {
				s.log.Debug("drain write failed", "frame", f.ID, "error", err)
			}
			break
		}
		s.rec.RecordFed(len(f.Data))
		fed++
	}
	if dropped := len(pending) - fed; dropped > 0 {
		s.rec.RecordEncoderDrop(dropped)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	if err := proc.Stop(ctx); err != nil {
		s.log.Warn("encoder stop", "error", err)
	}

	s.rec.SetEncoderRunning(false)
	s.mu.Lock()
	s.status.Running = false
	s.mu.Unlock()
	s.log.Info("supervisor stopped", "drained", fed, "dropped", len(pending)-fed)
}

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

type nopRecorder struct{}

func (nopRecorder) RecordFed(int) {}
func (nopRecorder) RecordEncoderDrop(int) {}
func (nopRecorder) RecordRestart() {}
func (nopRecorder) SetEncoderRunning(bool) {}
func (nopRecorder) SetEncoderExhausted(bool) {}
