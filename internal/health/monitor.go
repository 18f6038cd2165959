package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config controls the monitor's thresholds and cadence.
type Config struct {
	// Threshold is the minimum acceptable rolling success rate.
	Threshold float64
	// ReportInterval is how often a snapshot is logged.
	ReportInterval time.Duration
	// EvalInterval is how often the state machine is evaluated. Defaults
	// to the smaller of one second and ReportInterval.
	EvalInterval time.Duration
}

// Monitor drives the pipeline state machine from Stats and emits periodic
// reports.
type Monitor struct {
	log   *slog.Logger
	stats *Stats
	cfg   Config

	mu     sync.Mutex
	state  State
	since  time.Time
	reason string
}

// NewMonitor creates a Monitor in the Starting state.
func NewMonitor(stats *Stats, cfg Config, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.8
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 5 * time.Second
	}
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = min(time.Second, cfg.ReportInterval)
	}
	return &Monitor{
		log:   log.With("component", "health"),
		stats: stats,
		cfg:   cfg,
		state: Starting,
		since: stats.now(),
	}
}

// Stats returns the underlying counter aggregator.
func (m *Monitor) Stats() *Stats { return m.stats }

// State returns the current pipeline state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Evaluate applies the state machine rules against the current counters and
// returns the resulting state.
func (m *Monitor) Evaluate() State {
	rate, samples := m.stats.SuccessRate()
	running := m.stats.EncoderRunning()
	exhausted := m.stats.EncoderExhausted()

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Starting:
		switch {
		case exhausted:
			m.setLocked(Degraded, "encoder restart budget exhausted")
		case running && m.stats.FramesFed() > 0:
			m.setLocked(Streaming, "encoder running")
		}
	case Streaming:
		switch {
		case exhausted:
			m.setLocked(Degraded, "encoder restart budget exhausted")
		case samples > 0 && rate < m.cfg.Threshold:
			m.setLocked(Degraded, fmt.Sprintf("success rate %.1f%% below %.1f%%", rate*100, m.cfg.Threshold*100))
		}
	case Degraded:
		if !exhausted && running && rate >= m.cfg.Threshold {
			m.setLocked(Streaming, fmt.Sprintf("success rate recovered to %.1f%%", rate*100))
		}
	}
	return m.state
}

// Stop moves the pipeline to the terminal Stopped state.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(Stopped, "shutdown")
}

func (m *Monitor) setLocked(to State, reason string) {
	if m.state == to || m.state == Stopped {
		return
	}
	from := m.state
	m.state = to
	m.since = m.stats.now()
	m.reason = reason

	level := slog.LevelInfo
	if to == Degraded {
		level = slog.LevelWarn
	}
	m.log.Log(context.Background(), level, "pipeline state changed",
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)
}

// Snapshot returns the counters together with the current state.
func (m *Monitor) Snapshot() Snapshot {
	snap := m.stats.Snapshot()
	m.mu.Lock()
	snap.State = m.state.String()
	snap.Reason = m.reason
	m.mu.Unlock()
	return snap
}

// Report logs one structured snapshot.
func (m *Monitor) Report() {
	s := m.Snapshot()
	m.log.Info("pipeline report",
		"state", s.State,
		"successRate", fmt.Sprintf("%.1f%%", s.Rate*100),
		"windowSamples", s.Samples,
		"packets", s.PacketsReceived,
		"malformed", s.MalformedPackets,
		"inboxDropped", s.ChunksDroppedInbox,
		"staleChunks", s.ChunksDroppedStale,
		"completed", s.FramesCompleted,
		"droppedTimeout", s.FramesDroppedTimeout,
		"droppedStale", s.FramesDroppedStale,
		"droppedQueueFull", s.FramesDroppedQueueFull,
		"droppedInvalid", s.FramesDroppedInvalid,
		"droppedEncoder", s.FramesDroppedEncoder,
		"fed", s.FramesFed,
		"restarts", s.EncoderRestarts,
		"incomplete", s.IncompleteFrames,
		"queueDepth", s.QueueDepth,
		"watermark", s.Watermark,
	)
}

// Run evaluates the state machine and emits reports until ctx is
// cancelled, then transitions to Stopped and logs a final report.
func (m *Monitor) Run(ctx context.Context) error {
	eval := time.NewTicker(m.cfg.EvalInterval)
	defer eval.Stop()
	report := time.NewTicker(m.cfg.ReportInterval)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			m.Report()
			return nil
		case <-eval.C:
			m.Evaluate()
		case <-report.C:
			m.Report()
		}
	}
}
