// Package pipeline wires the bridge stages together: chunk receivers feed
// the assembler inbox, the assembler pushes completed frames onto the
// output queue, and the encoder supervisor drains the queue into the
// external encoder. A health monitor observes every stage.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/framebridge/internal/assembler"
	"github.com/zsiec/framebridge/internal/encoder"
	"github.com/zsiec/framebridge/internal/health"
	"github.com/zsiec/framebridge/internal/ingest"
	"github.com/zsiec/framebridge/internal/ingest/srt"
	"github.com/zsiec/framebridge/internal/ingest/udp"
	"github.com/zsiec/framebridge/internal/media"
	"github.com/zsiec/framebridge/internal/queue"
)

// Config holds the tunables of every stage.
type Config struct {
	ListenAddr    string
	UDPReadBuffer int
	SRTAddr       string
	// SRTPull, when set, keeps a caller-mode SRT connection open.
	SRTPull       *srt.PullRequest
	InboxCapacity int

	Assembler     assembler.Config
	QueueCapacity int
	QueuePolicy   queue.Policy
	Encoder       encoder.Config

	Health       health.Config
	HealthWindow time.Duration
}

// Pipeline owns all stages of one bridge instance.
type Pipeline struct {
	log *slog.Logger
	cfg Config

	stats    *health.Stats
	monitor  *health.Monitor
	metrics  *health.Metrics
	registry *ingest.Registry
	inbox    chan media.Chunk

	udp       *udp.Server
	srtServer *srt.Server
	srtCaller *srt.Caller
	assembler *assembler.Assembler
	queue     *queue.Queue
	encoder   *encoder.Supervisor
}

// New builds a Pipeline that feeds frames to processes started by launcher.
// If log is nil, slog.Default() is used.
func New(cfg Config, launcher encoder.Launcher, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if cfg.InboxCapacity < 1 {
		cfg.InboxCapacity = media.DefaultInboxSize
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = media.DefaultQueueSize
	}

	p := &Pipeline{
		log:      log.With("component", "pipeline"),
		cfg:      cfg,
		stats:    health.NewStats(cfg.HealthWindow),
		registry: ingest.NewRegistry(),
		inbox:    make(chan media.Chunk, cfg.InboxCapacity),
	}
	p.monitor = health.NewMonitor(p.stats, cfg.Health, log)
	p.metrics = health.NewMetrics(p.monitor)

	dispatch := ingest.NewDispatcher(p.inbox, p.stats, log)
	if cfg.ListenAddr != "" {
		p.udp = udp.NewServer(cfg.ListenAddr, cfg.UDPReadBuffer, p.registry, dispatch, log)
	}
	if cfg.SRTAddr != "" {
		p.srtServer = srt.NewServer(cfg.SRTAddr, p.registry, dispatch, log)
	}
	p.srtCaller = srt.NewCaller(p.registry, dispatch, log)

	p.queue = queue.New(cfg.QueueCapacity, cfg.QueuePolicy, p.stats)
	p.assembler = assembler.New(cfg.Assembler, p.queue, p.stats, log)
	p.encoder = encoder.NewSupervisor(launcher, p.queue, cfg.Encoder, p.stats, log)
	return p
}

// Monitor returns the health monitor.
func (p *Pipeline) Monitor() *health.Monitor { return p.monitor }

// Metrics returns the Prometheus collectors.
func (p *Pipeline) Metrics() *health.Metrics { return p.metrics }

// Registry returns the chunk source registry.
func (p *Pipeline) Registry() *ingest.Registry { return p.registry }

// SRTCaller returns the SRT pull manager.
func (p *Pipeline) SRTCaller() *srt.Caller { return p.srtCaller }

// Encoder returns the encoder supervisor.
func (p *Pipeline) Encoder() *encoder.Supervisor { return p.encoder }

// UDP returns the UDP receiver, or nil when no listen address is set.
func (p *Pipeline) UDP() *udp.Server { return p.udp }

// Snapshot returns the current counters and state.
func (p *Pipeline) Snapshot() health.Snapshot { return p.monitor.Snapshot() }

type stage struct {
	name   string
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Run starts every stage and blocks until ctx is cancelled or a stage
// fails. Shutdown is ordered: receivers close their sockets first, then
// the assembler stops, then the supervisor drains the queue into the
// encoder and terminates it, and finally the monitor reports Stopped.
func (p *Pipeline) Run(ctx context.Context) error {
	failed := make(chan error, 1)
	start := func(name string, fns ...func(context.Context) error) *stage {
		sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		g := &errgroup.Group{}
		for _, fn := range fns {
			g.Go(func() error {
				err := fn(sctx)
				if err != nil {
					select {
					case failed <- fmt.Errorf("%s: %w", name, err):
					default:
					}
				}
				return err
			})
		}
		return &stage{name: name, cancel: cancel, group: g}
	}

	// consumers start before producers
	monitor := start("monitor", p.monitor.Run)
	encode := start("encode", p.encoder.Run)
	assemble := start("assemble", func(ctx context.Context) error {
		return p.assembler.Run(ctx, p.inbox)
	})
	receive := start("receive", p.receivers()...)

	p.log.Info("pipeline running",
		"udp", p.cfg.ListenAddr,
		"srt", p.cfg.SRTAddr,
		"frame_timeout", p.cfg.Assembler.FrameTimeout,
		"max_incomplete", p.cfg.Assembler.MaxIncomplete,
		"queue_capacity", p.cfg.QueueCapacity,
		"queue_policy", p.cfg.QueuePolicy.String(),
		"restart_policy", p.cfg.Encoder.Policy.String(),
	)

	var err error
	select {
	case <-ctx.Done():
		p.log.Info("pipeline stopping")
	case err = <-failed:
		p.log.Error("pipeline stage failed", "error", err)
	}

	for _, s := range []*stage{receive, assemble, encode, monitor} {
		s.cancel()
		if werr := s.group.Wait(); werr != nil && err == nil {
			err = fmt.Errorf("%s: %w", s.name, werr)
		}
		p.log.Debug("stage stopped", "stage", s.name)
	}
	return err
}

func (p *Pipeline) receivers() []func(context.Context) error {
	fns := []func(context.Context) error{p.srtCaller.Run}
	if p.udp != nil {
		fns = append(fns, p.udp.Start)
	}
	if p.srtServer != nil {
		fns = append(fns, p.srtServer.Start)
	}
	if p.cfg.SRTPull != nil {
		req := *p.cfg.SRTPull
		fns = append(fns, func(ctx context.Context) error {
			return p.srtCaller.Maintain(ctx, req, srt.RetryConfig{})
		})
	}
	return fns
}
