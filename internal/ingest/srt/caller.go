package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/framebridge/internal/ingest"
)

const dialTimeout = 10 * time.Second

var errCallerClosed = errors.New("srt caller is shut down")

// PullRequest describes a remote SRT listener to pull chunk datagrams from.
type PullRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

func (r PullRequest) validate() error {
	if r.Address == "" {
		return fmt.Errorf("address is required")
	}
	if r.StreamKey == "" {
		return fmt.Errorf("streamKey is required")
	}
	return nil
}

// RetryConfig bounds the redial delay used by Maintain.
type RetryConfig struct {
	Delay    time.Duration
	MaxDelay time.Duration
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller manages SRT pull connections, dialing remote producers and
// feeding their messages to the dispatcher. Pulls started with Pull live
// under the context passed to Run, not the caller's.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry
	dispatch *ingest.Dispatcher

	mu     sync.Mutex
	base   context.Context
	closed bool
	pulls  map[string]*activePull
	wg     sync.WaitGroup
}

// NewCaller creates a Caller. If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, dispatch *ingest.Dispatcher, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		dispatch: dispatch,
		base:     context.Background(),
		pulls:    make(map[string]*activePull),
	}
}

// Run binds background pulls to ctx. When ctx is cancelled it stops every
// pull, refuses new ones, and waits for background pulls to finish.
func (c *Caller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.base = ctx
	c.mu.Unlock()

	<-ctx.Done()

	c.mu.Lock()
	c.closed = true
	for _, ap := range c.pulls {
		ap.cancel()
	}
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

// Pull dials the remote SRT listener synchronously (with a timeout),
// returning an error if the connection fails. ctx bounds only the dial. On
// success, streaming continues in a background goroutine until Stop is
// called or the context given to Run is cancelled.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	if err := c.admit(req.StreamKey); err != nil {
		return err
	}

	conn, err := c.dial(ctx, req)
	if err != nil {
		return err
	}

	pullCtx, cancel := context.WithCancel(c.baseContext())
	if err := c.track(req, cancel, true); err != nil {
		cancel()
		conn.Close()
		return err
	}

	go func() {
		defer c.wg.Done()
		defer c.untrack(req.StreamKey)
		c.stream(pullCtx, req, conn)
	}()
	return nil
}

// Maintain keeps a pull connection open until ctx is cancelled, redialing
// with capped exponential backoff whenever the dial fails or the producer
// disconnects. It returns nil on cancellation.
func (c *Caller) Maintain(ctx context.Context, req PullRequest, retry RetryConfig) error {
	if err := req.validate(); err != nil {
		return err
	}
	if retry.Delay <= 0 {
		retry.Delay = 500 * time.Millisecond
	}
	if retry.MaxDelay < retry.Delay {
		retry.MaxDelay = 10 * time.Second
	}

	pullCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := c.track(req, cancel, false); err != nil {
		if errors.Is(err, errCallerClosed) {
			return nil
		}
		return err
	}
	defer c.untrack(req.StreamKey)

	attempt := 0
	for {
		conn, err := c.dial(pullCtx, req)
		if err == nil {
			attempt = 0
			c.stream(pullCtx, req, conn)
		} else {
			c.log.Warn("dial failed", "address", req.Address, "stream_key", req.StreamKey, "error", err)
		}
		if pullCtx.Err() != nil {
			return nil
		}

		attempt++
		delay := backoff(attempt, retry)
		c.log.Info("redialing", "address", req.Address, "attempt", attempt, "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-pullCtx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func backoff(attempt int, cfg RetryConfig) time.Duration {
	if attempt > 16 {
		return cfg.MaxDelay
	}
	return min(cfg.Delay*time.Duration(1<<uint(attempt-1)), cfg.MaxDelay)
}

func (c *Caller) dial(ctx context.Context, req PullRequest) (*srtgo.Conn, error) {
	c.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	streamID := req.StreamID
	if streamID == "" {
		streamID = "live/" + req.StreamKey
	}
	cfg.StreamID = streamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return res.conn, nil
	case <-timer.C:
		// Drain the dial result in the background and close any leaked connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// stream reads from conn until it fails or ctx is cancelled.
func (c *Caller) stream(ctx context.Context, req PullRequest, conn *srtgo.Conn) {
	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	key := string(ingest.TransportSRTPull) + ":" + req.StreamKey
	src := c.registry.Register(key, ingest.TransportSRTPull)
	src.SetRemoteAddr(req.Address)

	readLoop(ctx, conn, src, c.dispatch, c.log)

	stats, _ := c.registry.Unregister(key)
	c.log.Info("pull ended", "stream_key", req.StreamKey,
		"datagrams", stats.Datagrams, "bytes", stats.Bytes,
		"uptime_ms", stats.UptimeMs)
}

func (c *Caller) baseContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base
}

func (c *Caller) admit(streamKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errCallerClosed
	}
	if _, exists := c.pulls[streamKey]; exists {
		return fmt.Errorf("pull already active for stream key %q", streamKey)
	}
	return nil
}

// track registers a pull. background pulls are counted in c.wg and the
// caller must call c.wg.Done when the pull ends.
func (c *Caller) track(req PullRequest, cancel context.CancelFunc, background bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errCallerClosed
	}
	if _, exists := c.pulls[req.StreamKey]; exists {
		return fmt.Errorf("pull already active for stream key %q", req.StreamKey)
	}
	c.pulls[req.StreamKey] = &activePull{req: req, cancel: cancel}
	if background {
		c.wg.Add(1)
	}
	return nil
}

func (c *Caller) untrack(streamKey string) {
	c.mu.Lock()
	delete(c.pulls, streamKey)
	c.mu.Unlock()
}

// Stop cancels the pull for streamKey.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	ap, ok := c.pulls[streamKey]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active pull for stream key %q", streamKey)
	}

	ap.cancel()
	return nil
}

// ActivePulls lists the pulls currently tracked.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	return out
}
