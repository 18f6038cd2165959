package srt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/framebridge/internal/ingest"
	"github.com/zsiec/framebridge/internal/media"
)

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "renderer1", want: "renderer1"},
		{name: "leading slash", streamID: "/renderer1", want: "renderer1"},
		{name: "live prefix", streamID: "live/renderer1", want: "renderer1"},
		{name: "slash and live prefix", streamID: "/live/renderer1", want: "renderer1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just slash returns default", streamID: "/", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/renderer1", want: "studio/renderer1"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := extractStreamKey(tc.streamID)
			if got != tc.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestReadLoopDispatchesEachMessage(t *testing.T) {
	t.Parallel()

	out := make(chan media.Chunk, 8)
	registry := ingest.NewRegistry()
	src := registry.Register("srt:test", ingest.TransportSRT)
	d := ingest.NewDispatcher(out, nil, nil)

	msgs := media.Split(3, []byte("abcdefgh"), 3)
	r := &messageReader{msgs: msgs}

	readLoop(context.Background(), r, src, d, slog.Default())

	if len(out) != len(msgs) {
		t.Fatalf("dispatched %d chunks, want %d", len(out), len(msgs))
	}
	var b strings.Builder
	for range len(msgs) {
		b.Write((<-out).Payload)
	}
	if b.String() != "abcdefgh" {
		t.Fatalf("payloads = %q", b.String())
	}
	if got := src.Stats().Datagrams; got != int64(len(msgs)) {
		t.Fatalf("Datagrams = %d, want %d", got, len(msgs))
	}
}

func TestReadLoopStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &messageReader{msgs: media.Split(1, []byte("x"), 1)}
	src := ingest.NewRegistry().Register("srt:test", ingest.TransportSRT)
	readLoop(ctx, r, src, ingest.NewDispatcher(make(chan media.Chunk, 1), nil, nil), slog.Default())

	if r.reads != 0 {
		t.Fatalf("reads = %d after cancelled context, want 0", r.reads)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{Delay: 100 * time.Millisecond, MaxDelay: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{40, time.Second},
	}
	for _, tc := range tests {
		if got := backoff(tc.attempt, cfg); got != tc.want {
			t.Errorf("backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestPullValidation(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(), ingest.NewDispatcher(make(chan media.Chunk), nil, nil), nil)
	if err := c.Pull(context.Background(), PullRequest{StreamKey: "k"}); err == nil {
		t.Fatal("expected error for missing address")
	}
	if err := c.Maintain(context.Background(), PullRequest{Address: "127.0.0.1:1"}, RetryConfig{}); err == nil {
		t.Fatal("expected error for missing stream key")
	}
	if err := c.Stop("missing"); err == nil {
		t.Fatal("expected error stopping unknown pull")
	}
}

func TestCallerRunStopsPullsOnCancel(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(), ingest.NewDispatcher(make(chan media.Chunk), nil, nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// wait for Run to bind its context
	deadline := time.Now().Add(time.Second)
	for c.baseContext() != ctx {
		if time.Now().After(deadline) {
			t.Fatal("Run never bound its context")
		}
		time.Sleep(time.Millisecond)
	}

	pullCtx, pullCancel := context.WithCancel(c.baseContext())
	req := PullRequest{Address: "127.0.0.1:1", StreamKey: "cam"}
	if err := c.track(req, pullCancel, true); err != nil {
		t.Fatalf("track: %v", err)
	}
	go func() {
		defer c.wg.Done()
		defer c.untrack(req.StreamKey)
		<-pullCtx.Done()
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if pullCtx.Err() == nil {
		t.Fatal("pull context still live after Run returned")
	}
	if n := len(c.ActivePulls()); n != 0 {
		t.Fatalf("active pulls = %d, want 0", n)
	}

	err := c.Pull(context.Background(), PullRequest{Address: "127.0.0.1:1", StreamKey: "late"})
	if !errors.Is(err, errCallerClosed) {
		t.Fatalf("Pull after shutdown = %v, want %v", err, errCallerClosed)
	}
	if err := c.Maintain(context.Background(), req, RetryConfig{}); err != nil {
		t.Fatalf("Maintain after shutdown = %v, want nil", err)
	}
}

// messageReader returns one message per Read, then io.EOF.
type messageReader struct {
	msgs  [][]byte
	reads int
}

func (r *messageReader) Read(p []byte) (int, error) {
	r.reads++
	if len(r.msgs) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.msgs[0])
	r.msgs = r.msgs[1:]
	return n, nil
}
