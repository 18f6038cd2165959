package encoder

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/framebridge/internal/media"
	"github.com/zsiec/framebridge/internal/queue"
)

type fakeProcess struct {
	id      string
	started time.Time

	mu        sync.Mutex
	written   []string
	failAfter int
	stopped   bool

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func newFakeProcess(id string) *fakeProcess {
	return &fakeProcess{id: id, started: time.Now(), failAfter: -1, done: make(chan struct{})}
}

func (p *fakeProcess) ID() string { return p.id }
func (p *fakeProcess) StartedAt() time.Time { return p.started }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, io.ErrClosedPipe
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAfter >= 0 && len(p.written) >= p.failAfter {
		return 0, syscall.EPIPE
	}
	p.written = append(p.written, string(b))
	return len(b), nil
}

func (p *fakeProcess) Stop(context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.exit(nil)
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) frames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

func (p *fakeProcess) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

type fakeLauncher struct {
	mu       sync.Mutex
	procs    []*fakeProcess
	make     func(n int) *fakeProcess
	startErr error
	starts   int
}

func (l *fakeLauncher) Start(context.Context) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts++
	if l.startErr != nil {
		return nil, l.startErr
	}
	var p *fakeProcess
	if l.make != nil {
		p = l.make(len(l.procs) + 1)
	}
	if p == nil {
		p = newFakeProcess(fmt.Sprintf("p%d", len(l.procs)+1))
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.procs) {
		return nil
	}
	return l.procs[i]
}

func (l *fakeLauncher) startCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts
}

type fakeRecorder struct {
	fed           atomic.Int64
	fedBytes      atomic.Int64
	dropped       atomic.Int64
	restarts      atomic.Int64
	running       atomic.Bool
	exhausted     atomic.Bool
	everExhausted atomic.Bool
}

func (r *fakeRecorder) RecordFed(n int) {
	r.fed.Add(1)
	r.fedBytes.Add(int64(n))
}
func (r *fakeRecorder) RecordEncoderDrop(n int) { r.dropped.Add(int64(n)) }
func (r *fakeRecorder) RecordRestart() { r.restarts.Add(1) }
func (r *fakeRecorder) SetEncoderRunning(v bool) { r.running.Store(v) }
func (r *fakeRecorder) SetEncoderExhausted(v bool) {
	r.exhausted.Store(v)
	if v {
		r.everExhausted.Store(true)
	}
}

func queued(ids ...uint32) *queue.Queue {
	q := queue.New(16, queue.DropOldest, nil)
	for _, id := range ids {
		q.Push(media.Frame{ID: id, Data: []byte(fmt.Sprintf("frame-%d", id))})
	}
	return q
}

func runSupervisor(t *testing.T, s *Supervisor) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		cancelCtx()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("supervisor did not stop")
		}
	}
}

func TestSupervisorFeedsInOrder(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{}
	rec := &fakeRecorder{}
	s := NewSupervisor(l, queued(1, 2, 3), Config{Backoff: time.Millisecond}, rec, nil)

	stop := runSupervisor(t, s)
	require.Eventually(t, func() bool { return rec.fed.Load() == 3 }, 2*time.Second, time.Millisecond)
	stop()

	assert.Equal(t, []string{"frame-1", "frame-2", "frame-3"}, l.proc(0).frames())
	assert.True(t, l.proc(0).wasStopped(), "encoder stopped on shutdown")
	assert.Zero(t, rec.restarts.Load())
	assert.False(t, rec.running.Load())
}

func TestSupervisorRestartsAfterUnexpectedExit(t *testing.T) {
	t.Parallel()
	first := newFakeProcess("p1")
	first.exit(&ExitError{ID: "p1", Code: 1})

	l := &fakeLauncher{make: func(n int) *fakeProcess {
		if n == 1 {
			return first
		}
		return nil
	}}
	rec := &fakeRecorder{}
	s := NewSupervisor(l, queued(1, 2, 3), Config{Backoff: time.Millisecond}, rec, nil)

	stop := runSupervisor(t, s)
	require.Eventually(t, func() bool {
		p := l.proc(1)
		return p != nil && len(p.frames()) == 3
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, int64(1), rec.restarts.Load(), "exactly one restart")
	assert.Equal(t, []string{"frame-1", "frame-2", "frame-3"}, l.proc(1).frames())
	assert.Empty(t, first.frames())

	st := s.Status()
	assert.Equal(t, "p2", st.ProcessID)
	assert.Equal(t, 1, st.Restarts)
	assert.True(t, st.Running)
	assert.Contains(t, st.LastExit, "code 1")
	stop()
}

func TestSupervisorRestartPolicies(t *testing.T) {
	t.Parallel()
	tests := []struct {
		policy      RestartPolicy
		wantSecond  []string
		wantDropped int64
	}{
		{RestartDrop, []string{"frame-3"}, 1},
		{RestartReplay, []string{"frame-2", "frame-3"}, 0},
		{RestartFlush, nil, 2},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			t.Parallel()
			l := &fakeLauncher{make: func(n int) *fakeProcess {
				p := newFakeProcess(fmt.Sprintf("p%d", n))
				if n == 1 {
					p.failAfter = 1
				}
				return p
			}}
			rec := &fakeRecorder{}
			s := NewSupervisor(l, queued(1, 2, 3), Config{Backoff: time.Millisecond, Policy: tt.policy}, rec, nil)

			stop := runSupervisor(t, s)
			require.Eventually(t, func() bool {
				return l.proc(1) != nil && rec.fed.Load() == int64(1+len(tt.wantSecond))
			}, 2*time.Second, time.Millisecond)
			// give a wrong implementation the chance to feed extra frames
			time.Sleep(20 * time.Millisecond)
			stop()

			assert.Equal(t, []string{"frame-1"}, l.proc(0).frames())
			assert.Equal(t, tt.wantSecond, l.proc(1).frames())
			assert.Equal(t, tt.wantDropped, rec.dropped.Load())
			assert.Equal(t, int64(1), rec.restarts.Load())
		})
	}
}

func TestSupervisorReplaysAtMostOnce(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{make: func(n int) *fakeProcess {
		p := newFakeProcess(fmt.Sprintf("p%d", n))
		if n <= 2 {
			p.failAfter = 0
		}
		return p
	}}
	rec := &fakeRecorder{}
	s := NewSupervisor(l, queued(1, 2), Config{Backoff: time.Millisecond, Policy: RestartReplay}, rec, nil)

	stop := runSupervisor(t, s)
	require.Eventually(t, func() bool { return rec.fed.Load() == 1 }, 2*time.Second, time.Millisecond)
	stop()

	assert.Equal(t, []string{"frame-2"}, l.proc(2).frames())
	assert.Equal(t, int64(1), rec.dropped.Load())
}

func TestSupervisorExhaustsRestartBudget(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{startErr: fmt.Errorf("exec: not found")}
	rec := &fakeRecorder{}
	q := queued(1, 2, 3)
	s := NewSupervisor(l, q, Config{
		MaxRestarts:   2,
		RestartWindow: time.Second,
		Backoff:       time.Millisecond,
	}, rec, nil)

	stop := runSupervisor(t, s)
	require.Eventually(t, rec.everExhausted.Load, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return rec.dropped.Load() == 3 }, 2*time.Second, time.Millisecond)

	// frames arriving while exhausted are discarded, not queued
	q.Push(media.Frame{ID: 4, Data: []byte("frame-4")})
	require.Eventually(t, func() bool { return rec.dropped.Load() == 4 }, 2*time.Second, time.Millisecond)
	assert.True(t, s.Status().Exhausted)
	assert.Equal(t, 3, l.startCount(), "initial launch plus two relaunches")

	stop()
}

func TestSupervisorDrainsOnShutdown(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{}
	rec := &fakeRecorder{}
	q := queued()
	s := NewSupervisor(l, q, Config{}, rec, nil)

	stop := runSupervisor(t, s)
	require.Eventually(t, func() bool { return l.proc(0) != nil }, time.Second, time.Millisecond)
	q.Push(media.Frame{ID: 1, Data: []byte("frame-1")})
	q.Push(media.Frame{ID: 2, Data: []byte("frame-2")})
	stop()

	assert.Equal(t, []string{"frame-1", "frame-2"}, l.proc(0).frames())
	assert.Zero(t, rec.dropped.Load())
	assert.True(t, l.proc(0).wasStopped())
}

func TestParseRestartPolicy(t *testing.T) {
	t.Parallel()
	for _, p := range []RestartPolicy{RestartDrop, RestartReplay, RestartFlush} {
		got, err := ParseRestartPolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParseRestartPolicy("retry")
	assert.Error(t, err)
}
