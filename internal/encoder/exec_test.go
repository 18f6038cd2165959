package encoder

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shLauncher(t *testing.T, script string, cfg ExecConfig) *ExecLauncher {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	cfg.Path = sh
	cfg.Args = []string{"-c", script}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = time.Second
	}
	return NewExecLauncher(cfg, nil)
}

func waitDone(t *testing.T, p Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestExecProcessFeedAndStop(t *testing.T) {
	t.Parallel()
	l := shLauncher(t, "exec cat > /dev/null", ExecConfig{})

	p, err := l.Start(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID())
	assert.False(t, p.StartedAt().IsZero())

	n, err := p.Write([]byte("\xff\xd8frame"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	require.NoError(t, p.Stop(context.Background()))
	waitDone(t, p)
	assert.NoError(t, p.Err(), "requested stop is a clean exit")

	_, err = p.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestExecProcessUnexpectedExit(t *testing.T) {
	t.Parallel()
	l := shLauncher(t, "echo 'fatal: bad option' >&2; exit 3", ExecConfig{})

	p, err := l.Start(context.Background())
	require.NoError(t, err)
	waitDone(t, p)

	var exitErr *ExitError
	require.ErrorAs(t, p.Err(), &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, "fatal: bad option", exitErr.Tail)
}

func TestExecProcessConnectionFailureKills(t *testing.T) {
	t.Parallel()
	l := shLauncher(t, "echo 'rtmp://host/app: Connection refused' >&2; exec sleep 30", ExecConfig{})

	p, err := l.Start(context.Background())
	require.NoError(t, err)
	waitDone(t, p)

	assert.ErrorIs(t, p.Err(), ErrConnectionLost)
}

func TestExecProcessWriteTimeout(t *testing.T) {
	t.Parallel()
	l := shLauncher(t, "exec sleep 30", ExecConfig{WriteTimeout: 100 * time.Millisecond})

	p, err := l.Start(context.Background())
	require.NoError(t, err)

	// larger than any pipe buffer, and nobody reads stdin
	big := bytes.Repeat([]byte{0xAB}, 4<<20)
	start := time.Now()
	_, err = p.Write(big)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWriteTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 3*time.Second)

	waitDone(t, p)
	assert.ErrorIs(t, p.Err(), ErrWriteTimeout)
}

func TestExecProcessStopKillsAfterGrace(t *testing.T) {
	t.Parallel()
	l := shLauncher(t, "trap '' TERM; while :; do sleep 0.05; done", ExecConfig{StopGrace: 100 * time.Millisecond})

	p, err := l.Start(context.Background())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Stop(context.Background()))
	assert.Less(t, time.Since(start), 3*time.Second)
	waitDone(t, p)
}

func TestExecLauncherStartError(t *testing.T) {
	t.Parallel()
	l := NewExecLauncher(ExecConfig{Path: "/nonexistent/encoder"}, nil)
	_, err := l.Start(context.Background())
	assert.Error(t, err)
}

func TestIsConnectionFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line string
		want bool
	}{
		{"[tcp @ 0x55] Connection to tcp://x:1935 failed: Connection refused", true},
		{"av_interleaved_write_frame(): Broken pipe", true},
		{"Failed to connect to server", true},
		{"frame=  120 fps= 20 q=23.0 size=1024kB", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isConnectionFailure(tt.line), tt.line)
	}
}

func TestExitErrorMessage(t *testing.T) {
	t.Parallel()
	err := &ExitError{ID: "abc", Code: 1, Reason: ErrWriteTimeout, Tail: "last words"}
	assert.Equal(t, "encoder abc exited with code 1: encoder: write timed out (last words)", err.Error())
	assert.ErrorIs(t, err, ErrWriteTimeout)
}
