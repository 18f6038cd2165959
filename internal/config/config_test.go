package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/framebridge/internal/encoder"
	"github.com/zsiec/framebridge/internal/queue"
)

// minimalEnv sets the variables every valid configuration needs.
func minimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TARGET_URL", "rtmp://live.example.com/app/key")
	t.Setenv("ENCODER_PATH", "sh")
}

func TestFromEnvDefaults(t *testing.T) {
	minimalEnv(t)

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:5000", cfg.ListenAddr)
	assert.Equal(t, time.Second, cfg.FrameTimeout)
	assert.Equal(t, 200, cfg.MaxIncomplete)
	assert.Equal(t, 50, cfg.QueueCapacity)
	assert.Equal(t, queue.DropOldest, cfg.QueuePolicy)
	assert.Equal(t, encoder.RestartDrop, cfg.RestartPolicy)
	assert.Equal(t, 5*time.Second, cfg.ReportInterval)
	assert.Equal(t, 0.8, cfg.DegradedThreshold)
	assert.False(t, cfg.ValidateJPEG)
	assert.Equal(t, "rtmp://live.example.com/app/key", cfg.EncoderArgs[len(cfg.EncoderArgs)-1])
	assert.NotContains(t, cfg.EncoderArgs, TargetPlaceholder)
}

func TestFromEnvOverrides(t *testing.T) {
	minimalEnv(t)
	t.Setenv("LISTEN_ADDR", "0.0.0.0")
	t.Setenv("LISTEN_PORT", "6000")
	t.Setenv("FRAME_TIMEOUT", "1500ms")
	t.Setenv("MAX_INCOMPLETE_FRAMES", "64")
	t.Setenv("OUTPUT_QUEUE_CAPACITY", "10")
	t.Setenv("OUTPUT_QUEUE_POLICY", "drop-newest")
	t.Setenv("ENCODER_RESTART_POLICY", "replay")
	t.Setenv("ENCODER_ARGS", `["-i","pipe:0","-f","flv","{target_url}?live=1"]`)
	t.Setenv("VALIDATE_JPEG", "true")
	t.Setenv("DEGRADED_THRESHOLD", "0.95")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:6000", cfg.ListenAddr)
	assert.Equal(t, 1500*time.Millisecond, cfg.FrameTimeout)
	assert.Equal(t, 64, cfg.MaxIncomplete)
	assert.Equal(t, 10, cfg.QueueCapacity)
	assert.Equal(t, queue.DropNewest, cfg.QueuePolicy)
	assert.Equal(t, encoder.RestartReplay, cfg.RestartPolicy)
	assert.True(t, cfg.ValidateJPEG)
	assert.Equal(t, 0.95, cfg.DegradedThreshold)
	assert.Equal(t, []string{"-i", "pipe:0", "-f", "flv", "rtmp://live.example.com/app/key?live=1"}, cfg.EncoderArgs)
}

func TestFromEnvErrors(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		field string
	}{
		{"bad port", "LISTEN_PORT", "70000", "LISTEN_PORT"},
		{"port not a number", "LISTEN_PORT", "udp", "LISTEN_PORT"},
		{"bad duration", "FRAME_TIMEOUT", "soon", "FRAME_TIMEOUT"},
		{"zero timeout", "FRAME_TIMEOUT", "0s", "FRAME_TIMEOUT"},
		{"zero queue", "OUTPUT_QUEUE_CAPACITY", "0", "OUTPUT_QUEUE_CAPACITY"},
		{"bad policy", "OUTPUT_QUEUE_POLICY", "random", "OUTPUT_QUEUE_POLICY"},
		{"bad restart policy", "ENCODER_RESTART_POLICY", "retry", "ENCODER_RESTART_POLICY"},
		{"threshold too high", "DEGRADED_THRESHOLD", "1.5", "DEGRADED_THRESHOLD"},
		{"missing target", "TARGET_URL", "", "TARGET_URL"},
		{"relative target", "TARGET_URL", "live/key", "TARGET_URL"},
		{"missing encoder", "ENCODER_PATH", "/nonexistent/ffmpeg", "ENCODER_PATH"},
		{"bad args json", "ENCODER_ARGS", `["-i",`, "ENCODER_ARGS"},
		{"bad bool", "VALIDATE_JPEG", "maybe", "VALIDATE_JPEG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			minimalEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := FromEnv()
			require.Error(t, err)

			var cfgErr *Error
			require.True(t, errors.As(err, &cfgErr), "got %T", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestParseArgs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"-f flv  -i pipe:0", []string{"-f", "flv", "-i", "pipe:0"}},
		{`["-vf", "format=yuv420p, fps=20"]`, []string{"-vf", "format=yuv420p, fps=20"}},
	}
	for _, tt := range tests {
		got, err := ParseArgs(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestExpandArgs(t *testing.T) {
	t.Parallel()
	in := []string{"-f", "flv", TargetPlaceholder}
	assert.Equal(t, []string{"-f", "flv", "rtmp://x/y"}, ExpandArgs(in, "rtmp://x/y"))
	assert.Equal(t, TargetPlaceholder, in[2], "input not modified")

	assert.Equal(t, []string{"-f", "flv", "rtmp://x/y"}, ExpandArgs([]string{"-f", "flv"}, "rtmp://x/y"))
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.env")
	require.NoError(t, os.WriteFile(path, []byte("FRAMEBRIDGE_TEST_KEY=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("FRAMEBRIDGE_TEST_KEY") })

	require.NoError(t, Load(path))
	assert.Equal(t, "from-file", GetEnv("FRAMEBRIDGE_TEST_KEY", "fallback"))
	assert.Equal(t, "fallback", GetEnv("FRAMEBRIDGE_TEST_MISSING", "fallback"))
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `config: LISTEN_PORT="0": must be in 1..65535`,
		(&Error{Field: "LISTEN_PORT", Value: "0", Reason: "must be in 1..65535"}).Error())
	assert.Equal(t, "config: TARGET_URL: is required",
		(&Error{Field: "TARGET_URL", Reason: "is required"}).Error())
}
