package pipeline

import (
	"log/slog"
	"path"
	"time"

	"github.com/zsiec/framebridge/internal/assembler"
	"github.com/zsiec/framebridge/internal/config"
	"github.com/zsiec/framebridge/internal/encoder"
	"github.com/zsiec/framebridge/internal/health"
	"github.com/zsiec/framebridge/internal/ingest/srt"
)

// FromConfig maps the environment configuration onto stage configs.
func FromConfig(c *config.Config) Config {
	cfg := Config{
		ListenAddr:    c.ListenAddr,
		UDPReadBuffer: c.UDPReadBuffer,
		SRTAddr:       c.SRTAddr,
		InboxCapacity: c.InboxCapacity,
		Assembler: assembler.Config{
			FrameTimeout:  c.FrameTimeout,
			MaxIncomplete: c.MaxIncomplete,
			ValidateJPEG:  c.ValidateJPEG,
		},
		QueueCapacity: c.QueueCapacity,
		QueuePolicy:   c.QueuePolicy,
		Encoder: encoder.Config{
			MaxRestarts:   c.MaxRestarts,
			RestartWindow: c.RestartWindow,
			Backoff:       c.RestartBackoff,
			MaxBackoff:    c.FrameTimeout,
			Policy:        c.RestartPolicy,
			// Stop must outlast the SIGTERM grace period
			StopTimeout: c.StopGrace + 2*time.Second,
		},
		Health: health.Config{
			Threshold:      c.DegradedThreshold,
			ReportInterval: c.ReportInterval,
		},
		HealthWindow: c.HealthWindow,
	}
	if c.SRTPullAddr != "" {
		cfg.SRTPull = &srt.PullRequest{
			Address:   c.SRTPullAddr,
			StreamKey: path.Base(c.SRTPullStreamID),
			StreamID:  c.SRTPullStreamID,
		}
	}
	return cfg
}

// Launcher returns an exec launcher for the configured encoder command.
func Launcher(c *config.Config, log *slog.Logger) *encoder.ExecLauncher {
	return encoder.NewExecLauncher(encoder.ExecConfig{
		Path:         c.EncoderPath,
		Args:         c.EncoderArgs,
		StopGrace:    c.StopGrace,
		WriteTimeout: c.WriteTimeout,
	}, log)
}
