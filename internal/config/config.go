// Package config loads bridge configuration from an optional .env file and
// the process environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zsiec/framebridge/internal/encoder"
	"github.com/zsiec/framebridge/internal/queue"
)

// TargetPlaceholder in ENCODER_ARGS is replaced by TARGET_URL.
const TargetPlaceholder = "{target_url}"

// DefaultEncoderArgs reads MJPEG frames from stdin and pushes low-latency
// H.264 over RTMP.
var DefaultEncoderArgs = []string{
	"-hide_banner", "-loglevel", "warning",
	"-f", "image2pipe", "-vcodec", "mjpeg", "-i", "pipe:0",
	"-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency",
	"-pix_fmt", "yuv420p", "-g", "40", "-keyint_min", "20",
	"-profile:v", "baseline", "-bf", "0",
	"-f", "flv", "-flvflags", "no_duration_filesize",
	TargetPlaceholder,
}

// Config is the complete bridge configuration.
type Config struct {
	ListenAddr      string
	UDPReadBuffer   int
	SRTAddr         string
	SRTPullAddr     string
	SRTPullStreamID string

	FrameTimeout  time.Duration
	MaxIncomplete int
	InboxCapacity int
	QueueCapacity int
	QueuePolicy   queue.Policy
	ValidateJPEG  bool

	EncoderPath    string
	EncoderArgs    []string
	TargetURL      string
	MaxRestarts    int
	RestartWindow  time.Duration
	RestartBackoff time.Duration
	RestartPolicy  encoder.RestartPolicy
	StopGrace      time.Duration
	WriteTimeout   time.Duration

	ReportInterval    time.Duration
	HealthWindow      time.Duration
	DegradedThreshold float64

	APIAddr   string
	APIH3Addr string
}

// Error is a configuration error. It is always fatal at startup.
type Error struct {
	Field  string
	Value  string
	Reason string
}

func (e *Error) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("config: %s=%q: %s", e.Field, e.Value, e.Reason)
}

// Load reads .env files into the environment. Variables already set in the
// environment win. With no paths, ".env" is used; a missing default file is
// not an error.
func Load(paths ...string) error {
	if len(paths) == 0 {
		if _, err := os.Stat(".env"); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// parser collects the first parse error so FromEnv can report it.
type parser struct {
	err error
}

func (p *parser) fail(key, value, reason string) {
	if p.err == nil {
		p.err = &Error{Field: key, Value: value, Reason: reason}
	}
}

func (p *parser) getInt(key string, fallback int) int {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		p.fail(key, s, "not an integer")
		return fallback
	}
	return n
}

func (p *parser) getDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		p.fail(key, s, "not a duration")
		return fallback
	}
	return d
}

func (p *parser) getFloat(key string, fallback float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(key, s, "not a number")
		return fallback
	}
	return f
}

func (p *parser) getBool(key string, fallback bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		p.fail(key, s, "not a boolean")
		return fallback
	}
	return b
}

// FromEnv builds a validated Config from the environment.
func FromEnv() (*Config, error) {
	var p parser

	port := p.getInt("LISTEN_PORT", 5000)
	cfg := &Config{
		ListenAddr:      net.JoinHostPort(GetEnv("LISTEN_ADDR", "127.0.0.1"), strconv.Itoa(port)),
		UDPReadBuffer:   p.getInt("UDP_READ_BUFFER", 4<<20),
		SRTAddr:         os.Getenv("SRT_ADDR"),
		SRTPullAddr:     os.Getenv("SRT_PULL_ADDR"),
		SRTPullStreamID: GetEnv("SRT_PULL_STREAM_ID", "live/frames"),

		FrameTimeout:  p.getDuration("FRAME_TIMEOUT", time.Second),
		MaxIncomplete: p.getInt("MAX_INCOMPLETE_FRAMES", 200),
		InboxCapacity: p.getInt("INBOX_CAPACITY", 4096),
		QueueCapacity: p.getInt("OUTPUT_QUEUE_CAPACITY", 50),
		ValidateJPEG:  p.getBool("VALIDATE_JPEG", false),

		EncoderPath:    GetEnv("ENCODER_PATH", "ffmpeg"),
		TargetURL:      os.Getenv("TARGET_URL"),
		MaxRestarts:    p.getInt("ENCODER_MAX_RESTARTS", 5),
		RestartWindow:  p.getDuration("ENCODER_RESTART_WINDOW", time.Minute),
		RestartBackoff: p.getDuration("ENCODER_RESTART_BACKOFF", 100*time.Millisecond),
		StopGrace:      p.getDuration("ENCODER_STOP_GRACE", 3*time.Second),
		WriteTimeout:   p.getDuration("ENCODER_WRITE_TIMEOUT", 2*time.Second),

		ReportInterval:    p.getDuration("REPORTING_INTERVAL", 5*time.Second),
		HealthWindow:      p.getDuration("HEALTH_WINDOW", 5*time.Second),
		DegradedThreshold: p.getFloat("DEGRADED_THRESHOLD", 0.8),

		APIAddr:   GetEnv("API_ADDR", "127.0.0.1:8090"),
		APIH3Addr: os.Getenv("API_H3_ADDR"),
	}
	if p.err != nil {
		return nil, p.err
	}
	if port < 1 || port > 65535 {
		return nil, &Error{Field: "LISTEN_PORT", Value: strconv.Itoa(port), Reason: "must be in 1..65535"}
	}

	var err error
	if cfg.QueuePolicy, err = queue.ParsePolicy(os.Getenv("OUTPUT_QUEUE_POLICY")); err != nil {
		return nil, &Error{Field: "OUTPUT_QUEUE_POLICY", Value: os.Getenv("OUTPUT_QUEUE_POLICY"), Reason: err.Error()}
	}
	if cfg.RestartPolicy, err = encoder.ParseRestartPolicy(os.Getenv("ENCODER_RESTART_POLICY")); err != nil {
		return nil, &Error{Field: "ENCODER_RESTART_POLICY", Value: os.Getenv("ENCODER_RESTART_POLICY"), Reason: err.Error()}
	}

	args, err := ParseArgs(os.Getenv("ENCODER_ARGS"))
	if err != nil {
		return nil, &Error{Field: "ENCODER_ARGS", Reason: err.Error()}
	}
	if len(args) == 0 {
		args = DefaultEncoderArgs
	}
	cfg.EncoderArgs = ExpandArgs(args, cfg.TargetURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseArgs accepts either a JSON array of strings or a whitespace-separated
// list.
func ParseArgs(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "[") {
		var args []string
		if err := json.Unmarshal([]byte(s), &args); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
		return args, nil
	}
	return strings.Fields(s), nil
}

// ExpandArgs substitutes the target URL for every placeholder, or appends it
// when args contain none. The input slice is not modified.
func ExpandArgs(args []string, target string) []string {
	out := make([]string, 0, len(args)+1)
	found := false
	for _, a := range args {
		if strings.Contains(a, TargetPlaceholder) {
			found = true
			a = strings.ReplaceAll(a, TargetPlaceholder, target)
		}
		out = append(out, a)
	}
	if !found {
		out = append(out, target)
	}
	return out
}

// Validate checks ranges and resolves the encoder binary.
func (c *Config) Validate() error {
	positive := []struct {
		field string
		d     time.Duration
	}{
		{"FRAME_TIMEOUT", c.FrameTimeout},
		{"ENCODER_RESTART_WINDOW", c.RestartWindow},
		{"ENCODER_RESTART_BACKOFF", c.RestartBackoff},
		{"ENCODER_STOP_GRACE", c.StopGrace},
		{"REPORTING_INTERVAL", c.ReportInterval},
		{"HEALTH_WINDOW", c.HealthWindow},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return &Error{Field: p.field, Value: p.d.String(), Reason: "must be positive"}
		}
	}
	if c.WriteTimeout < 0 {
		return &Error{Field: "ENCODER_WRITE_TIMEOUT", Value: c.WriteTimeout.String(), Reason: "must not be negative"}
	}

	counts := []struct {
		field string
		n     int
	}{
		{"MAX_INCOMPLETE_FRAMES", c.MaxIncomplete},
		{"INBOX_CAPACITY", c.InboxCapacity},
		{"OUTPUT_QUEUE_CAPACITY", c.QueueCapacity},
		{"ENCODER_MAX_RESTARTS", c.MaxRestarts},
	}
	for _, n := range counts {
		if n.n < 1 {
			return &Error{Field: n.field, Value: strconv.Itoa(n.n), Reason: "must be at least 1"}
		}
	}

	if c.DegradedThreshold <= 0 || c.DegradedThreshold > 1 {
		return &Error{Field: "DEGRADED_THRESHOLD", Value: strconv.FormatFloat(c.DegradedThreshold, 'g', -1, 64), Reason: "must be in (0, 1]"}
	}

	if c.TargetURL == "" {
		return &Error{Field: "TARGET_URL", Reason: "is required"}
	}
	if u, err := url.Parse(c.TargetURL); err != nil || u.Scheme == "" {
		return &Error{Field: "TARGET_URL", Value: c.TargetURL, Reason: "must be an absolute URL"}
	}

	if _, err := exec.LookPath(c.EncoderPath); err != nil {
		return &Error{Field: "ENCODER_PATH", Value: c.EncoderPath, Reason: "not found or not executable"}
	}
	return nil
}
