package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/framebridge/internal/api"
	"github.com/zsiec/framebridge/internal/certs"
	"github.com/zsiec/framebridge/internal/config"
	"github.com/zsiec/framebridge/internal/pipeline"
)

var version = "dev"

func main() {
	envFile := flag.String("env", "", "path to a .env file (default: ./.env if present)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	var paths []string
	if *envFile != "" {
		paths = append(paths, *envFile)
	}
	if err := config.Load(paths...); err != nil {
		fmt.Fprintf(os.Stderr, "framebridge: loading env file: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger())

	cfg, err := config.FromEnv()
	if err != nil {
		var cerr *config.Error
		if errors.As(err, &cerr) {
			slog.Error("invalid configuration", "field", cerr.Field, "value", cerr.Value, "reason", cerr.Reason)
		} else {
			slog.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("framebridge failed", "error", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var cert *certs.CertInfo
	if cfg.APIH3Addr != "" {
		slog.Info("generating self-signed certificate")
		var err error
		cert, err = certs.Generate(certs.DefaultValidity)
		if err != nil {
			return fmt.Errorf("generating certificate: %w", err)
		}
		slog.Info("certificate generated", "fingerprint", cert.FingerprintHex())
	}

	p := pipeline.New(pipeline.FromConfig(cfg), pipeline.Launcher(cfg, nil), nil)

	apiSrv := api.NewServer(api.Config{
		Addr:    cfg.APIAddr,
		H3Addr:  cfg.APIH3Addr,
		Cert:    cert,
		Monitor: p.Monitor(),
		Metrics: p.Metrics().Handler(),
		Sources: p.Registry().List,
		Encoder: p.Encoder().Status,
		Pulls:   p.SRTCaller(),
	}, nil)

	slog.Info("framebridge starting",
		"version", version,
		"udp", cfg.ListenAddr,
		"srt", cfg.SRTAddr,
		"srt_pull", cfg.SRTPullAddr,
		"api", cfg.APIAddr,
		"api_h3", cfg.APIH3Addr,
		"encoder", cfg.EncoderPath,
		"target", cfg.TargetURL,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.Run(ctx)
	})

	if cfg.APIAddr != "" {
		g.Go(func() error {
			return apiSrv.Start(ctx)
		})
	}

	return g.Wait()
}
