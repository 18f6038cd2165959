package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/framebridge/internal/ingest"
)

// srtReadBufferSize is the read buffer for SRT socket reads. In live mode
// each read returns one message, which carries exactly one chunk datagram.
const srtReadBufferSize = 1500

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// MaxChunkPayload is the largest chunk payload that fits one SRT live-mode
// packet (1316 bytes) together with the chunk header.
const MaxChunkPayload = 1316 - 8

// Server accepts incoming SRT publish connections carrying chunk datagrams
// and hands each message to the dispatcher.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
	dispatch *ingest.Dispatcher
}

// NewServer creates an SRT server that listens on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, dispatch *ingest.Dispatcher, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
		dispatch: dispatch,
	}
}

// Start begins accepting SRT publish connections. It blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		streamKey := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", streamKey, "remote", conn.RemoteAddr())

		go s.handleConnection(ctx, conn, streamKey)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, streamKey string) {
	defer conn.Close()

	key := string(ingest.TransportSRT) + ":" + streamKey
	src := s.registry.Register(key, ingest.TransportSRT)
	src.SetRemoteAddr(conn.RemoteAddr().String())

	readLoop(ctx, conn, src, s.dispatch, s.log)

	stats, _ := s.registry.Unregister(key)
	s.log.Info("connection closed", "stream_key", streamKey,
		"datagrams", stats.Datagrams, "bytes", stats.Bytes,
		"malformed", stats.Malformed, "uptime_ms", stats.UptimeMs)
}

// readLoop forwards every SRT message from r to the dispatcher until the
// connection fails or ctx is cancelled.
func readLoop(ctx context.Context, r io.Reader, src *ingest.Source, dispatch *ingest.Dispatcher, log *slog.Logger) {
	buf := make([]byte, srtReadBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := r.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "source", src.Key, "error", err)
			}
			return
		}
		_ = dispatch.Dispatch(src, buf[:n])
	}
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
