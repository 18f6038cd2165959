// Package udp implements the primary chunk transport: a single UDP socket
// receiving fire-and-forget chunk datagrams from the rendering engine.
package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/zsiec/framebridge/internal/ingest"
	"github.com/zsiec/framebridge/internal/media"
)

// DefaultReadBuffer is the socket receive buffer requested from the kernel.
// Bursts of a full 1080p frame arrive back to back, so the default of a few
// hundred KiB overflows under load.
const DefaultReadBuffer = 4 << 20

const sourceKey = "udp"

// Server receives chunk datagrams on one UDP socket and hands them to the
// dispatcher. The read loop does nothing but read, parse and forward.
type Server struct {
	log        *slog.Logger
	addr       string
	readBuffer int
	registry   *ingest.Registry
	dispatch   *ingest.Dispatcher

	ready chan struct{}
	mu    sync.Mutex
	local net.Addr
}

// NewServer creates a UDP server bound to addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, readBuffer int, registry *ingest.Registry, dispatch *ingest.Dispatcher, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if readBuffer <= 0 {
		readBuffer = DefaultReadBuffer
	}
	return &Server{
		log:        log.With("component", "udp-server"),
		addr:       addr,
		readBuffer: readBuffer,
		registry:   registry,
		dispatch:   dispatch,
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the socket is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound local address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Start binds the socket and runs the receive loop. It blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", s.addr)
	if err != nil {
		return fmt.Errorf("UDP listen on %s: %w", s.addr, err)
	}
	conn := pc.(*net.UDPConn)

	if err := conn.SetReadBuffer(s.readBuffer); err != nil {
		s.log.Warn("could not set socket read buffer", "bytes", s.readBuffer, "error", err)
	}

	s.mu.Lock()
	s.local = conn.LocalAddr()
	s.mu.Unlock()
	close(s.ready)
	s.log.Info("listening", "addr", conn.LocalAddr().String())

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	src := s.registry.Register(sourceKey, ingest.TransportUDP)
	defer func() {
		stats, _ := s.registry.Unregister(sourceKey)
		s.log.Info("listener closed",
			"datagrams", stats.Datagrams, "bytes", stats.Bytes,
			"malformed", stats.Malformed, "inbox_dropped", stats.InboxDropped)
	}()

	var peer netip.AddrPort
	buf := make([]byte, media.MaxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("read error", "error", err)
			continue
		}
		if from != peer {
			peer = from
			src.SetRemoteAddr(from.String())
			s.log.Debug("producer address changed", "remote", from.String())
		}
		_ = s.dispatch.Dispatch(src, buf[:n])
	}
}
