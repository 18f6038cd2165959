// Package ingest is the receiving side of the bridge. It tracks active chunk
// sources with per-source counters and dispatches parsed chunks to the frame
// assembler without ever blocking the receive loop.
package ingest

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Transport names the network path a source delivers chunks over.
type Transport string

// Supported chunk transports.
const (
	TransportUDP     Transport = "udp"
	TransportSRT     Transport = "srt"
	TransportSRTPull Transport = "srt-pull"
)

// SourceStats captures connection-level metrics for a chunk source, exposed
// via the status API for monitoring producer health.
type SourceStats struct {
	Key          string    `json:"key"`
	Transport    Transport `json:"transport"`
	Datagrams    int64     `json:"datagrams"`
	Bytes        int64     `json:"bytes"`
	Malformed    int64     `json:"malformed"`
	InboxDropped int64     `json:"inboxDropped"`
	ConnectedAt  int64     `json:"connectedAt"`
	LastSeenAt   int64     `json:"lastSeenAt,omitempty"`
	UptimeMs     int64     `json:"uptimeMs"`
	RemoteAddr   string    `json:"remoteAddr,omitempty"`
}

// Source represents one active producer connection or listener. Counters
// are updated by the receive loop that owns the source.
type Source struct {
	Key       string
	Transport Transport
	StartedAt time.Time

	datagrams  atomic.Int64
	bytes      atomic.Int64
	malformed  atomic.Int64
	dropped    atomic.Int64
	lastSeen   atomic.Int64
	remoteAddr atomic.Value
}

// RecordRead increments the datagram and byte counters, called by the
// receiver after each successful socket read.
func (s *Source) RecordRead(n int, at time.Time) {
	s.bytes.Add(int64(n))
	s.datagrams.Add(1)
	s.lastSeen.Store(at.UnixMilli())
}

// SetRemoteAddr stores the remote address of the producer for diagnostics.
func (s *Source) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns a snapshot of the source counters.
func (s *Source) Stats() SourceStats {
	addr, _ := s.remoteAddr.Load().(string)
	return SourceStats{
		Key:          s.Key,
		Transport:    s.Transport,
		Datagrams:    s.datagrams.Load(),
		Bytes:        s.bytes.Load(),
		Malformed:    s.malformed.Load(),
		InboxDropped: s.dropped.Load(),
		ConnectedAt:  s.StartedAt.UnixMilli(),
		LastSeenAt:   s.lastSeen.Load(),
		UptimeMs:     time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:   addr,
	}
}

// Registry tracks active chunk sources by key. It is the rendezvous point
// between the transport listeners and the status API.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]*Source),
	}
}

// Register creates a source with the given key, replacing any previous
// source registered under the same key.
func (r *Registry) Register(key string, transport Transport) *Source {
	src := &Source{
		Key:       key,
		Transport: transport,
		StartedAt: time.Now(),
	}

	r.mu.Lock()
	r.sources[key] = src
	r.mu.Unlock()

	return src
}

// Unregister removes a source by key and returns its final stats.
func (r *Registry) Unregister(key string) (SourceStats, bool) {
	r.mu.Lock()
	src, ok := r.sources[key]
	if ok {
		delete(r.sources, key)
	}
	r.mu.Unlock()

	if !ok {
		return SourceStats{}, false
	}
	return src.Stats(), true
}

// Get returns the Source for the given key, or false if not found.
func (r *Registry) Get(key string) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[key]
	return s, ok
}

// List returns stats for every registered source, sorted by key.
func (r *Registry) List() []SourceStats {
	r.mu.RLock()
	out := make([]SourceStats, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s.Stats())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
