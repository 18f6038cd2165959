// Package health aggregates pipeline counters into a frame success rate,
// drives the pipeline state machine, and emits periodic reports and
// Prometheus metrics. It observes every stage without taking part in the
// data path.
package health

import (
	"sync"
	"sync/atomic"
	"time"
)

// maxWindowSamples bounds the rolling window so a flood of stale chunks
// cannot grow it without limit.
const maxWindowSamples = 16384

// Snapshot is a point-in-time view of all pipeline counters, serialized as
// JSON by the status API and logged by the periodic reporter.
type Snapshot struct {
	Timestamp int64   `json:"ts"`
	UptimeMs  int64   `json:"uptimeMs"`
	State     string  `json:"state"`
	Reason    string  `json:"reason,omitempty"`
	Rate      float64 `json:"successRate"`
	Samples   int     `json:"windowSamples"`

	PacketsReceived    int64 `json:"packetsReceived"`
	BytesReceived      int64 `json:"bytesReceived"`
	MalformedPackets   int64 `json:"malformedPackets"`
	ChunksDroppedInbox int64 `json:"chunksDroppedInbox"`
	ChunksDroppedStale int64 `json:"chunksDroppedStale"`

	FramesCompleted        int64 `json:"framesCompleted"`
	FramesDroppedTimeout   int64 `json:"framesDroppedTimeout"`
	FramesDroppedStale     int64 `json:"framesDroppedStale"`
	FramesDroppedQueueFull int64 `json:"framesDroppedQueueFull"`
	FramesDroppedInvalid   int64 `json:"framesDroppedInvalid"`
	FramesDroppedEncoder   int64 `json:"framesDroppedEncoder"`

	FramesFed        int64 `json:"framesFed"`
	BytesFed         int64 `json:"bytesFed"`
	EncoderRestarts  int64 `json:"encoderRestarts"`
	EncoderRunning   bool  `json:"encoderRunning"`
	EncoderExhausted bool  `json:"encoderExhausted"`

	IncompleteFrames int   `json:"incompleteFrames"`
	QueueDepth       int   `json:"queueDepth"`
	Watermark        int64 `json:"watermark"`
}

// TotalDropped sums every frame-level drop counter.
func (s Snapshot) TotalDropped() int64 {
	return s.FramesDroppedTimeout + s.FramesDroppedStale + s.FramesDroppedQueueFull +
		s.FramesDroppedInvalid + s.FramesDroppedEncoder
}

// Stats accumulates counters from every pipeline stage. Counters are atomic
// and only ever increase; gauges are single-writer atomics owned by the stage
// that reports them. Only the rolling success-rate window takes a lock.
//
// Stats satisfies the Recorder interfaces of ingest, assembler, queue and
// encoder.
type Stats struct {
	started time.Time
	now     func() time.Time

	packets      atomic.Int64
	bytes        atomic.Int64
	malformed    atomic.Int64
	inboxDropped atomic.Int64
	staleChunks  atomic.Int64

	completed     atomic.Int64
	droppedTime   atomic.Int64
	droppedStale  atomic.Int64
	droppedQueue  atomic.Int64
	droppedBad    atomic.Int64
	droppedEncode atomic.Int64

	fed       atomic.Int64
	bytesFed  atomic.Int64
	restarts  atomic.Int64
	running   atomic.Bool
	exhausted atomic.Bool

	incomplete atomic.Int64
	queueDepth atomic.Int64
	watermark  atomic.Int64

	// windowMu guards window
	windowMu  sync.Mutex
	windowLen time.Duration
	window    []outcome
}

type outcome struct {
	ts time.Time
	ok bool
}

// NewStats creates a Stats whose success rate is computed over the given
// rolling window.
func NewStats(window time.Duration) *Stats {
	if window <= 0 {
		window = 5 * time.Second
	}
	s := &Stats{
		started:   time.Now(),
		now:       time.Now,
		windowLen: window,
	}
	s.watermark.Store(-1)
	return s
}

// RecordPacket counts one received datagram of n bytes.
func (s *Stats) RecordPacket(n int) {
	s.packets.Add(1)
	s.bytes.Add(int64(n))
}

// RecordMalformed counts a datagram that failed header validation.
func (s *Stats) RecordMalformed() { s.malformed.Add(1) }

// RecordInboxDrop counts a chunk discarded because the assembler inbox was full.
func (s *Stats) RecordInboxDrop() { s.inboxDropped.Add(1) }

// RecordCompleted counts a fully reassembled frame.
func (s *Stats) RecordCompleted() {
	s.completed.Add(1)
	s.observe(true)
}

// RecordTimeout counts a partial frame evicted for age or capacity.
func (s *Stats) RecordTimeout() {
	s.droppedTime.Add(1)
	s.observe(false)
}

// RecordStale counts a frame lost to the watermark: a frame whose first
// chunk arrived after newer frames resolved, or a partial frame overtaken
// by a newer completion. Each frame is counted once.
func (s *Stats) RecordStale() {
	s.droppedStale.Add(1)
	s.observe(false)
}

// RecordStaleChunk counts a chunk rejected at or behind the watermark. It
// does not affect the success rate, which is measured in frames.
func (s *Stats) RecordStaleChunk() { s.staleChunks.Add(1) }

// RecordInvalid counts a completed frame rejected by payload validation.
func (s *Stats) RecordInvalid() {
	s.droppedBad.Add(1)
	s.observe(false)
}

// RecordQueueDrop counts a frame discarded by the output queue overflow policy.
func (s *Stats) RecordQueueDrop() {
	s.droppedQueue.Add(1)
	s.observe(false)
}

// RecordEncoderDrop counts n frames the encoder stage discarded.
func (s *Stats) RecordEncoderDrop(n int) {
	if n <= 0 {
		return
	}
	s.droppedEncode.Add(int64(n))
	for range n {
		s.observe(false)
	}
}

// RecordFed counts one frame of n bytes written to the encoder.
func (s *Stats) RecordFed(n int) {
	s.fed.Add(1)
	s.bytesFed.Add(int64(n))
}

// RecordRestart counts one encoder relaunch.
func (s *Stats) RecordRestart() { s.restarts.Add(1) }

// SetEncoderRunning records whether an encoder process is currently alive.
func (s *Stats) SetEncoderRunning(v bool) { s.running.Store(v) }

// SetEncoderExhausted records whether the restart budget is spent.
func (s *Stats) SetEncoderExhausted(v bool) { s.exhausted.Store(v) }

// SetIncomplete publishes the assembler's in-flight frame count.
func (s *Stats) SetIncomplete(n int) { s.incomplete.Store(int64(n)) }

// SetWatermark publishes the assembler's watermark.
func (s *Stats) SetWatermark(id uint32) { s.watermark.Store(int64(id)) }

// SetQueueDepth publishes the output queue length.
func (s *Stats) SetQueueDepth(n int) { s.queueDepth.Store(int64(n)) }

// EncoderRunning reports whether an encoder process is alive.
func (s *Stats) EncoderRunning() bool { return s.running.Load() }

// EncoderExhausted reports whether the encoder restart budget is spent.
func (s *Stats) EncoderExhausted() bool { return s.exhausted.Load() }

// FramesFed returns how many frames have been written to the encoder.
func (s *Stats) FramesFed() int64 { return s.fed.Load() }

func (s *Stats) observe(ok bool) {
	now := s.now()

	s.windowMu.Lock()
	s.window = append(s.window, outcome{ts: now, ok: ok})
	s.trimLocked(now)
	s.windowMu.Unlock()
}

func (s *Stats) trimLocked(now time.Time) {
	cutoff := now.Add(-s.windowLen)
	i := 0
	for i < len(s.window) && s.window[i].ts.Before(cutoff) {
		i++
	}
	if over := len(s.window) - i - maxWindowSamples; over > 0 {
		i += over
	}
	if i > 0 {
		s.window = append(s.window[:0], s.window[i:]...)
	}
}

// SuccessRate returns completed / (completed + dropped) over the rolling
// window and the number of samples it was computed from. An empty window
// reports a rate of 1.
func (s *Stats) SuccessRate() (float64, int) {
	now := s.now()

	s.windowMu.Lock()
	defer s.windowMu.Unlock()
	s.trimLocked(now)

	if len(s.window) == 0 {
		return 1, 0
	}
	ok := 0
	for _, o := range s.window {
		if o.ok {
			ok++
		}
	}
	return float64(ok) / float64(len(s.window)), len(s.window)
}

// Snapshot produces a point-in-time view of all counters. State and Reason
// are left empty; the Monitor fills them in.
func (s *Stats) Snapshot() Snapshot {
	rate, samples := s.SuccessRate()
	return Snapshot{
		Timestamp: s.now().UnixMilli(),
		UptimeMs:  time.Since(s.started).Milliseconds(),
		Rate:      rate,
		Samples:   samples,

		PacketsReceived:    s.packets.Load(),
		BytesReceived:      s.bytes.Load(),
		MalformedPackets:   s.malformed.Load(),
		ChunksDroppedInbox: s.inboxDropped.Load(),
		ChunksDroppedStale: s.staleChunks.Load(),

		FramesCompleted:        s.completed.Load(),
		FramesDroppedTimeout:   s.droppedTime.Load(),
		FramesDroppedStale:     s.droppedStale.Load(),
		FramesDroppedQueueFull: s.droppedQueue.Load(),
		FramesDroppedInvalid:   s.droppedBad.Load(),
		FramesDroppedEncoder:   s.droppedEncode.Load(),

		FramesFed:        s.fed.Load(),
		BytesFed:         s.bytesFed.Load(),
		EncoderRestarts:  s.restarts.Load(),
		EncoderRunning:   s.running.Load(),
		EncoderExhausted: s.exhausted.Load(),

		IncompleteFrames: int(s.incomplete.Load()),
		QueueDepth:       int(s.queueDepth.Load()),
		Watermark:        s.watermark.Load(),
	}
}
