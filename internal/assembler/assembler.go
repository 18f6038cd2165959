// Package assembler reassembles chunk datagrams into complete frames.
//
// The Assembler keeps a bounded table of partial frames keyed by frame ID,
// ordered by first-seen time so the oldest can be evicted in O(log n). A
// monotonic watermark records the highest frame ID that has been completed
// or dropped; chunks at or behind it are rejected as stale, and partial
// frames it overtakes are dropped at once since they can no longer
// complete. A partial frame is evicted as soon as it reaches the frame
// timeout, by a timer armed for the oldest entry's deadline.
//
// All table and watermark state is owned by the goroutine running Run.
// Other stages talk to it only through the inbox channel and the Sink.
package assembler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/framebridge/internal/media"
)

const (
	DefaultFrameTimeout  = time.Second
	DefaultMaxIncomplete = 200

	// resolvedMemory is how many resolved frame IDs are remembered for
	// per-frame stale accounting.
	resolvedMemory = 4096

	// staleAlarmPeriods is how many frame timeouts of nothing but stale
	// chunks trigger a warning.
	staleAlarmPeriods = 3
)

// Sink receives completed frames. Push must not block.
type Sink interface {
	Push(f media.Frame) bool
}

// Recorder receives assembler counters and gauges.
type Recorder interface {
	RecordMalformed()
	RecordCompleted()
	// RecordStale is called once per frame lost to the watermark.
	RecordStale()
	// RecordStaleChunk is called for every chunk rejected by the watermark.
	RecordStaleChunk()
	RecordTimeout()
	RecordInvalid()
	SetIncomplete(n int)
	SetWatermark(id uint32)
}

// Config holds the assembler tunables.
type Config struct {
	FrameTimeout  time.Duration
	MaxIncomplete int
	// ValidateJPEG drops completed frames that lack a JPEG SOI marker.
	ValidateJPEG bool
	// Now overrides the clock used for chunks without an arrival time and
	// for timeout eviction driven by Run.
	Now func() time.Time
}

// Assembler turns chunks into frames.
type Assembler struct {
	log  *slog.Logger
	cfg  Config
	sink Sink
	rec  Recorder
	tbl  *table

	watermark    uint32
	hasWatermark bool
	resolved     *recentIDs

	lastAccepted time.Time
	warnStale    rate.Sometimes
}

// New creates an Assembler that pushes completed frames to sink. rec may be
// nil.
func New(cfg Config, sink Sink, rec Recorder, log *slog.Logger) *Assembler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = DefaultFrameTimeout
	}
	if cfg.MaxIncomplete < 1 {
		cfg.MaxIncomplete = DefaultMaxIncomplete
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Assembler{
		log:       log.With("component", "assembler"),
		cfg:       cfg,
		sink:      sink,
		rec:       rec,
		tbl:       newTable(cfg.MaxIncomplete),
		resolved:  newRecentIDs(max(resolvedMemory, 2*cfg.MaxIncomplete)),
		warnStale: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Watermark returns the highest frame ID completed or dropped so far. ok is
// false until the first frame has been resolved.
func (a *Assembler) Watermark() (id uint32, ok bool) {
	return a.watermark, a.hasWatermark
}

// Pending returns the number of partial frames being tracked.
func (a *Assembler) Pending() int {
	return a.tbl.len()
}

func (a *Assembler) stale(id uint32) bool {
	return a.hasWatermark && id <= a.watermark
}

func (a *Assembler) advance(id uint32) {
	if a.hasWatermark && id <= a.watermark {
		return
	}
	a.watermark = id
	a.hasWatermark = true
	a.rec.SetWatermark(id)

	var behind []*entry
	for _, e := range a.tbl.byID {
		if e.id <= id {
			behind = append(behind, e)
		}
	}
	for _, e := range behind {
		a.tbl.remove(e)
		a.resolved.add(e.id)
		a.rec.RecordStale()
		a.log.Debug("dropped overtaken partial frame",
			"frame", e.id, "watermark", id, "received", e.received, "total", e.total)
	}
}

// rejectStale accounts for a chunk at or behind the watermark.
func (a *Assembler) rejectStale(id uint32, now time.Time) {
	a.rec.RecordStaleChunk()
	if !a.resolved.has(id) {
		a.resolved.add(id)
		a.rec.RecordStale()
	}
	if !a.lastAccepted.IsZero() && now.Sub(a.lastAccepted) > staleAlarmPeriods*a.cfg.FrameTimeout {
		a.warnStale.Do(func() {
			a.log.Warn("only stale chunks arriving, producer may have restarted its frame IDs",
				"frame", id,
				"watermark", a.watermark,
				"since_last_accepted", now.Sub(a.lastAccepted).Round(time.Millisecond),
			)
		})
	}
}

// HandleChunk processes one chunk. It never blocks.
func (a *Assembler) HandleChunk(c media.Chunk) {
	now := c.ArrivedAt
	if now.IsZero() {
		now = a.cfg.Now()
	}
	defer func() { a.rec.SetIncomplete(a.tbl.len()) }()

	if a.stale(c.FrameID) {
		a.rejectStale(c.FrameID, now)
		return
	}
	if c.Total == 0 || c.Index >= c.Total {
		a.rec.RecordMalformed()
		return
	}

	e := a.tbl.get(c.FrameID)
	if e != nil && now.Sub(e.firstSeen) > a.cfg.FrameTimeout {
		a.evict(e, "timeout")
		return
	}
	if e == nil {
		if a.tbl.len() >= a.cfg.MaxIncomplete {
			a.evict(a.tbl.oldest(), "capacity")
			// the eviction may have moved the watermark past this frame
			if a.stale(c.FrameID) {
				a.rejectStale(c.FrameID, now)
				return
			}
		}
		e = newEntry(c.FrameID, c.Total, now)
		a.tbl.add(e)
	} else if e.total != c.Total {
		a.log.Debug("chunk total mismatch", "frame", c.FrameID, "want", e.total, "got", c.Total)
		a.rec.RecordMalformed()
		return
	}

	a.lastAccepted = now
	if !e.put(c.Index, c.Payload, now) || !e.complete() {
		return
	}

	a.tbl.remove(e)
	a.resolved.add(e.id)
	a.advance(e.id)

	f := media.Frame{
		ID:          e.id,
		Data:        e.assemble(),
		Chunks:      int(e.total),
		FirstSeen:   e.firstSeen,
		CompletedAt: now,
	}
	if a.cfg.ValidateJPEG && !media.IsJPEG(f.Data) {
		a.log.Debug("dropping frame without JPEG marker", "frame", f.ID, "bytes", len(f.Data))
		a.rec.RecordInvalid()
		return
	}
	a.rec.RecordCompleted()
	a.sink.Push(f)
}

// Sweep evicts every partial frame that has reached the frame timeout and
// returns how many were evicted.
func (a *Assembler) Sweep(now time.Time) int {
	n := 0
	for {
		e := a.tbl.oldest()
		if e == nil || now.Sub(e.firstSeen) < a.cfg.FrameTimeout {
			break
		}
		a.evict(e, "timeout")
		n++
	}
	if n > 0 {
		a.rec.SetIncomplete(a.tbl.len())
	}
	return n
}

func (a *Assembler) evict(e *entry, reason string) {
	a.tbl.remove(e)
	a.resolved.add(e.id)
	a.rec.RecordTimeout()
	a.log.Debug("evicted partial frame",
		"frame", e.id,
		"reason", reason,
		"received", e.received,
		"total", e.total,
		"age", e.lastUpdate.Sub(e.firstSeen),
	)
	a.advance(e.id)
}

// Run consumes chunks from in until ctx is cancelled or in is closed. A
// timer armed for the oldest partial frame's deadline evicts it the moment
// it reaches the frame timeout. On return, chunks still buffered in the
// inbox are discarded along with all partial frames.
func (a *Assembler) Run(ctx context.Context, in <-chan media.Chunk) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var armed time.Time
	rearm := func() {
		e := a.tbl.oldest()
		if e == nil {
			if !armed.IsZero() {
				timer.Stop()
				armed = time.Time{}
			}
			return
		}
		deadline := e.firstSeen.Add(a.cfg.FrameTimeout)
		if deadline.Equal(armed) {
			return
		}
		armed = deadline
		timer.Reset(max(deadline.Sub(a.cfg.Now()), 0))
	}

	for {
		select {
		case <-ctx.Done():
			a.shutdown(in)
			return nil
		case c, ok := <-in:
			if !ok {
				a.shutdown(nil)
				return nil
			}
			a.HandleChunk(c)
		case <-timer.C:
			armed = time.Time{}
			a.Sweep(a.cfg.Now())
		}
		rearm()
	}
}

func (a *Assembler) shutdown(in <-chan media.Chunk) {
	discarded := 0
	if in != nil {
	drain:
		for {
			select {
			case _, ok := <-in:
				if !ok {
					break drain
				}
				discarded++
			default:
				break drain
			}
		}
	}
	partial := a.tbl.clear()
	a.rec.SetIncomplete(0)
	a.log.Info("assembler stopped", "discardedChunks", discarded, "partialFrames", partial)
}

type nopRecorder struct{}

func (nopRecorder) RecordMalformed() {}
func (nopRecorder) RecordCompleted() {}
func (nopRecorder) RecordStale() {}
func (nopRecorder) RecordStaleChunk() {}
func (nopRecorder) RecordTimeout() {}
func (nopRecorder) RecordInvalid() {}
func (nopRecorder) SetIncomplete(int) {}
func (nopRecorder) SetWatermark(uint32) {}
