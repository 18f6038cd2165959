package ingest

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/framebridge/internal/media"
)

// Recorder receives pipeline-wide receive counters.
type Recorder interface {
	RecordPacket(n int)
	RecordMalformed()
	RecordInboxDrop()
}

// Dispatcher parses datagrams and forwards chunks to the assembler inbox.
// It is safe for concurrent use by several receive loops.
type Dispatcher struct {
	log *slog.Logger
	out chan<- media.Chunk
	rec Recorder
	now func() time.Time

	warnMalformed rate.Sometimes
	warnFull      rate.Sometimes
}

// NewDispatcher creates a Dispatcher sending to out. rec may be nil.
func NewDispatcher(out chan<- media.Chunk, rec Recorder, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Dispatcher{
		log:           log.With("component", "dispatch"),
		out:           out,
		rec:           rec,
		now:           time.Now,
		warnMalformed: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		warnFull:      rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Dispatch handles one datagram read from src. Malformed datagrams are
// counted and returned as an error; a full inbox drops the chunk. Dispatch
// never blocks.
func (d *Dispatcher) Dispatch(src *Source, dgram []byte) error {
	now := d.now()
	d.rec.RecordPacket(len(dgram))
	if src != nil {
		src.RecordRead(len(dgram), now)
	}

	c, err := media.ParseChunk(dgram, now)
	if err != nil {
		d.rec.RecordMalformed()
		if src != nil {
			src.malformed.Add(1)
		}
		d.warnMalformed.Do(func() {
			d.log.Warn("malformed datagram", "source", sourceKey(src), "error", err)
		})
		return err
	}

	select {
	case d.out <- c:
	default:
		d.rec.RecordInboxDrop()
		if src != nil {
			src.dropped.Add(1)
		}
		d.warnFull.Do(func() {
			d.log.Warn("assembler inbox full, dropping chunks", "source", sourceKey(src))
		})
	}
	return nil
}

func sourceKey(src *Source) string {
	if src == nil {
		return ""
	}
	return src.Key
}

type nopRecorder struct{}

func (nopRecorder) RecordPacket(int) {}
func (nopRecorder) RecordMalformed() {}
func (nopRecorder) RecordInboxDrop() {}
