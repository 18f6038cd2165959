// Package media defines the chunk and frame types that flow through the
// bridge, from datagram parsing through reassembly to the encoder feeder.
package media

import "time"

// Channel and queue sizes used when a caller does not configure its own.
// The inbox absorbs a burst of roughly one second of 1080p MJPEG chunks;
// the output queue holds ~2.5 seconds at 20 fps.
const (
	DefaultInboxSize  = 4096
	DefaultQueueSize  = 50
	MaxDatagramSize   = 65507
	DefaultChunkLimit = 1400
)

// Chunk is one datagram's worth of a frame: a contiguous byte range plus its
// position within the frame. Chunks are ephemeral and consumed by the
// assembler as soon as they arrive.
type Chunk struct {
	FrameID   uint32
	Index     uint16
	Total     uint16
	Payload   []byte
	ArrivedAt time.Time
}

// Frame is a fully reassembled frame. Data is the exact ordered concatenation
// of chunk payloads 0..Total-1. A Frame is moved between stages, never copied.
type Frame struct {
	ID          uint32
	Data        []byte
	Chunks      int
	FirstSeen   time.Time
	CompletedAt time.Time
}

// Age returns how long the frame took from its first chunk to completion.
func (f Frame) Age() time.Duration {
	return f.CompletedAt.Sub(f.FirstSeen)
}

// jpegSOI is the start-of-image marker every JPEG begins with.
var jpegSOI = [2]byte{0xFF, 0xD8}

// IsJPEG reports whether data starts with a JPEG start-of-image marker.
func IsJPEG(data []byte) bool {
	return len(data) >= 2 && data[0] == jpegSOI[0] && data[1] == jpegSOI[1]
}
