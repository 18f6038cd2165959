package media

import (
	"errors"
	"fmt"
)

// Sentinel errors for malformed chunk datagrams. Callers count these and move
// on; none of them are fatal to the receive loop.
var (
	ErrShortPacket = errors.New("media: datagram shorter than chunk header")
	ErrZeroChunks  = errors.New("media: total_chunks is zero")
	ErrChunkIndex  = errors.New("media: chunk_index out of range")
)

// HeaderError reports a datagram whose header could not be accepted. It wraps
// one of the sentinel errors above so callers can use errors.Is.
type HeaderError struct {
	FrameID uint32
	Len     int
	Err     error
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("media: frame %d (%d bytes): %v", e.FrameID, e.Len, e.Err)
}

func (e *HeaderError) Unwrap() error {
	return e.Err
}
