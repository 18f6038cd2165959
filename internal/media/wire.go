package media

import (
	"encoding/binary"
	"time"
)

// HeaderSize is the fixed chunk header length:
//
//	frame_id     uint32 big-endian
//	chunk_index  uint16 big-endian
//	total_chunks uint16 big-endian
const HeaderSize = 8

// ParseChunk decodes a chunk datagram. The payload is copied so the caller
// may reuse buf for the next read.
func ParseChunk(buf []byte, arrivedAt time.Time) (Chunk, error) {
	if len(buf) < HeaderSize {
		return Chunk{}, &HeaderError{Len: len(buf), Err: ErrShortPacket}
	}

	c := Chunk{
		FrameID:   binary.BigEndian.Uint32(buf[0:4]),
		Index:     binary.BigEndian.Uint16(buf[4:6]),
		Total:     binary.BigEndian.Uint16(buf[6:8]),
		ArrivedAt: arrivedAt,
	}
	if c.Total == 0 {
		return Chunk{}, &HeaderError{FrameID: c.FrameID, Len: len(buf), Err: ErrZeroChunks}
	}
	if c.Index >= c.Total {
		return Chunk{}, &HeaderError{FrameID: c.FrameID, Len: len(buf), Err: ErrChunkIndex}
	}

	c.Payload = make([]byte, len(buf)-HeaderSize)
	copy(c.Payload, buf[HeaderSize:])
	return c, nil
}

// AppendChunk appends the wire encoding of a chunk header and payload to dst.
func AppendChunk(dst []byte, frameID uint32, index, total uint16, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, frameID)
	dst = binary.BigEndian.AppendUint16(dst, index)
	dst = binary.BigEndian.AppendUint16(dst, total)
	return append(dst, payload...)
}

// Split cuts a frame into wire datagrams of at most limit payload bytes each.
// It returns nil if the frame would need more than 65535 chunks.
func Split(frameID uint32, data []byte, limit int) [][]byte {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	n := (len(data) + limit - 1) / limit
	if n == 0 {
		n = 1
	}
	if n > 0xFFFF {
		return nil
	}

	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		start := i * limit
		end := min(start+limit, len(data))
		dgram := make([]byte, 0, HeaderSize+end-start)
		out = append(out, AppendChunk(dgram, frameID, uint16(i), uint16(n), data[start:end]))
	}
	return out
}
