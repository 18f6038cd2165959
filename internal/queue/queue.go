// Package queue provides the bounded hand-off buffer between the frame
// assembler and the encoder supervisor.
package queue

import (
	"fmt"
	"sync"

	"github.com/zsiec/framebridge/internal/media"
)

// Policy selects which frame is discarded when a push finds the queue full.
type Policy int

const (
	// DropOldest evicts the head of the queue to admit the new frame.
	DropOldest Policy = iota
	// DropNewest discards the incoming frame.
	DropNewest
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses a policy name as accepted by configuration.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "drop-oldest", "oldest":
		return DropOldest, nil
	case "drop-newest", "newest":
		return DropNewest, nil
	}
	return 0, fmt.Errorf("unknown queue policy %q", s)
}

// Recorder receives queue counters.
type Recorder interface {
	RecordQueueDrop()
	SetQueueDepth(n int)
}

// Queue is a fixed-capacity FIFO of completed frames. Push never blocks;
// consumers wait on Ready and then Pop until empty.
type Queue struct {
	policy Policy
	rec    Recorder
	ready  chan struct{}

	// mu guards buf, head and n
	mu   sync.Mutex
	buf  []media.Frame
	head int
	n    int
}

// New creates a queue holding at most capacity frames. rec may be nil.
func New(capacity int, policy Policy, rec Recorder) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		policy: policy,
		rec:    rec,
		ready:  make(chan struct{}, 1),
		buf:    make([]media.Frame, capacity),
	}
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Push enqueues f. If the queue is full, one frame is discarded according to
// the policy and counted. It reports whether f itself was admitted.
func (q *Queue) Push(f media.Frame) bool {
	q.mu.Lock()
	admitted := true
	dropped := false
	if q.n == len(q.buf) {
		dropped = true
		if q.policy == DropNewest {
			admitted = false
		} else {
			q.buf[q.head] = media.Frame{}
			q.head = (q.head + 1) % len(q.buf)
			q.n--
		}
	}
	if admitted {
		q.buf[(q.head+q.n)%len(q.buf)] = f
		q.n++
	}
	depth := q.n
	q.mu.Unlock()

	if q.rec != nil {
		if dropped {
			q.rec.RecordQueueDrop()
		}
		q.rec.SetQueueDepth(depth)
	}
	if admitted {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return admitted
}

// Pop removes and returns the oldest frame. ok is false if the queue is empty.
func (q *Queue) Pop() (f media.Frame, ok bool) {
	q.mu.Lock()
	if q.n == 0 {
		q.mu.Unlock()
		return media.Frame{}, false
	}
	f = q.buf[q.head]
	q.buf[q.head] = media.Frame{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	depth := q.n
	q.mu.Unlock()

	if q.rec != nil {
		q.rec.SetQueueDepth(depth)
	}
	return f, true
}

// Ready is signalled after a push admits a frame. A single signal may cover
// several frames, so receivers should Pop until empty.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Drain removes and returns every queued frame in FIFO order.
func (q *Queue) Drain() []media.Frame {
	q.mu.Lock()
	out := make([]media.Frame, 0, q.n)
	for q.n > 0 {
		out = append(out, q.buf[q.head])
		q.buf[q.head] = media.Frame{}
		q.head = (q.head + 1) % len(q.buf)
		q.n--
	}
	q.mu.Unlock()

	if q.rec != nil {
		q.rec.SetQueueDepth(0)
	}
	return out
}
