package protocol

import (
	"errors"
	"sync"

	"github.com/luciancaetano/skillbridge/message"
)

// ErrQueueFull is returned by SendQueue.Push when the queue is at its limit.
var ErrQueueFull = errors.New("protocol: send queue full")

// SendQueue is a FIFO of outbound envelopes plus the frame currently being
// written. Producers may Push from any goroutine; a single consumer drives
// Next and Advance.
//
// The head envelope stays queued until its frame has been completely
// written, so a partially sent frame is resumed from its offset on the next
// write opportunity.
type SendQueue struct {
	mu      sync.Mutex
	pending []*message.Envelope
	limit   int

	frame  []byte
	offset int
	packed bool
}

// NewSendQueue creates a queue holding at most limit envelopes. A limit <= 0
// means unbounded.
func NewSendQueue(limit int) *SendQueue {
	return &SendQueue{limit: limit}
}

// Push appends env to the queue.
func (q *SendQueue) Push(env *message.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit > 0 && len(q.pending) >= q.limit {
		return ErrQueueFull
	}
	q.pending = append(q.pending, env)
	return nil
}

// Len returns the number of queued envelopes, including the one in flight.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight reports whether a frame has been packed but not fully written.
func (q *SendQueue) InFlight() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.packed
}

// Next returns the unwritten bytes of the head frame, packing the head
// envelope first if needed. It returns nil when nothing is queued. An
// envelope that cannot be packed is dropped and its error returned.
func (q *SendQueue) Next() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.packed {
		return q.frame[q.offset:], nil
	}
	if len(q.pending) == 0 {
		return nil, nil
	}

	frame, err := AppendFrame(q.frame[:0], q.pending[0])
	if err != nil {
		q.popLocked()
		return nil, err
	}
	q.frame = frame
	q.offset = 0
	q.packed = true
	return q.frame, nil
}

// Advance records that n more bytes of the head frame were written. Once the
// frame is complete the head envelope is dequeued and Advance returns the
// frame's length; otherwise it returns 0.
func (q *SendQueue) Advance(n int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.packed {
		return 0
	}
	q.offset += n
	if q.offset < len(q.frame) {
		return 0
	}
	size := len(q.frame)
	q.popLocked()
	return size
}

// Reset drops every queued envelope and the in-flight frame.
func (q *SendQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	clear(q.pending)
	q.pending = q.pending[:0]
	q.frame = q.frame[:0]
	q.offset = 0
	q.packed = false
}

func (q *SendQueue) popLocked() {
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.frame = q.frame[:0]
	q.offset = 0
	q.packed = false
}
