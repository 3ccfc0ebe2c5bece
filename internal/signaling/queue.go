package signaling

import (
	"sync"
	"sync/atomic"
)

// sendQueue is a byte-bounded FIFO of encoded outbound messages.
//
// It decouples broadcasters from slow receivers: Enqueue never blocks, so a
// backed-up connection can never stall another peer's handler loop. A full
// queue means the consumer is too slow; the caller is expected to close that
// connection rather than wait.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	msgs     [][]byte

	drops atomic.Uint64
}

func newSendQueue(maxBytes int) *sendQueue {
	q := &sendQueue{maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends msg if it fits within the byte budget. It never blocks.
func (q *sendQueue) Enqueue(msg []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(msg) > q.maxBytes || q.curBytes+len(msg) > q.maxBytes {
		q.drops.Add(1)
		return false
	}

	q.msgs = append(q.msgs, msg)
	q.curBytes += len(msg)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a message is available or the queue is closed.
func (q *sendQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.msgs) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.msgs) == 0 {
		return nil, false
	}
	msg := q.msgs[0]
	copy(q.msgs, q.msgs[1:])
	q.msgs[len(q.msgs)-1] = nil
	q.msgs = q.msgs[:len(q.msgs)-1]
	q.curBytes -= len(msg)
	return msg, true
}

func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	for i := range q.msgs {
		q.msgs[i] = nil
	}
	q.msgs = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
