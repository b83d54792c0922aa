package memory

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// queue is the FIFO buffer of one address. Receivers of the address compete
// for its messages; each message is handed to one receiver at a time.
type queue struct {
	mu      sync.Mutex
	pending []*message.Message
	ready   chan struct{}
	closed  bool
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{})}
}

// fill moves messages from the channel subscription into the buffer and acks
// them, which releases the blocked publisher.
func (q *queue) fill(messages <-chan *message.Message) {
	for msg := range messages {
		q.push(msg.Copy(), false)
		msg.Ack()
	}
	q.close()
}

func (q *queue) push(msg *message.Message, front bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if front {
		q.pending = append([]*message.Message{msg}, q.pending...)
	} else {
		q.pending = append(q.pending, msg)
	}
	q.signal()
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.signal()
}

// signal wakes every waiting receiver. Callers hold mu.
func (q *queue) signal() {
	close(q.ready)
	q.ready = make(chan struct{})
}

// pop blocks until a message is available, the buffer closes or ctx ends.
func (q *queue) pop(ctx context.Context) (*message.Message, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			msg := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return msg, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// serve feeds one receiver until ctx ends. The next message is taken only
// after the previous one is acked; a nacked message goes back to the head of
// the buffer.
func (q *queue) serve(ctx context.Context, out chan<- *message.Message) {
	defer close(out)
	for {
		msg, ok := q.pop(ctx)
		if !ok {
			return
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			q.push(msg, true)
			return
		}

		select {
		case <-msg.Acked():
		case <-msg.Nacked():
			q.push(msg.Copy(), true)
		case <-ctx.Done():
			return
		}
	}
}

func (q *queue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
