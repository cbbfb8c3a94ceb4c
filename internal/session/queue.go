package session

import "sync"

// outbox is the session's outbound FIFO. Push never blocks and never
// rejects while the outbox is open, so a client that reads slower than its
// topic is published to grows this queue without limit. Pending exposes the
// backlog for anyone who wants to watch for that.
type outbox struct {
	mu     sync.Mutex
	items  []string
	closed bool
	ready  chan struct{}
}

func newOutbox() *outbox {
	return &outbox{ready: make(chan struct{}, 1)}
}

// Push appends message. It returns ErrClosed once the outbox is closed.
func (o *outbox) Push(message string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.items = append(o.items, message)
	o.mu.Unlock()

	o.signal()
	return nil
}

// Pop removes the oldest message. ok is false when the outbox is empty or
// closed; messages left in a closed outbox are dropped.
func (o *outbox) Pop() (message string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || len(o.items) == 0 {
		return "", false
	}
	message = o.items[0]
	o.items[0] = ""
	o.items = o.items[1:]
	if len(o.items) == 0 {
		o.items = nil
	}
	return message, true
}

// Ready fires after a Push or Close. Several pushes may collapse into one
// signal, so the consumer drains with Pop until it reports empty.
func (o *outbox) Ready() <-chan struct{} {
	return o.ready
}

func (o *outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.items = nil
	o.mu.Unlock()

	o.signal()
}

func (o *outbox) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}
