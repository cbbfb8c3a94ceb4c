package broker

import (
	"errors"
	"sync"
)

var errRecorderClosed = errors.New("recorder closed")

// recordingDeliverable collects every message handed to it.
type recordingDeliverable struct {
	mu        sync.Mutex
	messages  []string
	closed    bool
	wg        *sync.WaitGroup
	onDeliver func(message string)
}

func newRecorder() *recordingDeliverable {
	return &recordingDeliverable{}
}

func (r *recordingDeliverable) Deliver(message string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errRecorderClosed
	}
	r.messages = append(r.messages, message)
	hook := r.onDeliver
	r.mu.Unlock()

	if hook != nil {
		hook(message)
	}
	if r.wg != nil {
		r.wg.Done()
	}
	return nil
}

func (r *recordingDeliverable) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recordingDeliverable) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}
