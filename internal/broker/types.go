package broker

import (
	"context"
	"errors"
)

var (
	// ErrSessionRequired is returned by Subscribe when the session id is empty.
	ErrSessionRequired = errors.New("broker: session id is required")
	// ErrDeliverableRequired is returned by Subscribe when the deliverable is nil.
	ErrDeliverableRequired = errors.New("broker: deliverable is required")
)

// Deliverable accepts one published message on behalf of a session.
// Deliver must not block: it enqueues and returns. It should not call back
// into the Registry either; Local tolerates it, other implementations may not.
// A non-nil error means the deliverable no longer accepts messages.
type Deliverable interface {
	Deliver(message string) error
}

type Registry interface {
	// Subscribe registers d for (session, topic), replacing any deliverable
	// already registered under the same pair.
	Subscribe(session, topic string, d Deliverable) error
	// Unsubscribe removes the (session, topic) registration. Unknown pairs
	// are ignored.
	Unsubscribe(session, topic string)
	// Publish delivers message to every subscriber of topic as observed at
	// a single instant. Publishing to a topic without subscribers succeeds.
	Publish(ctx context.Context, topic, message string) error
	// Topics returns the subscriber count of every non-empty topic.
	Topics() map[string]int
}
