// Package broker implements the topic registry at the heart of chanman: a
// process-wide table mapping topic -> session id -> Deliverable, with
// subscribe, unsubscribe and publish operations.
//
// Design decisions:
//   - One lock: a single mutex guards the whole topic table
//   - Snapshot fan-out: Publish copies the subscriber set under the lock and
//     delivers after releasing it, so every publish sees the set as it was at
//     one instant and a Deliverable may call back into the registry
//   - Replacement, not duplication: subscribing the same session to the same
//     topic twice replaces the Deliverable
//   - Best effort: each subscriber gets exactly one delivery attempt per
//     publish; a failing Deliverable is logged and skipped
//
// Fan-out is unordered across subscribers. No subscriber is guaranteed to see
// a message before or after any other subscriber of the same topic, and large
// snapshots are delivered from several goroutines at once.
//
// Deliverables must not block: Deliver is expected to enqueue and return.
//
// Example usage:
//
//	reg := broker.Local()
//	if err := reg.Subscribe(sessionID, "news", deliverable); err != nil {
//	    return err
//	}
//	defer reg.Unsubscribe(sessionID, "news")
//
//	_ = reg.Publish(ctx, "news", "hello")
package broker
