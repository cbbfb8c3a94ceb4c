// Package session drives one subscriber's websocket connection through its
// lifecycle:
//
//	Connecting -> AwaitingTopic -> Subscribed -> Closed
//
// The first frame a client sends must be {"subscribe":"<topic>"}; anything
// else closes the connection without touching the broker. Once subscribed,
// the session registers itself as the topic's Deliverable and runs two
// goroutines joined by an unbounded FIFO queue: the caller of Run reads
// control frames, a writer goroutine drains the queue to the socket.
//
// Whichever side notices termination first (an {"unsubscribe":"<topic>"}
// frame, a transport close, a failed write or a cancelled context) calls
// Close, which is idempotent and unsubscribes from the broker exactly once.
package session
