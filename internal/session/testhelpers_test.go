package session

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casualjim/chanman/internal/broker"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type frame struct {
	typ  int
	data []byte
}

// fakeConn is an in-memory websocket connection. Frames sent by the test
// come out of ReadMessage, frames the session writes are recorded.
type fakeConn struct {
	inbound   chan frame
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32

	// writeGate, when set, holds every WriteMessage until it can receive.
	writeGate chan struct{}

	mu          sync.Mutex
	written     []string
	controls    []int
	closeCodes  []int
	writeErr    error
	pongHandler func(string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan frame, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) sendText(data string) {
	c.inbound <- frame{typ: websocket.TextMessage, data: []byte(data)}
}

func (c *fakeConn) sendBinary(data string) {
	c.inbound <- frame{typ: websocket.BinaryMessage, data: []byte(data)}
}

// hangup simulates the client closing the connection.
func (c *fakeConn) hangup() {
	close(c.inbound)
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.inbound:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return f.typ, f.data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if c.writeGate != nil {
		select {
		case <-c.writeGate:
		case <-c.closed:
			return net.ErrClosed
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return net.ErrClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, string(data))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return net.ErrClosed
	}
	c.controls = append(c.controls, messageType)
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.closeCodes = append(c.closeCodes, int(binary.BigEndian.Uint16(data[:2])))
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pongHandler = h
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeConn) writtenMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *fakeConn) controlFrames() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.controls...)
}

func (c *fakeConn) sentCloseCodes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.closeCodes...)
}

func (c *fakeConn) hasPongHandler() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pongHandler != nil
}

// countingRegistry wraps a real registry and counts unsubscribes.
type countingRegistry struct {
	broker.Registry
	unsubscribes atomic.Int32
}

func newCountingRegistry() *countingRegistry {
	return &countingRegistry{Registry: broker.Local()}
}

func (r *countingRegistry) Unsubscribe(session, topic string) {
	r.unsubscribes.Add(1)
	r.Registry.Unsubscribe(session, topic)
}

func startSession(ctx context.Context, conn Conn, reg Subscriber, options ...Option) (*Session, <-chan error) {
	s := New(conn, reg, options...)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	return s, errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for session to end")
		return nil
	}
}

func waitSubscribed(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == Subscribed }, 2*time.Second, time.Millisecond)
}
