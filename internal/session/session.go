package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/chanman/internal/broker"
	"github.com/casualjim/chanman/pkg/slogx"
	"github.com/casualjim/chanman/pkg/uuidx"
	"github.com/fogfish/opts"
	"github.com/gorilla/websocket"
)

const defaultWriteWait = 10 * time.Second

var (
	// ErrNoTopic is returned by Run when the first frame does not name a topic.
	ErrNoTopic = errors.New("session: first message did not name a topic")
	// ErrClosed is returned by Deliver after the session closed.
	ErrClosed = errors.New("session: closed")
)

// State is a session's position in its lifecycle.
type State int32

const (
	Connecting State = iota
	AwaitingTopic
	Subscribed
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case AwaitingTopic:
		return "awaiting-topic"
	case Subscribed:
		return "subscribed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Subscriber is the part of broker.Registry a session needs.
type Subscriber interface {
	Subscribe(session, topic string, d broker.Deliverable) error
	Unsubscribe(session, topic string)
}

var _ broker.Deliverable = (*Session)(nil)

// Session is one subscriber connection.
type Session struct {
	id         string
	conn       Conn
	registry   Subscriber
	logger     *slog.Logger
	pingPeriod time.Duration
	writeWait  time.Duration

	state  atomic.Int32
	outbox *outbox
	done   chan struct{}

	mu    sync.Mutex // guards topic and the AwaitingTopic -> Subscribed step
	topic string

	closeOnce sync.Once
}

// Option configures a Session.
type Option = opts.Option[Session]

var (
	// WithID overrides the generated session id.
	WithID = opts.ForName[Session, string]("id")
	// WithLogger sets the parent logger; the session adds its id to it.
	WithLogger = opts.ForName[Session, *slog.Logger]("logger")
	// WithPingPeriod enables websocket pings at the given interval. A peer
	// that misses pongs for a little longer than that is dropped.
	WithPingPeriod = opts.ForName[Session, time.Duration]("pingPeriod")
	// WithWriteWait bounds every frame write. Zero means no deadline.
	WithWriteWait = opts.ForName[Session, time.Duration]("writeWait")
)

// New wraps an upgraded connection. The session stays in Connecting until
// Run is called.
func New(conn Conn, registry Subscriber, options ...Option) *Session {
	s := &Session{
		id:        uuidx.NewString(),
		conn:      conn,
		registry:  registry,
		writeWait: defaultWriteWait,
		outbox:    newOutbox(),
		done:      make(chan struct{}),
	}
	if err := opts.Apply(s, options); err != nil {
		panic(err)
	}
	if s.logger == nil {
		s.logger = slog.Default().With(slogx.LoggerName("chanman.session"))
	}
	s.logger = s.logger.With(slogx.Session(s.id))
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Topic returns the subscribed topic, or "" before the session subscribed.
func (s *Session) Topic() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topic
}

// Pending is the number of messages queued but not yet written.
func (s *Session) Pending() int {
	return s.outbox.Len()
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Deliver queues message for the writer goroutine. It never blocks.
func (s *Session) Deliver(message string) error {
	return s.outbox.Push(message)
}

// Run drives the session until it closes. It returns ErrNoTopic (wrapped)
// when the client never named a topic, and nil for every ending after a
// successful subscribe. Cancelling ctx closes the session. Run returns only
// after the writer goroutine exited and the broker registration is gone.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.GoAway)
	defer stop()
	defer s.Close()

	if !s.state.CompareAndSwap(int32(Connecting), int32(AwaitingTopic)) {
		return ErrClosed
	}

	topic, err := s.awaitTopic()
	if err != nil {
		s.logger.Debug("closing session without topic", slogx.Error(err))
		return err
	}
	if err := s.subscribe(topic); err != nil {
		return err
	}
	s.logger.Debug("session subscribed", slogx.Topic(topic))

	if s.pingPeriod > 0 {
		pongWait := s.pingPeriod * 10 / 8
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()

	s.readLoop(topic)
	s.Close()
	wg.Wait()

	s.logger.Debug("session terminated", slogx.Topic(topic))
	return nil
}

func (s *Session) awaitTopic() (string, error) {
	typ, data, err := s.conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoTopic, err)
	}
	if typ != websocket.TextMessage {
		return "", fmt.Errorf("%w: first frame is not text", ErrNoTopic)
	}
	return parseSubscribe(data)
}

func (s *Session) subscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != AwaitingTopic {
		return ErrClosed
	}
	if err := s.registry.Subscribe(s.id, topic, s); err != nil {
		return fmt.Errorf("session: subscribe to %q: %w", topic, err)
	}
	s.topic = topic
	s.state.Store(int32(Subscribed))
	return nil
}

func (s *Session) readLoop(topic string) {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() != Closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("session read failed", slogx.Error(err))
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		if isUnsubscribe(data, topic) {
			s.logger.Debug("client unsubscribed", slogx.Topic(topic))
			s.writeClose(websocket.CloseNormalClosure)
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer s.Close()

	var ping <-chan time.Time
	if s.pingPeriod > 0 {
		ticker := time.NewTicker(s.pingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-s.done:
			return
		case <-s.outbox.Ready():
			for {
				message, ok := s.outbox.Pop()
				if !ok {
					break
				}
				if err := s.write(message); err != nil {
					s.logger.Debug("session write failed", slogx.Error(err))
					return
				}
			}
		case <-ping:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, s.deadline()); err != nil {
				s.logger.Debug("session ping failed", slogx.Error(err))
				return
			}
		}
	}
}

func (s *Session) write(message string) error {
	if s.writeWait > 0 {
		if err := s.conn.SetWriteDeadline(s.deadline()); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(message))
}

func (s *Session) writeClose(code int) {
	msg := websocket.FormatCloseMessage(code, "")
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, s.deadline()); err != nil {
		s.logger.Debug("session close frame failed", slogx.Error(err))
	}
}

func (s *Session) deadline() time.Time {
	if s.writeWait <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.writeWait)
}

// GoAway sends the client a going-away close frame and closes the session.
// It does nothing once the session is closed.
func (s *Session) GoAway() {
	state := s.State()
	if state == Closed {
		return
	}
	s.logger.Debug("session going away", slogx.Stringer("state", state))
	s.writeClose(websocket.CloseGoingAway)
	s.Close()
}

// Close tears the session down. It is safe to call from any goroutine and
// any number of times; only the first call does anything. If the session
// had subscribed, the broker registration is removed exactly once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := State(s.state.Swap(int32(Closed)))
		topic := s.topic
		s.mu.Unlock()

		close(s.done)
		s.outbox.Close()
		if prev == Subscribed {
			s.registry.Unsubscribe(s.id, topic)
		}
		if cerr := s.conn.Close(); cerr != nil {
			err = cerr
		}
	})
	return err
}
