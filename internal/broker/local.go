package broker

import (
	"context"
	"log/slog"
	"runtime"
	"slices"
	"sync"

	"github.com/casualjim/chanman/pkg/slogx"
	"github.com/fogfish/opts"
	"golang.org/x/sync/errgroup"
)

// defaultParallelFanout is the snapshot size above which Publish spreads
// delivery over several goroutines.
const defaultParallelFanout = 64

var _ Registry = (*localRegistry)(nil)

type localRegistry struct {
	mu     sync.Mutex
	topics map[string]map[string]Deliverable

	logger         *slog.Logger
	parallelFanout int
}

var (
	// WithLogger sets the logger used to report failed deliveries.
	WithLogger = opts.ForName[localRegistry, *slog.Logger]("logger")
	// WithParallelFanout sets the snapshot size above which a publish is
	// fanned out from several goroutines. Zero or less disables parallel
	// fan-out.
	WithParallelFanout = opts.ForName[localRegistry, int]("parallelFanout")
)

// Local creates the in-process registry. It lives for the process lifetime
// and has no teardown.
func Local(options ...opts.Option[localRegistry]) Registry {
	r := &localRegistry{
		topics:         make(map[string]map[string]Deliverable),
		parallelFanout: defaultParallelFanout,
	}
	if err := opts.Apply(r, options); err != nil {
		panic(err)
	}
	if r.logger == nil {
		r.logger = slog.Default().With(slogx.LoggerName("chanman.broker"))
	}
	return r
}

func (r *localRegistry) Subscribe(session, topic string, d Deliverable) error {
	if session == "" {
		return ErrSessionRequired
	}
	if d == nil {
		return ErrDeliverableRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[string]Deliverable)
		r.topics[topic] = subs
	}
	subs[session] = d
	return nil
}

func (r *localRegistry) Unsubscribe(session, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(subs, session)
	if len(subs) == 0 {
		delete(r.topics, topic)
	}
}

type subscriber struct {
	session string
	target  Deliverable
}

func (r *localRegistry) snapshot(topic string) []subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.topics[topic]
	if len(subs) == 0 {
		return nil
	}
	out := make([]subscriber, 0, len(subs))
	for session, d := range subs {
		out = append(out, subscriber{session: session, target: d})
	}
	return out
}

func (r *localRegistry) Publish(ctx context.Context, topic, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	subs := r.snapshot(topic)
	if len(subs) == 0 {
		return nil
	}

	if r.parallelFanout <= 0 || len(subs) <= r.parallelFanout {
		for _, sub := range subs {
			r.deliver(topic, sub, message)
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for chunk := range slices.Chunk(subs, r.parallelFanout) {
		g.Go(func() error {
			for _, sub := range chunk {
				r.deliver(topic, sub, message)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *localRegistry) deliver(topic string, sub subscriber, message string) {
	if err := sub.target.Deliver(message); err != nil {
		r.logger.Debug("dropped message for subscriber",
			slogx.Topic(topic),
			slogx.Session(sub.session),
			slogx.Error(err),
		)
	}
}

func (r *localRegistry) Topics() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.topics))
	for topic, subs := range r.topics {
		out[topic] = len(subs)
	}
	return out
}
