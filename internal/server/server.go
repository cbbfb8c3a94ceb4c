// Package server exposes a broker.Registry over HTTP: POST /pub publishes a
// message, GET /sub upgrades to a websocket driven by a session.Session.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/casualjim/chanman/internal/broker"
	"github.com/casualjim/chanman/internal/registry"
	"github.com/casualjim/chanman/internal/session"
	"github.com/casualjim/chanman/pkg/slogx"
	"github.com/fogfish/opts"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultPingPeriod      = 30 * time.Second
	defaultWriteWait       = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

type Server struct {
	broker   broker.Registry
	sessions registry.Registry[*session.Session]
	upgrader websocket.Upgrader
	router   *mux.Router
	metrics  *Collector
	gatherer *prometheus.Registry

	logger          *slog.Logger
	pingPeriod      time.Duration
	writeWait       time.Duration
	shutdownTimeout time.Duration

	// sessions run on this context rather than the request's, so shutdown
	// can reach connections net/http no longer tracks after the upgrade.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex // orders closing against wg.Add
	closing bool
	wg      sync.WaitGroup
}

// Option configures a Server.
type Option = opts.Option[Server]

var (
	WithLogger          = opts.ForName[Server, *slog.Logger]("logger")
	WithPingPeriod      = opts.ForName[Server, time.Duration]("pingPeriod")
	WithWriteWait       = opts.ForName[Server, time.Duration]("writeWait")
	WithShutdownTimeout = opts.ForName[Server, time.Duration]("shutdownTimeout")
)

func New(reg broker.Registry, options ...Option) *Server {
	s := &Server{
		broker:          reg,
		sessions:        registry.New[*session.Session](),
		pingPeriod:      defaultPingPeriod,
		writeWait:       defaultWriteWait,
		shutdownTimeout: defaultShutdownTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if err := opts.Apply(s, options); err != nil {
		panic(err)
	}
	if s.logger == nil {
		s.logger = slog.Default().With(slogx.LoggerName("chanman.server"))
	}
	s.metrics = NewMetricsCollector(reg)
	s.gatherer = prometheus.NewRegistry()
	s.gatherer.MustRegister(s.metrics)
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc("/pub", s.handlePublish).Methods(http.MethodPost)
	r.HandleFunc("/sub", s.handleSubscribe).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.router
}

// track registers an in-flight subscriber connection. It reports false once
// Shutdown started.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// Sessions is the number of live websocket sessions.
func (s *Server) Sessions() int {
	return s.sessions.Len()
}

// ListenAndServe listens on addr and serves until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or the listener
// fails. Either way every session is closed before Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()
	s.logger.Info("serving", slog.String("addr", ln.Addr().String()))

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are invisible to http.Server.Shutdown,
	// so sessions are closed first and the plain HTTP side drained after.
	sessErr := s.Shutdown(shutdownCtx)
	httpErr := hs.Shutdown(shutdownCtx)
	if serveErr == nil {
		serveErr = <-errCh
	}
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	return errors.Join(serveErr, sessErr, httpErr)
}

// Shutdown sends every live session a going-away close frame and waits for
// them to unsubscribe, or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.sessions.Each(func(_ string, sess *session.Session) bool {
		sess.GoAway()
		return true
	})
	// Sessions upgraded but not yet in the table stop through baseCtx.
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("server: %d sessions still open: %w", s.sessions.Len(), ctx.Err())
	}
}
