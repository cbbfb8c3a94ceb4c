package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/casualjim/chanman/internal/broker"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, broker.Registry, *httptest.Server) {
	t.Helper()
	reg := broker.Local(broker.WithLogger(quietLogger()))
	srv := New(reg, WithLogger(quietLogger()), WithPingPeriod(0), WithWriteWait(time.Second))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
		ts.Close()
	})
	return srv, reg, ts
}

func wsURL(base string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/sub"
}

func dial(t *testing.T, base string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(base), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func subscribe(t *testing.T, reg broker.Registry, base, topic string) *websocket.Conn {
	t.Helper()
	before := reg.Topics()[topic]
	conn := dial(t, base)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"subscribe":"`+topic+`"}`)))
	require.Eventually(t, func() bool {
		return reg.Topics()[topic] == before+1
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func publish(t *testing.T, base string, body string) (int, response) {
	t.Helper()
	resp, err := http.Post(base+"/pub", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func publishMessage(t *testing.T, base, topic, message string) {
	t.Helper()
	body, err := json.Marshal(map[string]string{"topic": topic, "message": message})
	require.NoError(t, err)
	status, out := publish(t, base, string(body))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Ok", out.Message)
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, typ)
	return string(data)
}

func TestPublish(t *testing.T) {
	t.Run("without subscribers", func(t *testing.T) {
		_, _, ts := newTestServer(t)
		status, out := publish(t, ts.URL, `{"topic":"empty-topic","message":"x"}`)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "Ok", out.Message)
	})

	t.Run("rejects invalid payloads", func(t *testing.T) {
		_, _, ts := newTestServer(t)
		for _, body := range []string{`not json`, `{"topic":"news"}`, `{"message":"hi"}`, `{"topic":1,"message":"hi"}`} {
			status, out := publish(t, ts.URL, body)
			assert.Equal(t, http.StatusBadRequest, status, body)
			assert.NotEmpty(t, out.Message, body)
		}
	})

	t.Run("only accepts POST", func(t *testing.T) {
		_, _, ts := newTestServer(t)
		resp, err := http.Get(ts.URL + "/pub")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestSubscribeReceivesPublishedMessages(t *testing.T) {
	_, reg, ts := newTestServer(t)
	conn := subscribe(t, reg, ts.URL, "news")

	publishMessage(t, ts.URL, "sports", "not for you")
	publishMessage(t, ts.URL, "news", "hi")
	publishMessage(t, ts.URL, "news", `{"raw":"payload"}`)

	assert.Equal(t, "hi", readText(t, conn))
	assert.Equal(t, `{"raw":"payload"}`, readText(t, conn), "messages are forwarded without an envelope")
}

func TestEverySubscriberReceives(t *testing.T) {
	_, reg, ts := newTestServer(t)
	first := subscribe(t, reg, ts.URL, "news")
	second := subscribe(t, reg, ts.URL, "news")

	publishMessage(t, ts.URL, "news", "hi")

	assert.Equal(t, "hi", readText(t, first))
	assert.Equal(t, "hi", readText(t, second))
}

func TestUnsubscribeEndsStream(t *testing.T) {
	srv, reg, ts := newTestServer(t)
	conn := subscribe(t, reg, ts.URL, "news")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"unsubscribe":"news"}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	require.Eventually(t, func() bool {
		return len(reg.Topics()) == 0 && srv.Sessions() == 0
	}, 2*time.Second, 5*time.Millisecond)

	publishMessage(t, ts.URL, "news", "y")
}

func TestMalformedFirstMessageClosesConnection(t *testing.T) {
	srv, reg, ts := newTestServer(t)
	conn := dial(t, ts.URL)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`hello`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Empty(t, reg.Topics())
	require.Eventually(t, func() bool { return srv.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestClientDisconnectUnsubscribes(t *testing.T) {
	srv, reg, ts := newTestServer(t)
	conn := subscribe(t, reg, ts.URL, "news")
	assert.Equal(t, 1, srv.Sessions())

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return len(reg.Topics()) == 0 && srv.Sessions() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStats(t *testing.T) {
	_, reg, ts := newTestServer(t)
	subscribe(t, reg, ts.URL, "news")
	subscribe(t, reg, ts.URL, "news")
	subscribe(t, reg, ts.URL, "sports")

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats statsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 3, stats.Sessions)
	assert.Equal(t, map[string]int{"news": 2, "sports": 1}, stats.Topics)
}

func TestHealth(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"message":"Ok"}`, string(body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestShutdownClosesSessions(t *testing.T) {
	srv, reg, ts := newTestServer(t)
	conn := subscribe(t, reg, ts.URL, "news")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	assert.Empty(t, reg.Topics())
	assert.Zero(t, srv.Sessions())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	reg := broker.Local(broker.WithLogger(quietLogger()))
	srv := New(reg, WithLogger(quietLogger()), WithPingPeriod(0), WithShutdownTimeout(2*time.Second))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	conn := subscribe(t, reg, base, "news")
	publishMessage(t, base, "news", "before shutdown")
	assert.Equal(t, "before shutdown", readText(t, conn))

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.Empty(t, reg.Topics())
}

func TestLogRequests(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	srv := New(broker.Local(broker.WithLogger(quietLogger())), WithLogger(logger))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	out := buf.String()
	assert.Contains(t, out, "path=/healthz")
	assert.Contains(t, out, "status=200")
}
