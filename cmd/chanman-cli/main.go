package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/casualjim/chanman/pkg/slogx"
	"github.com/fatih/color"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	_ "github.com/joho/godotenv/autoload"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/tidwall/sjson"
)

var log zerolog.Logger

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	log = zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: slog.LevelWarn}),
	))
}

const usage = `usage:
  chanman-cli [--server URL] pub <topic> <message>
  chanman-cli [--server URL] sub <topic>`

func main() {
	fs := pflag.NewFlagSet("chanman-cli", pflag.ExitOnError)
	server := fs.String("server", envStrOrDefault("CHANMAN_SERVER", "http://127.0.0.1:8080"), "base URL of the chanman server")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *server, fs.Args(), os.Stdout); err != nil {
		slog.Error("chanman-cli failed", slogx.Error(err))
		os.Exit(1)
	}
}

func envStrOrDefault(key string, def string) string {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	return s
}

func run(ctx context.Context, server string, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	switch args[0] {
	case "pub":
		if len(args) != 3 {
			return errors.New(usage)
		}
		return publish(ctx, server, args[1], args[2], out)
	case "sub":
		if len(args) != 2 {
			return errors.New(usage)
		}
		return subscribe(ctx, server, args[1], out)
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

type publishRequest struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

type response struct {
	Message string `json:"message"`
}

func publish(ctx context.Context, server, topic, message string, out io.Writer) error {
	body, err := json.Marshal(publishRequest{Topic: topic, Message: message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(server, "/")+"/pub", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	defer resp.Body.Close()

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("publish: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("publish: %s: %s", resp.Status, r.Message)
	}
	fmt.Fprintf(out, "%s %s\n", color.GreenString(r.Message), color.CyanString(topic))
	return nil
}

// subscribeURL turns the server's http(s) base URL into the /sub websocket URL.
func subscribeURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/sub"
	return u.String(), nil
}

func controlFrame(field, topic string) ([]byte, error) {
	return sjson.SetBytes([]byte(`{}`), field, topic)
}

func subscribe(ctx context.Context, server, topic string, out io.Writer) error {
	target, err := subscribeURL(server)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("subscribe: dial %s: %w", target, err)
	}
	defer conn.Close()

	frame, err := controlFrame("subscribe", topic)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	fmt.Fprintf(out, "%s %s\n", color.YellowString("subscribed to"), color.CyanString(topic))

	// On interrupt ask the server to end the stream; the read loop then
	// sees its close frame.
	stop := context.AfterFunc(ctx, func() {
		if frame, err := controlFrame("unsubscribe", topic); err == nil {
			_ = conn.WriteMessage(websocket.TextMessage, frame)
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("subscribe: %w", err)
		}
		fmt.Fprintf(out, "%s %s\n", color.CyanString(topic), string(data))
	}
}
