package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casualjim/chanman/internal/broker"
	"github.com/casualjim/chanman/internal/config"
	"github.com/casualjim/chanman/internal/server"
	"github.com/casualjim/chanman/pkg/slogx"
	_ "github.com/joho/godotenv/autoload"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var log zerolog.Logger

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	log = zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: slog.LevelInfo}),
	))
}

func main() {
	fs := pflag.NewFlagSet("chanman", pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mainE(ctx, fs); err != nil {
		slog.Error("chanman failed", slogx.Error(err))
		os.Exit(1)
	}
}

func mainE(ctx context.Context, fs *pflag.FlagSet) error {
	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: level}),
	))

	reg := broker.Local(broker.WithParallelFanout(cfg.ParallelFanout))
	srv := server.New(reg,
		server.WithPingPeriod(cfg.PingPeriod),
		server.WithWriteWait(cfg.WriteWait),
		server.WithShutdownTimeout(cfg.ShutdownTimeout),
	)

	slog.Info("starting chanman", slog.String("addr", cfg.Addr), slog.String("log_level", level.String()))
	if err := srv.ListenAndServe(ctx, cfg.Addr); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	slog.Info("chanman stopped")
	return nil
}
