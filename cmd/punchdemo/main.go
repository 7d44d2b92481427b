package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nvidia/nvremote/punchcore/internal/signaling"
	"github.com/nvidia/nvremote/punchcore/punch"
)

func main() {
	var configPath = flag.String("config", "", "path to config file (default: ./punchdemo.yaml)")
	flag.Parse()

	initLogger("info")

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("punchdemo exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config) error {
	consoleUIDBytes, err := hex.DecodeString(cfg.ConsoleUID)
	if err != nil || len(consoleUIDBytes) != 32 {
		return fmt.Errorf("console_uid must decode to 32 bytes: %w", err)
	}
	var consoleUID [32]byte
	copy(consoleUID[:], consoleUIDBytes)

	logger := slog.Default()

	session, err := punch.NewSession(cfg.Token, cfg.BaseURL, cfg.StunServers, logger)
	if err != nil {
		return fmt.Errorf("initializing session: %w", err)
	}
	defer session.Close()

	if err := session.Create(ctx); err != nil {
		return fmt.Errorf("create_session: %w", err)
	}
	slog.Info("session created")

	if err := session.Start(ctx, consoleUID, signaling.Family(cfg.Family)); err != nil {
		return fmt.Errorf("start_session: %w", err)
	}
	slog.Info("session started, console joined")

	ctrlConn, err := session.PunchHole(ctx, punch.ChannelCtrl)
	if err != nil {
		return fmt.Errorf("punch_hole(CTRL): %w", err)
	}
	defer ctrlConn.Close()
	slog.Info("control channel established", "localAddr", ctrlConn.LocalAddr())

	dataConn, err := session.PunchHole(ctx, punch.ChannelData)
	if err != nil {
		return fmt.Errorf("punch_hole(DATA): %w", err)
	}
	defer dataConn.Close()
	slog.Info("data channel established", "localAddr", dataConn.LocalAddr())

	<-ctx.Done()
	return nil
}

func initLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
