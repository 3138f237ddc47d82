package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/routinely/routinely/internal/agent"
	"github.com/routinely/routinely/internal/channel"
	"github.com/routinely/routinely/internal/config"
	"github.com/routinely/routinely/internal/consts"
	"github.com/routinely/routinely/internal/pkg/logs"
	"github.com/routinely/routinely/internal/scheduler"
	"github.com/routinely/routinely/internal/store"
)

var serveHwd = &ServeRunner{}

type ServeRunner struct{}

func (r *ServeRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the scheduler runtime until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "config file path"},
		},
		Action: r.run,
	}
}

func (r *ServeRunner) run(ctx context.Context, cmd *cli.Command) error {
	cfgPath := cmd.String("config")
	if cfgPath == "" {
		cfgPath = consts.DefaultConfigPath()
	}
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		fmt.Println("Routinely is not configured yet. Run \"routinely init\" to get started.")
		return nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config error: %w", err)
	}
	if err = initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("init logger error: %w", err)
	}

	logs.CtxInfo(ctx, "booting routinely runtime, using config file: %s...", cfgPath)

	if cfg.Agent.Command == "" {
		return fmt.Errorf("agent.command is not configured")
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	ag := agent.NewCommand(cfg.Agent.Command, cfg.Agent.Args, time.Duration(cfg.Agent.TimeoutSec)*time.Second)
	if !ag.Available() {
		logs.CtxWarn(ctx, "agent command %q not found on PATH, executions will fail until it is installed", cfg.Agent.Command)
	}

	rt := scheduler.New(st, ag)
	if err := registerChannels(ctx, rt, cfg); err != nil {
		return err
	}
	if err := rt.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize scheduler: %w", err)
	}

	logs.CtxInfo(ctx, "ALL IS WELL!!! Press Ctrl+C to stop.")

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	select {
	case sig := <-signalCh:
		logs.CtxInfo(ctx, "Received shutdown signal (%s). Stopping runtime...", sig.String())
	case <-ctx.Done():
		logs.CtxInfo(ctx, "Context canceled. Stopping runtime...")
	}

	grace := time.Duration(cfg.Scheduler.ShutdownGraceSec) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	rt.Shutdown(shutdownCtx)

	logs.CtxInfo(ctx, "all stopped, good bye!")
	return nil
}

func registerChannels(ctx context.Context, rt *scheduler.Runtime, cfg *config.Config) error {
	if cfg.Channels.Desktop.Enabled != nil && *cfg.Channels.Desktop.Enabled {
		notifier := channel.NewDesktopNotifier()
		if !notifier.Available() {
			logs.CtxWarn(ctx, "notify-send not found on PATH, desktop deliveries will fail")
		}
		rt.RegisterChannelHandler(notifier)
	}
	if cfg.Channels.Telegram.Enabled {
		tg, err := channel.NewTelegramHandler(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.DefaultChat)
		if err != nil {
			return fmt.Errorf("telegram handler: %w", err)
		}
		rt.RegisterChannelHandler(tg)
	}
	return nil
}

func initLogger(cfg config.LoggingConfig) error {
	return logs.Init(logs.Options{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		File:       cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	})
}
