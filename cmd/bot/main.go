package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"rallybot/internal/bot"
	"rallybot/internal/config"
	"rallybot/internal/dispatch"
	"rallybot/internal/schedule"
	"rallybot/internal/store"
	"rallybot/internal/transport/telegram"
	"rallybot/internal/vote"
	"rallybot/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func logConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	svc, log := logx.New(logConfig(cfg.Logging))
	defer svc.Close()

	busy, err := config.ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	pollTimeout, err := config.ParseDuration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	ad, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    pollTimeout,
		SendRatePerSec: cfg.Telegram.SendRatePerSec,
	}, log)
	if err != nil {
		return fmt.Errorf("telegram adapter: %w", err)
	}

	backoff, err := config.ParseDuration("dispatch.retry_backoff", cfg.Dispatch.RetryBackoff, 2*time.Second)
	if err != nil {
		return err
	}

	// The scheduler fires through the dispatcher, which in turn cancels
	// jobs on delete; the closure breaks the construction cycle.
	var disp *dispatch.Dispatcher
	sched := schedule.New(func(id int64) { disp.FireJob(id) }, log)
	disp = dispatch.New(dispatch.Config{
		RetryMax:     cfg.Dispatch.RetryMax,
		RetryBackoff: backoff,
		Signature:    cfg.Dispatch.Signature,
	}, st, ad, sched, log)
	votes := vote.New(st, ad, cfg.Dispatch.Signature, log)

	app := bot.New(bot.Config{Timezone: cfg.Schedule.Timezone}, st, ad, sched, disp, votes, log)

	// Reinstall every persisted weekly trigger before polling starts, so
	// a restart never loses scheduled announcements.
	events, err := st.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	rules := make(map[int64]schedule.Rule, len(events))
	for _, ev := range events {
		if ev.Schedule != nil {
			rules[ev.ID] = *ev.Schedule
		}
	}
	installed := sched.Rebuild(rules)
	log.Info("schedules rebuilt",
		logx.Int("events", len(events)), logx.Int("installed", installed))

	sched.Start()
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
		defer stop()
		sched.Stop(stopCtx)
	}()

	mgr, err := config.NewManager(cfgPath, log)
	if err != nil {
		return err
	}
	mgr.OnReload(func(c *config.Config) {
		svc.Apply(logConfig(c.Logging))
		if b, err := config.ParseDuration("dispatch.retry_backoff", c.Dispatch.RetryBackoff, 0); err == nil {
			disp.SetRetry(c.Dispatch.RetryMax, b)
		}
	})
	go func() {
		if err := mgr.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		log.Debug("sd_notify ready sent")
	}

	err = app.Run(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
