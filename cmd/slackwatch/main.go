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

	"slackwatch/internal/app"
	"slackwatch/internal/config"
	"slackwatch/pkg/logx"
)

func logxConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	logSvc, log := logx.New(logxConfig(cfg.Logging))
	defer logSvc.Close()

	a := app.New(cfg, log)
	if err := a.Start(ctx); err != nil {
		log.Error("start failed", logx.Err(err))
		logSvc.Close()
		os.Exit(1)
	}

	// Only the logging section is hot-applied; everything else needs a restart.
	go func() {
		if err := mgr.Watch(ctx, log.With(logx.String("comp", "config")), func(lc config.LoggingConfig) {
			logSvc.Apply(logxConfig(lc))
		}); err != nil {
			log.Warn("config watcher unavailable", logx.Err(err))
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		log.Warn("shutdown finished with errors", logx.Err(err))
	}
}
