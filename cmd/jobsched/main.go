package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobsched/internal/app"
	logx "jobsched/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	boot := logx.NewConsole(os.Stderr, "info")
	a, err := app.NewApp(cfgPath)
	if err != nil {
		boot.Error("fatal", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		boot.Error("fatal start", logx.Err(err))
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}
	log := a.Logger()
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		log.Debug("sd_notify ready sent")
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
		if a.Err() == nil {
			reason = app.StopAppStop
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// a second signal skips the graceful wait
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Minute)
	defer stopCancel()
	go func() {
		select {
		case <-sigCh:
			stopCancel()
		case <-stopCtx.Done():
		}
	}()

	err = a.Stop(stopCtx, reason)
	if fatal := a.Err(); fatal != nil {
		boot.Error("fatal", logx.Err(fatal))
		os.Exit(1)
	}
	if err != nil {
		boot.Error("stop", logx.Err(err))
		os.Exit(1)
	}
}
