package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"

	"tabnotify/internal/app"
	"tabnotify/internal/ui"
)

func main() {
	var (
		cfgPath  string
		headless bool
		tabID    string
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json or yaml")
	flag.BoolVar(&headless, "headless", false, "run without the terminal view; only OS notifications are shown")
	flag.StringVar(&tabID, "tab-id", "", "identifier of this tab in the shared store (default: random)")
	flag.Parse()
	if tabID == "" {
		tabID = uuid.NewString()
	}

	sigCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath, app.Options{TabID: tabID, Headless: headless})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	// The app outlives the signal context so Stop can still drain the pipeline.
	if err := a.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdog(sigCtx)

	reason := app.StopSIGINT
	if headless {
		select {
		case <-sigCtx.Done():
		case <-a.Done():
			reason = app.StopFatalError
		}
	} else {
		runCtx, stopUI := context.WithCancel(sigCtx)
		go func() {
			select {
			case <-a.Done():
				stopUI()
			case <-runCtx.Done():
			}
		}()
		err := ui.Run(runCtx, a.Pipeline(), ui.Options{TabID: tabID, OnFirstGesture: a.RequestPermission})
		stopUI()
		switch {
		case err != nil:
			fmt.Fprintln(os.Stderr, "ui:", err)
			reason = app.StopFatalError
		case a.Err() != nil:
			reason = app.StopFatalError
		case sigCtx.Err() == nil:
			reason = app.StopUserQuit
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// watchdog pings systemd at half the configured interval when WatchdogSec is set.
func watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
