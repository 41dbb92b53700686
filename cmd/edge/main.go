package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/astrobox-ng/edge/config"
	"github.com/astrobox-ng/edge/internal/edge"
	"github.com/astrobox-ng/edge/log2"
	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

var log = log2.NewStderr(log2.LInfo)

func main() {
	flagConfig := flag.String("config", "edge.hcl", "config file path")
	flagDebug := flag.Bool("debug", false, "debug logging, overrides config")
	flag.Parse()

	if sdnotify("start") || !isatty.IsTerminal(os.Stderr.Fd()) {
		// systemd journal or file adds own timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	cfg, err := config.ReadFile(log, *flagConfig)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	level, _ := cfg.LogLevel()
	if *flagDebug {
		level = log2.LDebug
	}
	log.SetLevel(level)
	log.Debugf("config: %s", cfg.String())

	app, err := edge.Build(log, cfg, edge.Options{})
	if err != nil {
		log.Error(errors.ErrorStack(err))
		if app != nil && app.Indicator != nil {
			log.Info("fatal pattern on indicator until stopped")
			sdnotify("STATUS=fatal: " + err.Error())
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
			app.HoldFatal(ctx)
			stop()
		}
		if app != nil {
			_ = app.Close()
		}
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sigCh
		log.Infof("signal=%s shutting down", sig)
		sdnotify(daemon.SdNotifyStopping)
		app.Shutdown()
		// second signal is impatient
		sig = <-sigCh
		log.Errorf("signal=%s exit now", sig)
		os.Exit(1)
	}()

	sdnotify(daemon.SdNotifyReady)
	err = app.Run(context.Background())
	if cerr := app.Close(); cerr != nil {
		log.Errorf("close: %v", cerr)
	}
	if err != nil {
		log.Error(errors.ErrorStack(err))
		os.Exit(1)
	}
	log.Info("bye")
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sdnotify:", errors.ErrorStack(err))
		os.Exit(1)
	}
	return ok
}
