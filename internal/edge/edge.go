// Package edge assembles device components from config and runs them.
package edge

import (
	"context"
	"sync"

	"github.com/astrobox-ng/edge/config"
	"github.com/astrobox-ng/edge/dispatch"
	"github.com/astrobox-ng/edge/helpers"
	"github.com/astrobox-ng/edge/indicator"
	"github.com/astrobox-ng/edge/log2"
	"github.com/astrobox-ng/edge/peripheral"
	"github.com/astrobox-ng/edge/session"
	"github.com/astrobox-ng/edge/telemetry"
	"github.com/astrobox-ng/edge/transport"
	"github.com/juju/errors"
)

type App struct {
	Log        *log2.Log
	Config     *config.Config
	Registry   *peripheral.Registry
	Transport  transport.Transport
	Dispatcher *dispatch.Dispatcher
	Telemetry  *telemetry.Aggregator // nil when disabled
	Session    *session.Session
	Indicator  *indicator.Indicator // nil when disabled

	onState   func(session.State)
	closeOnce sync.Once
}

type Options struct {
	// OnState is called from session loop after indicator update.
	OnState func(session.State)
}

// Build opens peripherals and transport and wires them into session.
// Partial failure closes what was opened.
func Build(log *log2.Log, cfg *config.Config, opt Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	app := &App{Log: log, Config: cfg, onState: opt.OnState}

	if cfg.Indicator.Enable {
		ind, err := indicator.Open(log.Named("indicator"), cfg.Indicator.Chip, uint32(cfg.Indicator.Line))
		if err != nil {
			// device is still useful without LED
			log.Errorf("indicator: %v", err)
		} else {
			app.Indicator = ind
			ind.Set(PatternFor(session.StateDisconnected))
		}
	}

	var err error
	app.Registry, err = peripheral.Open(log.Named("peripheral"), cfg.Peripheral)
	if err != nil {
		app.Indicator.Set(indicator.PatternFatal)
		return app, errors.Annotate(err, "peripheral")
	}
	app.Transport, err = transport.New(cfg.Transport.URL, cfg.TransportOptions(log.Named("transport")))
	if err != nil {
		app.Indicator.Set(indicator.PatternFatal)
		_ = app.Registry.Close()
		app.Registry = nil
		return app, errors.Annotate(err, "transport")
	}

	app.Dispatcher = dispatch.New(log.Named("dispatch"), app.Registry, cfg.DispatchConfig())
	if tc, ok := cfg.TelemetryConfig(); ok {
		app.Telemetry = telemetry.New(log.Named("telemetry"), app.Registry, tc)
	}
	app.Session = session.New(log.Named("session"), cfg.SessionConfig(), app.Transport, app.Dispatcher, app.Telemetry)
	app.Session.OnState(app.stateChanged)
	log.Debugf("edge built %s", cfg.String())
	return app, nil
}

// PatternFor maps session state to indicator pattern.
func PatternFor(s session.State) indicator.Pattern {
	switch s {
	case session.StateConnecting, session.StateHandshaking:
		return indicator.PatternSlow
	case session.StateConnected:
		return indicator.PatternSolid
	case session.StateDraining:
		return indicator.PatternOff
	}
	return indicator.PatternFast
}

func (self *App) stateChanged(s session.State) {
	self.Indicator.Set(PatternFor(s))
	if self.onState != nil {
		self.onState(s)
	}
}

// Run blocks until shutdown completes or ctx is cancelled.
func (self *App) Run(ctx context.Context) error {
	ctx = log2.ContextWithLog(ctx, self.Log)
	self.Log.Infof("edge running device=%s transport=%s peripherals=%d boot=%s",
		self.Config.Device.ID, self.Transport.String(), self.Registry.Len(), self.Session.BootID())
	err := self.Session.Run(ctx)
	switch errors.Cause(err) {
	case context.Canceled, context.DeadlineExceeded:
		return nil
	}
	return err
}

// HoldFatal shows fatal pattern until ctx is done.
// Returns immediately when indicator is disabled.
func (self *App) HoldFatal(ctx context.Context) {
	if self == nil || self.Indicator == nil {
		return
	}
	self.Indicator.Set(indicator.PatternFatal)
	<-ctx.Done()
}

// Shutdown requests graceful drain, Run returns when it is done.
func (self *App) Shutdown() { self.Session.Shutdown() }

// Close releases hardware. Call after Run returned.
func (self *App) Close() error {
	var err error
	self.closeOnce.Do(func() {
		errs := make([]error, 0, 3)
		if self.Dispatcher != nil {
			self.Dispatcher.Close()
		}
		if self.Transport != nil {
			errs = append(errs, self.Transport.Close())
		}
		if self.Registry != nil {
			errs = append(errs, self.Registry.Close())
		}
		if self.Indicator != nil {
			self.Indicator.Set(indicator.PatternOff)
			errs = append(errs, self.Indicator.Close())
		}
		err = helpers.FoldErrors(errs)
	})
	return err
}
