package peripheral

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/astrobox-ng/edge/log2"
	"github.com/astrobox-ng/edge/value"
	"github.com/sony/gobreaker/v2"
)

const defaultBreakerFailures = 5

type GuardConfig struct {
	// consecutive hardware faults before driver fails fast
	Failures uint32
	// open state duration before half-open probe
	OpenTimeout time.Duration
}

// Guarded puts circuit breaker in front of Read and Write.
// Only HardwareFault counts as failure, InvalidValue and friends are caller mistakes.
type Guarded struct {
	Driver
	handle Handle
	cb     *gobreaker.CircuitBreaker[value.Value]
}

func Guard(log *log2.Log, h Handle, d Driver, c GuardConfig) *Guarded {
	failures := c.Failures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	timeout := c.OpenTimeout
	if timeout == 0 {
		timeout = defaultBreakerOpen
	}
	cb := gobreaker.NewCircuitBreaker[value.Value](gobreaker.Settings{
		Name:        string(h),
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Infof("peripheral=%s breaker %s -> %s", name, from.String(), to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsHardwareFault(err)
		},
	})
	return &Guarded{Driver: d, handle: h, cb: cb}
}

func (g *Guarded) Unwrap() Driver { return g.Driver }

func (g *Guarded) BreakerState() gobreaker.State { return g.cb.State() }

func (g *Guarded) Read(ctx context.Context) (value.Value, error) {
	v, err := g.cb.Execute(func() (value.Value, error) {
		return g.Driver.Read(ctx)
	})
	return v, g.wrap(err)
}

func (g *Guarded) Write(ctx context.Context, v value.Value) error {
	_, err := g.cb.Execute(func() (value.Value, error) {
		return value.None(), g.Driver.Write(ctx, v)
	})
	return g.wrap(err)
}

// Status bypasses breaker so host can inspect broken peripheral.
func (g *Guarded) Status(ctx context.Context) (Status, error) {
	s, err := g.Driver.Status(ctx)
	if st := g.cb.State(); st != gobreaker.StateClosed {
		s.Online = false
		s.Detail = strings.TrimSpace(fmt.Sprintf("breaker=%s %s", st.String(), s.Detail))
	}
	return s, err
}

func (g *Guarded) wrap(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &HardwareFault{Handle: g.handle, Err: err}
	}
	return err
}
