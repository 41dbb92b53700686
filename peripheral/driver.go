// Package peripheral abstracts local sensors and actuators behind uniform Driver.
// Set of driver kinds is closed and resolved at startup from config.
package peripheral

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/astrobox-ng/edge/log2"
	"github.com/astrobox-ng/edge/value"
	"github.com/juju/errors"
)

// Handle is stable logical name, e.g. "temp-0".
type Handle string

type Caps uint8

const (
	CapRead Caps = 1 << iota
	CapWrite
	CapStatus
)

func (c Caps) Has(x Caps) bool { return c&x == x }

func (c Caps) String() string {
	b := []byte("---")
	if c.Has(CapRead) {
		b[0] = 'r'
	}
	if c.Has(CapWrite) {
		b[1] = 'w'
	}
	if c.Has(CapStatus) {
		b[2] = 's'
	}
	return string(b)
}

type Status struct {
	Online bool
	Detail string
}

func (s Status) String() string {
	state := "offline"
	if s.Online {
		state = "online"
	}
	if s.Detail == "" {
		return state
	}
	return state + " " + s.Detail
}

// Driver operations must respect ctx where hardware allows.
// Driver never retries failed hardware operation, it returns HardwareFault.
// Unsupported operation returns errors.NotSupported, out of range write errors.NotValid.
type Driver interface {
	Kind() string
	Caps() Caps
	Read(ctx context.Context) (value.Value, error)
	Write(ctx context.Context, v value.Value) error
	Status(ctx context.Context) (Status, error)
	Close() error
}

type HardwareFault struct {
	Handle Handle
	Err    error
}

func (e *HardwareFault) Error() string {
	return fmt.Sprintf("peripheral=%s hardware fault: %v", e.Handle, e.Err)
}

func Fault(h Handle, err error) error {
	if err == nil {
		return nil
	}
	if hf, ok := errors.Cause(err).(*HardwareFault); ok {
		return hf
	}
	return &HardwareFault{Handle: h, Err: err}
}

func IsHardwareFault(err error) bool {
	_, ok := errors.Cause(err).(*HardwareFault)
	return ok
}

// Spec is one `peripheral "handle" { ... }` config block.
type Spec struct {
	Handle    string `hcl:"handle,key"`
	Kind      string `hcl:"kind"`
	Bus       string `hcl:"bus"`     // i2c bus name, empty = first available
	Address   int    `hcl:"address"` // i2c address
	Chip      string `hcl:"chip"`    // gpio chip device path
	Line      int    `hcl:"line"`
	ActiveLow bool   `hcl:"active_low"`
	Initial   string `hcl:"initial"` // value text, see value.Parse
	Min       string `hcl:"min"`
	Max       string `hcl:"max"`
	// circuit breaker, 0 = defaults
	BreakerFailures int `hcl:"breaker_failures"`
	BreakerOpenSec  int `hcl:"breaker_open_sec"`
}

type openFunc func(log *log2.Log, spec Spec) (Driver, error)

// static registration, hardware set is fixed at build time
var kinds = map[string]openFunc{
	KindTMP102:  openTMP102,
	KindGpioOut: openGpioOut,
	KindMemory:  openMemory,
	KindMock:    openMock,
}

func Kinds() []string {
	ks := make([]string, 0, len(kinds))
	for k := range kinds {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

// OpenDriver creates driver of spec.Kind without guard.
func OpenDriver(log *log2.Log, spec Spec) (Driver, error) {
	open, ok := kinds[strings.ToLower(spec.Kind)]
	if !ok {
		return nil, errors.NotSupportedf("peripheral=%s kind=%s (known: %s)", spec.Handle, spec.Kind, strings.Join(Kinds(), ","))
	}
	d, err := open(log, spec)
	if err != nil {
		return nil, errors.Annotatef(err, "peripheral=%s kind=%s", spec.Handle, spec.Kind)
	}
	return d, nil
}

func notSupported(h Handle, op string) error {
	return errors.NotSupportedf("peripheral=%s %s", h, op)
}
