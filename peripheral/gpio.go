package peripheral

import (
	"context"
	"fmt"
	"sync"

	"github.com/astrobox-ng/edge/log2"
	"github.com/astrobox-ng/edge/value"
	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
)

const KindGpioOut = "gpio-out"

const gpioConsumer = "edge"

// GpioOut is single output line actuator (relay, valve, LED).
// Write accepts Bool or Int 0/1.
type GpioOut struct {
	handle Handle
	mu     sync.Mutex
	chip   gpio.Chiper
	lines  gpio.Lineser
	line   uint32
	set    gpio.LineSetFunc
	state  bool
}

// NewGpioOut takes ownership of chip.
func NewGpioOut(h Handle, chip gpio.Chiper, line uint32, activeLow bool) (*GpioOut, error) {
	flag := gpio.GPIOHANDLE_REQUEST_OUTPUT
	if activeLow {
		flag |= gpio.GPIOHANDLE_REQUEST_ACTIVE_LOW
	}
	lines, err := chip.OpenLines(flag, gpioConsumer, line)
	if err != nil {
		return nil, errors.Annotatef(err, "gpio OpenLines line=%d", line)
	}
	d := &GpioOut{
		handle: h,
		chip:   chip,
		lines:  lines,
		line:   line,
		set:    lines.SetFunc(line),
	}
	return d, nil
}

func openGpioOut(log *log2.Log, spec Spec) (Driver, error) {
	chip, err := gpio.Open(spec.Chip, gpioConsumer)
	if err != nil {
		return nil, errors.Annotatef(err, "gpio Open chip=%s", spec.Chip)
	}
	d, err := NewGpioOut(Handle(spec.Handle), chip, uint32(spec.Line), spec.ActiveLow)
	if err != nil {
		_ = chip.Close()
		return nil, err
	}
	if spec.Initial != "" {
		v, err := value.Parse(spec.Initial)
		if err == nil {
			err = d.Write(context.Background(), v)
		}
		if err != nil {
			_ = d.Close()
			return nil, errors.Annotate(err, "initial")
		}
	}
	log.Debugf("gpio-out handle=%s chip=%s line=%d", spec.Handle, spec.Chip, spec.Line)
	return d, nil
}

func (d *GpioOut) Kind() string { return KindGpioOut }
func (d *GpioOut) Caps() Caps   { return CapRead | CapWrite | CapStatus }

func (d *GpioOut) Read(ctx context.Context) (value.Value, error) {
	if err := ctx.Err(); err != nil {
		return value.None(), err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	data, err := d.lines.Read()
	if err != nil {
		return value.None(), Fault(d.handle, errors.Annotate(err, "gpio read"))
	}
	return value.Bool(data.Values[0] != 0), nil
}

func (d *GpioOut) Write(ctx context.Context, v value.Value) error {
	on, err := gpioLevel(v)
	if err != nil {
		return errors.Annotatef(err, "peripheral=%s", d.handle)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var b byte
	if on {
		b = 1
	}
	d.set(b)
	if err := d.lines.Flush(); err != nil {
		return Fault(d.handle, errors.Annotate(err, "gpio flush"))
	}
	d.state = on
	return nil
}

func (d *GpioOut) Status(ctx context.Context) (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{Online: true, Detail: fmt.Sprintf("line=%d on=%t", d.line, d.state)}, nil
}

func (d *GpioOut) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	errLines := d.lines.Close()
	errChip := d.chip.Close()
	if errLines != nil {
		return errLines
	}
	return errChip
}

func gpioLevel(v value.Value) (bool, error) {
	if b, ok := v.Bool(); ok {
		return b, nil
	}
	if i, ok := v.Int(); ok {
		switch i {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return false, errors.NotValidf("gpio level=%d out of range 0..1", i)
	}
	return false, errors.NotValidf("gpio level kind=%s", v.Kind())
}
