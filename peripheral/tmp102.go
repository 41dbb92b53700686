package peripheral

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/astrobox-ng/edge/log2"
	"github.com/astrobox-ng/edge/value"
	"github.com/juju/errors"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/host"
)

const KindTMP102 = "tmp102"

const (
	tmp102DefaultAddr = 0x48
	tmp102RegTemp     = 0x00
	tmp102RegConfig   = 0x01
)

// TMP102 is I2C temperature sensor, 12 bit, 0.0625 C resolution.
// Read value is Float degrees Celsius.
type TMP102 struct {
	handle Handle
	mu     sync.Mutex
	dev    *i2c.Dev
	bus    io.Closer
}

func NewTMP102(h Handle, bus i2c.Bus, addr uint16) *TMP102 {
	if addr == 0 {
		addr = tmp102DefaultAddr
	}
	return &TMP102{handle: h, dev: &i2c.Dev{Bus: bus, Addr: addr}}
}

func openTMP102(log *log2.Log, spec Spec) (Driver, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Annotate(err, "periph/init")
	}
	bus, err := i2creg.Open(spec.Bus)
	if err != nil {
		return nil, errors.Annotatef(err, "I2C Open bus=%s", spec.Bus)
	}
	d := NewTMP102(Handle(spec.Handle), bus, uint16(spec.Address))
	d.bus = bus
	// probe now, unrecoverable at startup
	if _, err := d.Status(context.Background()); err != nil {
		_ = bus.Close()
		return nil, err
	}
	log.Debugf("tmp102 handle=%s bus=%s addr=%02x", spec.Handle, bus.String(), d.dev.Addr)
	return d, nil
}

func (d *TMP102) Kind() string { return KindTMP102 }
func (d *TMP102) Caps() Caps   { return CapRead | CapStatus }

func (d *TMP102) Read(ctx context.Context) (value.Value, error) {
	raw, err := d.readReg(ctx, tmp102RegTemp)
	if err != nil {
		return value.None(), err
	}
	t := TMP102Temperature(raw)
	return value.Float(float64(t-physic.ZeroCelsius) / float64(physic.Celsius)), nil
}

func (d *TMP102) Write(ctx context.Context, v value.Value) error {
	return notSupported(d.handle, "write")
}

func (d *TMP102) Status(ctx context.Context) (Status, error) {
	cfg, err := d.readReg(ctx, tmp102RegConfig)
	if err != nil {
		return Status{Detail: err.Error()}, err
	}
	return Status{Online: true, Detail: fmt.Sprintf("config=%04x", cfg)}, nil
}

func (d *TMP102) Close() error {
	if d.bus == nil {
		return nil
	}
	return d.bus.Close()
}

func (d *TMP102) readReg(ctx context.Context, reg byte) (uint16, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var buf [2]byte
	if err := d.dev.Tx([]byte{reg}, buf[:]); err != nil {
		return 0, Fault(d.handle, errors.Annotatef(err, "i2c reg=%02x", reg))
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// TMP102Temperature converts temperature register, left aligned 12 bit two's complement.
func TMP102Temperature(raw uint16) physic.Temperature {
	steps := int64(int16(raw) >> 4)
	return physic.ZeroCelsius + physic.Temperature(steps*62500)*physic.MicroKelvin
}
