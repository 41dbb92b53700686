package peripheral

import (
	"context"
	"fmt"

	"github.com/astrobox-ng/edge/log2"
	"github.com/astrobox-ng/edge/value"
)

const KindMemory = "memory"

// Memory reports free system memory in bytes.
type Memory struct{ handle Handle }

func NewMemory(h Handle) *Memory { return &Memory{handle: h} }

func openMemory(log *log2.Log, spec Spec) (Driver, error) {
	return NewMemory(Handle(spec.Handle)), nil
}

func (d *Memory) Kind() string { return KindMemory }
func (d *Memory) Caps() Caps   { return CapRead | CapStatus }

func (d *Memory) Read(ctx context.Context) (value.Value, error) {
	free, err := freeMemory()
	if err != nil {
		return value.None(), Fault(d.handle, err)
	}
	return value.Int(int64(free)), nil
}

func (d *Memory) Write(ctx context.Context, v value.Value) error {
	return notSupported(d.handle, "write")
}

func (d *Memory) Status(ctx context.Context) (Status, error) {
	free, err := freeMemory()
	if err != nil {
		return Status{Detail: err.Error()}, Fault(d.handle, err)
	}
	return Status{Online: true, Detail: fmt.Sprintf("free=%d", free)}, nil
}

func (d *Memory) Close() error { return nil }

// FreeMemory is shared with stat logging.
func FreeMemory() uint64 {
	free, _ := freeMemory()
	return free
}
