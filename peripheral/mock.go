package peripheral

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astrobox-ng/edge/log2"
	"github.com/astrobox-ng/edge/value"
	"github.com/juju/errors"
)

const KindMock = "mock"

// Mock is configurable driver double, also usable from config for bench setups.
// Zero Mock is readable None value with all caps.
type Mock struct {
	mu    sync.Mutex
	h     Handle
	caps  Caps
	value value.Value
	min   *float64
	max   *float64

	// hooks replace default behavior when set
	ReadFunc   func(ctx context.Context) (value.Value, error)
	WriteFunc  func(ctx context.Context, v value.Value) error
	StatusFunc func(ctx context.Context) (Status, error)
	// sleep before operation, respects ctx unless Stubborn
	Delay    time.Duration
	Stubborn bool

	reads  int32
	writes int32
	closed int32
}

func NewMock(h Handle, caps Caps, v value.Value) *Mock {
	return &Mock{h: h, caps: caps, value: v}
}

func openMock(log *log2.Log, spec Spec) (Driver, error) {
	v, err := value.Parse(spec.Initial)
	if err != nil {
		return nil, errors.Annotate(err, "initial")
	}
	m := NewMock(Handle(spec.Handle), CapRead|CapWrite|CapStatus, v)
	if spec.Min != "" || spec.Max != "" {
		lo, err := parseLimit(spec.Min)
		if err != nil {
			return nil, errors.Annotate(err, "min")
		}
		hi, err := parseLimit(spec.Max)
		if err != nil {
			return nil, errors.Annotate(err, "max")
		}
		m.SetRange(lo, hi)
	}
	return m, nil
}

func parseLimit(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := value.Parse(s)
	if err != nil {
		return nil, err
	}
	f, ok := v.Float()
	if !ok {
		return nil, errors.NotValidf("limit %q", s)
	}
	return &f, nil
}

// SetRange limits numeric writes, nil means unbounded.
func (m *Mock) SetRange(min, max *float64) {
	m.mu.Lock()
	m.min, m.max = min, max
	m.mu.Unlock()
}

func (m *Mock) Kind() string { return KindMock }
func (m *Mock) Caps() Caps {
	if m.caps == 0 {
		return CapRead | CapWrite | CapStatus
	}
	return m.caps
}

func (m *Mock) Reads() int  { return int(atomic.LoadInt32(&m.reads)) }
func (m *Mock) Writes() int { return int(atomic.LoadInt32(&m.writes)) }
func (m *Mock) Closed() bool {
	return atomic.LoadInt32(&m.closed) != 0
}

func (m *Mock) Value() value.Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

func (m *Mock) Read(ctx context.Context) (value.Value, error) {
	atomic.AddInt32(&m.reads, 1)
	if err := m.wait(ctx); err != nil {
		return value.None(), err
	}
	if m.ReadFunc != nil {
		return m.ReadFunc(ctx)
	}
	return m.Value(), nil
}

func (m *Mock) Write(ctx context.Context, v value.Value) error {
	atomic.AddInt32(&m.writes, 1)
	if err := m.wait(ctx); err != nil {
		return err
	}
	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, v)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := v.Float(); ok {
		if (m.min != nil && f < *m.min) || (m.max != nil && f > *m.max) {
			return errors.NotValidf("peripheral=%s value=%s out of range", m.h, v.String())
		}
	}
	m.value = v
	return nil
}

func (m *Mock) Status(ctx context.Context) (Status, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx)
	}
	return Status{Online: !m.Closed()}, nil
}

func (m *Mock) Close() error {
	atomic.StoreInt32(&m.closed, 1)
	return nil
}

func (m *Mock) wait(ctx context.Context) error {
	if m.Delay == 0 {
		return ctx.Err()
	}
	if m.Stubborn {
		time.Sleep(m.Delay)
		return nil
	}
	select {
	case <-time.After(m.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
