package peripheral

import (
	"sort"
	"time"

	"github.com/astrobox-ng/edge/helpers"
	"github.com/astrobox-ng/edge/log2"
	"github.com/juju/errors"
)

// Registry maps handles to drivers. Mapping is fixed after creation.
// Drivers synchronize their own hardware state, Registry itself has no lock.
type Registry struct {
	drivers map[Handle]Driver
	handles []Handle
}

func NewRegistry(drivers map[Handle]Driver) *Registry {
	r := &Registry{
		drivers: make(map[Handle]Driver, len(drivers)),
		handles: make([]Handle, 0, len(drivers)),
	}
	for h, d := range drivers {
		r.drivers[h] = d
		r.handles = append(r.handles, h)
	}
	sort.Slice(r.handles, func(i, j int) bool { return r.handles[i] < r.handles[j] })
	return r
}

// Open builds guarded drivers for all specs.
// Any failure closes already opened drivers; startup hardware errors are unrecoverable.
func Open(log *log2.Log, specs []Spec) (*Registry, error) {
	drivers := make(map[Handle]Driver, len(specs))
	closeAll := func() {
		for _, d := range drivers {
			_ = d.Close()
		}
	}
	for _, spec := range specs {
		h := Handle(spec.Handle)
		if h == "" {
			closeAll()
			return nil, errors.NotValidf("peripheral handle empty kind=%s", spec.Kind)
		}
		if _, dup := drivers[h]; dup {
			closeAll()
			return nil, errors.AlreadyExistsf("peripheral=%s", h)
		}
		d, err := OpenDriver(log, spec)
		if err != nil {
			closeAll()
			return nil, err
		}
		gc := GuardConfig{
			Failures:    uint32(spec.BreakerFailures),
			OpenTimeout: helpers.IntSecondDefault(spec.BreakerOpenSec, 0),
		}
		drivers[h] = Guard(log, h, d, gc)
		log.Debugf("peripheral=%s kind=%s caps=%s", h, d.Kind(), d.Caps())
	}
	return NewRegistry(drivers), nil
}

func (r *Registry) Lookup(h Handle) (Driver, bool) {
	d, ok := r.drivers[h]
	return d, ok
}

// Handles are sorted.
func (r *Registry) Handles() []Handle {
	return append([]Handle(nil), r.handles...)
}

func (r *Registry) Len() int { return len(r.handles) }

func (r *Registry) Close() error {
	errs := make([]error, 0, len(r.handles))
	for _, h := range r.handles {
		if err := r.drivers[h].Close(); err != nil {
			errs = append(errs, errors.Annotatef(err, "close peripheral=%s", h))
		}
	}
	return helpers.FoldErrors(errs)
}

const defaultBreakerOpen = 10 * time.Second
