// Package telemetry polls readable peripherals on fixed period and keeps
// bounded queue of batches until session can deliver them.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/astrobox-ng/edge/log2"
	"github.com/astrobox-ng/edge/peripheral"
	"github.com/astrobox-ng/edge/value"
	"github.com/astrobox-ng/edge/wire"
	"github.com/juju/errors"
)

const (
	DefaultPeriod      = 10 * time.Second
	DefaultReadTimeout = time.Second
	DefaultMaxPending  = 32

	FaultTimeout  = "timeout"
	FaultTooLarge = "too large"
)

var ErrBusy = fmt.Errorf("telemetry busy")

type State uint8

const (
	StateIdle State = iota
	StateCollecting
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateFlushing:
		return "flushing"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

type Sample struct {
	Handle peripheral.Handle
	Time   time.Time
	Value  value.Value
	Fault  string // not empty means gap
}

func (s *Sample) Gap() bool { return s.Fault != "" }

type Batch struct {
	Seq     uint32 // assigned at flush
	Time    time.Time
	Samples []Sample
}

func (b *Batch) Gaps() int {
	n := 0
	for i := range b.Samples {
		if b.Samples[i].Gap() {
			n++
		}
	}
	return n
}

type Config struct {
	Period       time.Duration
	ReadTimeout  time.Duration
	MaxPending   int
	MaxFrameSize int
}

func (c *Config) applyDefaults() {
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ReadTimeout > c.Period {
		c.ReadTimeout = c.Period
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	if c.MaxFrameSize <= 0 || c.MaxFrameSize > wire.MaxFrameSize {
		c.MaxFrameSize = wire.MaxFrameSize
	}
}

type Stat struct {
	Batches uint64
	Gaps    uint64
	Dropped uint64 // batches lost to overflow or failed send
	Sent    uint64
	Frames  uint64
}

type Aggregator struct {
	log      *log2.Log
	config   Config
	registry *peripheral.Registry
	now      func() time.Time

	mu      sync.Mutex
	state   State
	seq     uint32
	pending []Batch
	stat    Stat
}

func New(log *log2.Log, registry *peripheral.Registry, config Config) *Aggregator {
	config.applyDefaults()
	return &Aggregator{
		log:      log,
		config:   config,
		registry: registry,
		now:      time.Now,
	}
}

func (self *Aggregator) Config() Config { return self.config }

func (self *Aggregator) State() State {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.state
}

func (self *Aggregator) Stat() Stat {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.stat
}

func (self *Aggregator) Pending() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.pending)
}

// ResetSeq restarts sequence numbers, new host session.
func (self *Aggregator) ResetSeq() {
	self.mu.Lock()
	self.seq = 0
	self.mu.Unlock()
}

// Collect reads all readable peripherals concurrently.
// Failed or slow peripheral becomes gap sample, others are not delayed by it.
// Returns after all reads finished or ReadTimeout, whichever first.
func (self *Aggregator) Collect(ctx context.Context) (Batch, error) {
	if err := self.enter(StateCollecting); err != nil {
		return Batch{}, err
	}
	defer self.leave()

	handles := self.registry.Handles()
	samples := make([]Sample, len(handles))
	readable := make([]bool, len(handles))
	var wg sync.WaitGroup
	for i, h := range handles {
		d, _ := self.registry.Lookup(h)
		if !d.Caps().Has(peripheral.CapRead) {
			continue
		}
		readable[i] = true
		wg.Add(1)
		go func(i int, h peripheral.Handle, d peripheral.Driver) {
			defer wg.Done()
			samples[i] = self.read(ctx, h, d)
		}(i, h, d)
	}
	wg.Wait()

	b := Batch{Time: self.now(), Samples: make([]Sample, 0, len(samples))}
	for i := range samples {
		if readable[i] {
			b.Samples = append(b.Samples, samples[i])
		}
	}
	gaps := b.Gaps()
	self.mu.Lock()
	self.stat.Batches++
	self.stat.Gaps += uint64(gaps)
	self.mu.Unlock()
	self.log.Debugf("telemetry collected samples=%d gaps=%d", len(b.Samples), gaps)
	return b, nil
}

func (self *Aggregator) read(ctx context.Context, h peripheral.Handle, d peripheral.Driver) Sample {
	ctx, cancel := context.WithTimeout(ctx, self.config.ReadTimeout)
	defer cancel()
	type outcome struct {
		v   value.Value
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := d.Read(ctx)
		ch <- outcome{v, err}
	}()
	var o outcome
	select {
	case o = <-ch:
	case <-ctx.Done():
		o.err = ctx.Err()
	}
	s := Sample{Handle: h, Time: self.now(), Value: o.v}
	if o.err != nil {
		s.Value = value.None()
		s.Fault = o.err.Error()
		if errors.Cause(o.err) == context.DeadlineExceeded {
			s.Fault = FaultTimeout
		}
		self.log.Debugf("telemetry peripheral=%s gap: %v", h, o.err)
	}
	return s
}

// Push queues batch for delivery. Full queue drops oldest batch.
// Returns number of dropped batches.
func (self *Aggregator) Push(b Batch) int {
	self.mu.Lock()
	defer self.mu.Unlock()
	dropped := 0
	for len(self.pending) >= self.config.MaxPending {
		self.pending[0] = Batch{}
		self.pending = self.pending[1:]
		dropped++
	}
	self.pending = append(self.pending, b)
	if dropped != 0 {
		self.stat.Dropped += uint64(dropped)
		self.log.Debugf("telemetry overflow dropped=%d", dropped)
	}
	return dropped
}

// Flush sends pending batches in collection order, each split into frames by Pack.
// Batch with failed send is dropped, remaining batches stay pending and error is returned.
func (self *Aggregator) Flush(ctx context.Context, send func(context.Context, wire.Frame) error) error {
	if err := self.enter(StateFlushing); err != nil {
		return err
	}
	defer self.leave()

	for {
		self.mu.Lock()
		if len(self.pending) == 0 {
			self.mu.Unlock()
			return nil
		}
		b := self.pending[0]
		self.pending[0] = Batch{}
		self.pending = self.pending[1:]
		b.Seq = self.seq
		self.seq++
		self.mu.Unlock()

		frames := Pack(&b, self.config.MaxFrameSize)
		for i, f := range frames {
			if err := send(ctx, f); err != nil {
				self.mu.Lock()
				self.stat.Dropped++
				self.mu.Unlock()
				return errors.Annotatef(err, "telemetry seq=%d part=%d/%d", b.Seq, i, len(frames))
			}
		}
		self.mu.Lock()
		self.stat.Sent++
		self.stat.Frames += uint64(len(frames))
		self.mu.Unlock()
	}
}

func (self *Aggregator) enter(s State) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.state != StateIdle {
		return errors.Annotatef(ErrBusy, "state=%s want=%s", self.state, s)
	}
	self.state = s
	return nil
}

func (self *Aggregator) leave() {
	self.mu.Lock()
	self.state = StateIdle
	self.mu.Unlock()
}

// Pack splits batch into Telemetry frames no larger than maxFrame bytes.
// Part numbers are 0 based. Sample too large for any frame is replaced with gap.
func Pack(b *Batch, maxFrame int) []wire.Frame {
	if maxFrame <= 0 || maxFrame > wire.MaxFrameSize {
		maxFrame = wire.MaxFrameSize
	}
	timeMs := unixMillis(b.Time)
	budget := maxFrame - wire.TelemetryOverhead(b.Seq, timeMs)

	groups := make([][]wire.Sample, 0, 1)
	var cur []wire.Sample
	size := 0
	for i := range b.Samples {
		ws := toWire(&b.Samples[i])
		n := ws.EncodedSize()
		if n > budget {
			ws.Value = value.None()
			ws.Fault = FaultTooLarge
			if n = ws.EncodedSize(); n > budget {
				continue
			}
		}
		if size+n > budget && len(cur) != 0 {
			groups = append(groups, cur)
			cur, size = nil, 0
		}
		cur = append(cur, ws)
		size += n
	}
	if len(cur) != 0 || len(groups) == 0 {
		groups = append(groups, cur)
	}

	frames := make([]wire.Frame, len(groups))
	for i, g := range groups {
		t := wire.Telemetry{
			Seq:     b.Seq,
			Part:    uint32(i),
			Parts:   uint32(len(groups)),
			TimeMs:  timeMs,
			Samples: g,
		}
		frames[i] = wire.EncodeMessage(&t)
	}
	return frames
}

// Unpack is inverse of Pack for complete set of parts, any order.
func Unpack(ts []*wire.Telemetry) (Batch, error) {
	if len(ts) == 0 {
		return Batch{}, errors.NotValidf("telemetry no parts")
	}
	parts := ts[0].Parts
	if int(parts) != len(ts) {
		return Batch{}, errors.NotValidf("telemetry parts=%d got=%d", parts, len(ts))
	}
	ordered := make([]*wire.Telemetry, parts)
	for _, t := range ts {
		if t.Seq != ts[0].Seq || t.Parts != parts || t.Part >= parts || ordered[t.Part] != nil {
			return Batch{}, errors.NotValidf("telemetry seq=%d part=%d/%d", t.Seq, t.Part, t.Parts)
		}
		ordered[t.Part] = t
	}
	b := Batch{Seq: ts[0].Seq, Time: fromMillis(ts[0].TimeMs)}
	for _, t := range ordered {
		for _, s := range t.Samples {
			b.Samples = append(b.Samples, Sample{
				Handle: peripheral.Handle(s.Handle),
				Time:   fromMillis(s.TimeMs),
				Value:  s.Value,
				Fault:  s.Fault,
			})
		}
	}
	return b, nil
}

func toWire(s *Sample) wire.Sample {
	return wire.Sample{
		Handle: string(s.Handle),
		TimeMs: unixMillis(s.Time),
		Value:  s.Value,
		Fault:  s.Fault,
	}
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano() / int64(time.Millisecond)
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond))
}
