// Package dispatch validates host commands, runs them against peripheral drivers
// and tracks every command id until host acknowledges the final response.
//
// Dispatcher methods are meant to be called from single owner loop.
// Driver operations run on worker goroutines which report back via Results().
// Owner passes each Result to Complete(), which applies it at most once.
package dispatch

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/astrobox-ng/edge/log2"
	"github.com/astrobox-ng/edge/peripheral"
	"github.com/astrobox-ng/edge/value"
	"github.com/astrobox-ng/edge/wire"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxInFlight     = 8
	DefaultBudget          = 5 * time.Second
	DefaultMaxBudget       = 60 * time.Second
	DefaultRetries         = 1
	DefaultResponseRetries = 3
	resultBuffer           = 32
)

type Config struct {
	MaxInFlight   int
	DefaultBudget time.Duration
	MaxBudget     time.Duration
	// HardwareFault retries while budget remains. 0 = default, negative = never.
	Retries int
	// Final response re-sends before unacked command is forgotten.
	ResponseRetries int
	// Admission rate, commands per second. 0 = unlimited.
	RateLimit float64
	RateBurst int
}

func (c *Config) applyDefaults() {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.DefaultBudget <= 0 {
		c.DefaultBudget = DefaultBudget
	}
	if c.MaxBudget <= 0 {
		c.MaxBudget = DefaultMaxBudget
	}
	if c.MaxBudget < c.DefaultBudget {
		c.MaxBudget = c.DefaultBudget
	}
	switch {
	case c.Retries == 0:
		c.Retries = DefaultRetries
	case c.Retries < 0:
		c.Retries = 0
	}
	if c.ResponseRetries <= 0 {
		c.ResponseRetries = DefaultResponseRetries
	}
	if c.RateBurst <= 0 {
		c.RateBurst = c.MaxInFlight
	}
}

type Command struct {
	ID     uint32
	Op     Opcode
	Handle peripheral.Handle
	Value  value.Value
	Budget time.Duration // 0 = default
}

func FromWire(c *wire.Command) Command {
	return Command{
		ID:     c.ID,
		Op:     Opcode(c.Opcode),
		Handle: peripheral.Handle(c.Handle),
		Value:  c.Value,
		Budget: time.Duration(c.TimeoutMs) * time.Millisecond,
	}
}

// Result is outcome of driver operation, produced by worker.
type Result struct {
	ID    uint32
	Value value.Value
	Err   error
	token *entry
}

type entry struct {
	cmd    Command
	state  State
	code   Code
	cancel context.CancelFunc
	resp   wire.CommandResponse
	sends  int
}

type Stat struct {
	Accepted  uint64
	Rejected  uint64
	Completed uint64
	Failed    uint64
	TimedOut  uint64
	Retried   uint64
	Expired   uint64 // final responses never acked
}

type Dispatcher struct {
	log      *log2.Log
	config   Config
	registry *peripheral.Registry
	limiter  *rate.Limiter
	alive    *alive.Alive
	results  chan Result

	mu       sync.Mutex
	entries  map[uint32]*entry
	awaiting []*entry // final, in completion order
	stat     Stat
}

func New(log *log2.Log, registry *peripheral.Registry, config Config) *Dispatcher {
	config.applyDefaults()
	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	return &Dispatcher{
		log:      log,
		config:   config,
		registry: registry,
		limiter:  rate.NewLimiter(limit, config.RateBurst),
		alive:    alive.NewAlive(),
		results:  make(chan Result, resultBuffer),
		entries:  make(map[uint32]*entry),
	}
}

func (self *Dispatcher) Config() Config          { return self.config }
func (self *Dispatcher) Results() <-chan Result { return self.results }

// Submit returns responses to send immediately: ack of accepted command,
// rejection, or stored final response of finished but unacked duplicate.
func (self *Dispatcher) Submit(ctx context.Context, cmd Command) []wire.CommandResponse {
	self.mu.Lock()
	defer self.mu.Unlock()

	if e, ok := self.entries[cmd.ID]; ok {
		if e.state.InFlight() {
			return self.reject(cmd, CodeDuplicateCommand, "")
		}
		// host did not receive final response
		self.log.Debugf("dispatch id=%d duplicate of finished, resend", cmd.ID)
		return []wire.CommandResponse{e.resp}
	}

	if !cmd.Op.Known() {
		return self.reject(cmd, CodeUnsupportedOperation, cmd.Op.String())
	}
	var driver peripheral.Driver
	if cmd.Op != OpList || cmd.Handle != "" {
		d, ok := self.registry.Lookup(cmd.Handle)
		if !ok {
			return self.reject(cmd, CodeUnknownPeripheral, string(cmd.Handle))
		}
		if need := opCaps(cmd.Op); need != 0 && !d.Caps().Has(need) {
			return self.reject(cmd, CodeUnsupportedOperation, cmd.Op.String()+" caps="+d.Caps().String())
		}
		driver = d
	}
	if self.inFlightLocked() >= self.config.MaxInFlight || !self.limiter.Allow() {
		return self.reject(cmd, CodeBusy, "")
	}
	if !self.alive.Add(1) {
		return self.reject(cmd, CodeBusy, "stopping")
	}

	budget := cmd.Budget
	if budget <= 0 {
		budget = self.config.DefaultBudget
	}
	if budget > self.config.MaxBudget {
		budget = self.config.MaxBudget
	}
	cmd.Budget = budget
	wctx, cancel := context.WithTimeout(context.Background(), budget)
	wctx = log2.ContextWithLog(wctx, log2.ContextValueLogger(ctx))
	e := &entry{cmd: cmd, state: StatePending, cancel: cancel}
	self.entries[cmd.ID] = e
	self.stat.Accepted++
	ack := wire.CommandResponse{ID: cmd.ID, State: uint8(StatePending)}

	e.state = StateExecuting
	go self.work(wctx, e, driver)
	self.log.Debugf("dispatch id=%d op=%s handle=%s budget=%v accepted", cmd.ID, cmd.Op, cmd.Handle, budget)
	return []wire.CommandResponse{ack}
}

// Complete applies worker result. Returns final response and true
// if command was still executing, otherwise result is stale and ignored.
func (self *Dispatcher) Complete(r Result) (wire.CommandResponse, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	e, ok := self.entries[r.ID]
	if !ok || e != r.token || e.state != StateExecuting {
		self.log.Debugf("dispatch id=%d stale result ignored", r.ID)
		return wire.CommandResponse{}, false
	}
	e.cancel()
	switch {
	case r.Err == nil:
		self.finish(e, StateCompleted, CodeOK, "", r.Value)
	case errors.Cause(r.Err) == context.DeadlineExceeded:
		self.finish(e, StateTimedOut, CodeTimedOut, "budget "+e.cmd.Budget.String(), value.None())
	default:
		self.finish(e, StateFailed, CodeOf(r.Err), r.Err.Error(), value.None())
	}
	return e.resp, true
}

// Cancel of pending or executing command fails it with Cancelled.
// Finished or unknown id is no-op.
func (self *Dispatcher) Cancel(id uint32) (wire.CommandResponse, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	e, ok := self.entries[id]
	if !ok || !e.state.InFlight() {
		return wire.CommandResponse{}, false
	}
	e.cancel()
	self.finish(e, StateFailed, CodeCancelled, "", value.None())
	return e.resp, true
}

// FailAll fails every in-flight command with code and forgets all commands,
// including finished ones waiting for ack. Returns responses of failed commands.
func (self *Dispatcher) FailAll(code Code) []wire.CommandResponse {
	self.mu.Lock()
	defer self.mu.Unlock()
	ids := make([]uint32, 0, len(self.entries))
	for id, e := range self.entries {
		if e.state.InFlight() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	rs := make([]wire.CommandResponse, 0, len(ids))
	for _, id := range ids {
		e := self.entries[id]
		e.cancel()
		self.finish(e, StateFailed, code, "", value.None())
		rs = append(rs, e.resp)
	}
	if len(ids) != 0 {
		self.log.Debugf("dispatch fail all code=%s n=%d", code, len(ids))
	}
	self.entries = make(map[uint32]*entry)
	self.awaiting = nil
	return rs
}

// Ack forgets finished commands, host received their final responses.
func (self *Dispatcher) Ack(ids []uint32) {
	if len(ids) == 0 {
		return
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	for _, id := range ids {
		if e, ok := self.entries[id]; ok && e.state.Final() {
			delete(self.entries, id)
		}
	}
	self.compactLocked()
}

// Resend returns unacked final responses, in completion order.
// Command is forgotten after ResponseRetries re-sends.
func (self *Dispatcher) Resend() []wire.CommandResponse {
	self.mu.Lock()
	defer self.mu.Unlock()
	rs := make([]wire.CommandResponse, 0, len(self.awaiting))
	for _, e := range self.awaiting {
		if e.sends >= self.config.ResponseRetries {
			self.log.Debugf("dispatch id=%d response not acked, forget", e.cmd.ID)
			delete(self.entries, e.cmd.ID)
			self.stat.Expired++
			continue
		}
		e.sends++
		rs = append(rs, e.resp)
	}
	self.compactLocked()
	return rs
}

func (self *Dispatcher) State(id uint32) State {
	self.mu.Lock()
	defer self.mu.Unlock()
	if e, ok := self.entries[id]; ok {
		return e.state
	}
	return StateUnknown
}

func (self *Dispatcher) InFlight() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.inFlightLocked()
}

func (self *Dispatcher) Awaiting() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.awaiting)
}

func (self *Dispatcher) Stat() Stat {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.stat
}

// Close cancels running operations and waits for workers.
func (self *Dispatcher) Close() {
	self.mu.Lock()
	for _, e := range self.entries {
		e.cancel()
	}
	self.mu.Unlock()
	self.alive.Stop()
	self.alive.Wait()
}

func (self *Dispatcher) inFlightLocked() int {
	n := 0
	for _, e := range self.entries {
		if e.state.InFlight() {
			n++
		}
	}
	return n
}

func (self *Dispatcher) reject(cmd Command, code Code, msg string) []wire.CommandResponse {
	self.stat.Rejected++
	self.log.Debugf("dispatch id=%d op=%s handle=%s rejected code=%s %s", cmd.ID, cmd.Op, cmd.Handle, code, msg)
	return []wire.CommandResponse{{
		ID:      cmd.ID,
		State:   uint8(StateRejected),
		Code:    uint16(code),
		Message: msg,
	}}
}

func (self *Dispatcher) finish(e *entry, state State, code Code, msg string, v value.Value) {
	e.state = state
	e.code = code
	e.resp = wire.CommandResponse{
		ID:      e.cmd.ID,
		State:   uint8(state),
		Code:    uint16(code),
		Message: msg,
		Value:   v,
	}
	e.sends = 0
	self.awaiting = append(self.awaiting, e)
	switch state {
	case StateCompleted:
		self.stat.Completed++
	case StateTimedOut:
		self.stat.TimedOut++
	default:
		self.stat.Failed++
	}
	self.log.Debugf("dispatch id=%d %s code=%s %s", e.cmd.ID, state, code, msg)
}

// compactLocked drops forgotten entries from awaiting list.
func (self *Dispatcher) compactLocked() {
	keep := self.awaiting[:0]
	for _, e := range self.awaiting {
		if self.entries[e.cmd.ID] == e {
			keep = append(keep, e)
		}
	}
	for i := len(keep); i < len(self.awaiting); i++ {
		self.awaiting[i] = nil
	}
	self.awaiting = keep
}

func (self *Dispatcher) work(ctx context.Context, e *entry, d peripheral.Driver) {
	defer self.alive.Done()
	r := Result{ID: e.cmd.ID, token: e}
	r.Value, r.Err = self.attempt(ctx, e.cmd, d)
	for try := 0; try < self.config.Retries && peripheral.IsHardwareFault(r.Err) && ctx.Err() == nil; try++ {
		self.mu.Lock()
		self.stat.Retried++
		self.mu.Unlock()
		self.log.Debugf("dispatch id=%d retry after err=%v", e.cmd.ID, r.Err)
		r.Value, r.Err = self.attempt(ctx, e.cmd, d)
	}
	select {
	case self.results <- r:
	case <-self.alive.StopChan():
	}
}

// attempt returns when operation finishes or ctx is done, whichever first.
// Operation that ignores ctx keeps running in background, its result is discarded.
func (self *Dispatcher) attempt(ctx context.Context, cmd Command, d peripheral.Driver) (value.Value, error) {
	type outcome struct {
		v   value.Value
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := self.exec(ctx, cmd, d)
		ch <- outcome{v, err}
	}()
	select {
	case o := <-ch:
		return o.v, o.err
	case <-ctx.Done():
		return value.None(), ctx.Err()
	}
}

func (self *Dispatcher) exec(ctx context.Context, cmd Command, d peripheral.Driver) (value.Value, error) {
	switch cmd.Op {
	case OpRead:
		return d.Read(ctx)
	case OpWrite:
		return value.None(), d.Write(ctx, cmd.Value)
	case OpStatus:
		st, err := d.Status(ctx)
		if err != nil {
			return value.None(), err
		}
		return value.String(st.String()), nil
	case OpList:
		return value.String(self.listing(cmd.Handle)), nil
	}
	return value.None(), errors.NotSupportedf("opcode=%d", cmd.Op)
}

// listing is "handle:kind:caps" joined with comma.
func (self *Dispatcher) listing(only peripheral.Handle) string {
	parts := make([]string, 0, self.registry.Len())
	for _, h := range self.registry.Handles() {
		if only != "" && h != only {
			continue
		}
		d, _ := self.registry.Lookup(h)
		parts = append(parts, string(h)+":"+d.Kind()+":"+d.Caps().String())
	}
	return strings.Join(parts, ",")
}

func opCaps(op Opcode) peripheral.Caps {
	switch op {
	case OpRead:
		return peripheral.CapRead
	case OpWrite:
		return peripheral.CapWrite
	case OpStatus:
		return peripheral.CapStatus
	}
	return 0
}

// CodeOf maps driver error to host visible code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.IsNotValid(err):
		return CodeInvalidValue
	case peripheral.IsHardwareFault(err):
		return CodeHardwareFault
	case errors.IsNotSupported(err):
		return CodeUnsupportedOperation
	case errors.IsNotFound(err):
		return CodeUnknownPeripheral
	case errors.Cause(err) == context.DeadlineExceeded:
		return CodeTimedOut
	case errors.Cause(err) == context.Canceled:
		return CodeCancelled
	}
	return CodeHardwareFault
}
