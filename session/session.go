// Package session is top level connection coordinator.
//
// Single goroutine (Run) owns connection state and transport lifecycle:
// it reconnects with backoff, performs handshake, routes host messages to dispatcher,
// sends command responses and heartbeats, and lets telemetry flush only while connected.
// Blocking work (connect, driver operations, telemetry collection) runs elsewhere
// and reports back over channels.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/astrobox-ng/edge/dispatch"
	"github.com/astrobox-ng/edge/helpers"
	"github.com/astrobox-ng/edge/log2"
	"github.com/astrobox-ng/edge/peripheral"
	"github.com/astrobox-ng/edge/telemetry"
	"github.com/astrobox-ng/edge/transport"
	"github.com/astrobox-ng/edge/value"
	"github.com/astrobox-ng/edge/wire"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"
)

const (
	ProtocolVersion    uint32 = 1
	MinProtocolVersion uint32 = 1
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultSendTimeout       = 5 * time.Second
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatMisses   = 3
	DefaultDrainTimeout      = 5 * time.Second
	DefaultErrorStorm        = 16
	responseMessageMax       = 128
)

var DefaultBackoff = helpers.Backoff{Min: time.Second, Max: time.Minute, K: 2, Res: 10 * time.Millisecond}

type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// ProtocolError is handshake failure, fatal to current connection only.
type ProtocolError struct {
	HostVersion    uint32
	HostMinVersion uint32
	HostCode       uint16
}

func (e *ProtocolError) Error() string {
	if e.HostCode != wire.HandshakeOK {
		return fmt.Sprintf("protocol: host rejected handshake code=%d", e.HostCode)
	}
	return fmt.Sprintf("protocol: host version=%d min=%d incompatible with device version=%d min=%d",
		e.HostVersion, e.HostMinVersion, ProtocolVersion, MinProtocolVersion)
}

func IsProtocolError(err error) bool {
	_, ok := errors.Cause(err).(*ProtocolError)
	return ok
}

var (
	ErrHandshakeTimeout = fmt.Errorf("handshake timeout")
	ErrHeartbeatTimeout = fmt.Errorf("heartbeat timeout")
	ErrErrorStorm       = fmt.Errorf("codec error storm")
)

type Config struct {
	DeviceID          string
	Build             string
	ConnectTimeout    time.Duration
	SendTimeout       time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	DrainTimeout      time.Duration
	StatInterval      time.Duration // 0 = disabled
	Backoff           helpers.Backoff
	MaxFrameSize      int
	// consecutive codec errors that force reconnect
	ErrorStorm int
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = DefaultHeartbeatMisses
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.Backoff.Min <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.MaxFrameSize <= 0 || c.MaxFrameSize > wire.MaxFrameSize {
		c.MaxFrameSize = wire.MaxFrameSize
	}
	if c.ErrorStorm <= 0 {
		c.ErrorStorm = DefaultErrorStorm
	}
}

type collected struct {
	batch telemetry.Batch
	err   error
}

type Session struct {
	log        *log2.Log
	config     Config
	transport  transport.Transport
	dispatcher *dispatch.Dispatcher
	aggregator *telemetry.Aggregator
	bootID     uuid.UUID
	onState    func(State)

	state    uint32 // atomic State, written by loop only
	lastRx   *atomic_clock.Clock
	shutdown chan struct{}
	stopOnce sync.Once
	errMu    sync.Mutex
	lastErr  error

	// owned by loop
	epoch      uint32
	decoder    *wire.Decoder
	attempt    int
	errStreak  int
	hbSeq      uint32
	connecting bool
	connectCh  chan error
	early      []transport.Chunk
	collecting bool
	collectCh  chan collected
	reconnectC <-chan time.Time
	handshakeC <-chan time.Time
	drainC     <-chan time.Time
	heartbeat  *time.Ticker
	rate       transport.Rate
	done       bool
}

// New session. aggregator may be nil, telemetry is disabled then.
func New(log *log2.Log, config Config, t transport.Transport, d *dispatch.Dispatcher, agg *telemetry.Aggregator) *Session {
	config.applyDefaults()
	return &Session{
		log:        log,
		config:     config,
		transport:  t,
		dispatcher: d,
		aggregator: agg,
		bootID:     uuid.New(),
		lastRx:     atomic_clock.New(),
		shutdown:   make(chan struct{}),
		decoder:    wire.NewDecoder(wire.MaxFrameSize),
		connectCh:  make(chan error, 1),
		collectCh:  make(chan collected, 1),
	}
}

// OnState sets callback invoked from session goroutine on every state change. Call before Run.
func (self *Session) OnState(fun func(State)) { self.onState = fun }

func (self *Session) State() State      { return State(atomic.LoadUint32(&self.state)) }
func (self *Session) BootID() uuid.UUID { return self.bootID }
func (self *Session) Config() Config    { return self.config }

// LastError is reason of last disconnect.
func (self *Session) LastError() error {
	self.errMu.Lock()
	defer self.errMu.Unlock()
	return self.lastErr
}

// Shutdown requests graceful stop: in-flight commands are given DrainTimeout to finish.
// Safe to call many times from any goroutine.
func (self *Session) Shutdown() {
	self.stopOnce.Do(func() { close(self.shutdown) })
}

// Run blocks until shutdown completes (returns nil) or ctx is done.
func (self *Session) Run(ctx context.Context) error {
	defer self.finish()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	telemetryC := (<-chan time.Time)(nil)
	if self.aggregator != nil {
		tt := time.NewTicker(self.aggregator.Config().Period)
		defer tt.Stop()
		telemetryC = tt.C
	}
	statC := (<-chan time.Time)(nil)
	if self.config.StatInterval > 0 {
		st := time.NewTicker(self.config.StatInterval)
		defer st.Stop()
		statC = st.C
	}
	shutdownC := (<-chan struct{})(self.shutdown)

	self.setState(StateDisconnected)
	self.scheduleReconnect()
	for !self.done {
		var heartbeatC <-chan time.Time
		if self.heartbeat != nil {
			heartbeatC = self.heartbeat.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-shutdownC:
			shutdownC = nil
			self.beginDrain()

		case <-self.reconnectC:
			self.reconnectC = nil
			self.connect(ctx)

		case err := <-self.connectCh:
			self.connecting = false
			self.connected(ctx, err)

		case chunk := <-self.transport.Recv():
			self.onChunk(ctx, chunk)

		case err := <-self.transport.Lost():
			if self.linkUp() {
				self.disconnect(errors.Annotate(err, "link lost"))
			}

		case <-self.handshakeC:
			self.handshakeC = nil
			if self.State() == StateHandshaking {
				self.disconnect(ErrHandshakeTimeout)
			}

		case <-heartbeatC:
			self.onHeartbeatTick(ctx)

		case r := <-self.dispatcher.Results():
			if resp, ok := self.dispatcher.Complete(r); ok && self.linkUp() {
				self.sendResponse(ctx, resp)
			}

		case <-telemetryC:
			self.collect(ctx)

		case c := <-self.collectCh:
			self.collecting = false
			self.onCollected(ctx, c)

		case <-statC:
			self.logStat()

		case <-self.drainC:
			self.drainC = nil
			rs := self.dispatcher.FailAll(dispatch.CodeCancelled)
			self.log.Infof("drain timeout, cancelled=%d", len(rs))
			for _, resp := range rs {
				self.sendResponse(ctx, resp)
			}
			self.done = true
		}

		if self.State() == StateDraining && self.dispatcher.InFlight() == 0 {
			self.done = true
		}
	}
	return nil
}

func (self *Session) finish() {
	if self.connecting {
		// wait for pending Connect to return so Close is final
		<-self.connectCh
		self.connecting = false
	}
	self.stopHeartbeat()
	if err := self.transport.Close(); err != nil {
		self.log.Errorf("transport close: %v", err)
	}
	self.setState(StateDisconnected)
}

func (self *Session) setState(s State) {
	old := State(atomic.SwapUint32(&self.state, uint32(s)))
	if old == s {
		return
	}
	self.log.Debugf("state %s -> %s", old, s)
	if self.onState != nil {
		self.onState(s)
	}
}

func (self *Session) setErr(err error) {
	self.errMu.Lock()
	self.lastErr = err
	self.errMu.Unlock()
}

func (self *Session) linkUp() bool {
	switch self.State() {
	case StateHandshaking, StateConnected, StateDraining:
		return true
	}
	return false
}

func (self *Session) scheduleReconnect() {
	d := self.config.Backoff.Delay(self.attempt)
	if self.attempt > 0 {
		self.log.Debugf("reconnect attempt=%d in %v", self.attempt, d)
	}
	self.reconnectC = time.After(d)
}

func (self *Session) connect(ctx context.Context) {
	self.failInFlight()
	self.setState(StateConnecting)
	self.connecting = true
	cctx, cancel := context.WithTimeout(ctx, self.config.ConnectTimeout)
	go func() {
		defer cancel()
		self.connectCh <- self.transport.Connect(cctx)
	}()
}

func (self *Session) connected(ctx context.Context, err error) {
	if err != nil {
		self.log.Errorf("connect %s: %v", self.transport.String(), err)
		self.setErr(err)
		self.attempt++
		self.setState(StateDisconnected)
		self.scheduleReconnect()
		return
	}
	self.epoch = self.transport.Epoch()
	self.decoder.Reset()
	self.errStreak = 0
	self.setState(StateHandshaking)
	self.handshakeC = time.After(self.config.HandshakeTimeout)
	self.send(ctx, &wire.Handshake{
		Version:    ProtocolVersion,
		MinVersion: MinProtocolVersion,
		DeviceID:   self.config.DeviceID,
		BootID:     self.bootID[:],
		Build:      self.config.Build,
	})
	// host bytes that arrived before connect result
	early := self.early
	self.early = nil
	for _, chunk := range early {
		self.onChunk(ctx, chunk)
	}
}

// disconnect after link failure or protocol violation.
func (self *Session) disconnect(reason error) {
	wasConnected := self.State() == StateConnected
	self.log.Infof("disconnect: %v", reason)
	self.setErr(reason)
	// results landing after this point find nothing in flight
	self.failInFlight()
	if err := self.transport.Close(); err != nil {
		self.log.Errorf("transport close: %v", err)
	}
	self.decoder.Reset()
	self.handshakeC = nil
	self.stopHeartbeat()
	if self.State() == StateDraining {
		self.done = true
		return
	}
	self.setState(StateDisconnected)
	if wasConnected {
		self.attempt = 1
	} else {
		self.attempt++
	}
	self.scheduleReconnect()
}

// failInFlight ends every in-flight command with ConnectionLost.
// Responses are not sent, the link they belong to is gone.
func (self *Session) failInFlight() {
	if rs := self.dispatcher.FailAll(dispatch.CodeConnectionLost); len(rs) != 0 {
		self.log.Infof("connection lost, failed commands=%d", len(rs))
	}
}

func (self *Session) beginDrain() {
	if self.State() != StateConnected {
		self.log.Debugf("shutdown in state=%s", self.State())
		self.done = true
		return
	}
	self.setState(StateDraining)
	self.drainC = time.After(self.config.DrainTimeout)
	self.log.Infof("draining in-flight=%d", self.dispatcher.InFlight())
}

func (self *Session) onChunk(ctx context.Context, chunk transport.Chunk) {
	if self.connecting && chunk.Epoch == self.transport.Epoch() {
		self.early = append(self.early, chunk)
		return
	}
	if chunk.Epoch != self.epoch || !self.linkUp() {
		self.log.Debugf("drop stale chunk epoch=%d current=%d len=%d", chunk.Epoch, self.epoch, len(chunk.Data))
		return
	}
	self.decoder.Feed(chunk.Data)
	for self.linkUp() {
		f, err := self.decoder.Next()
		if err == wire.ErrNeedMore {
			return
		}
		if wire.IsKind(err, wire.UnknownType) {
			// newer host, valid frame
			self.lastRx.SetNow()
			self.log.Debugf("skip %v", err)
			continue
		}
		if err != nil {
			self.errStreak++
			self.log.Errorf("%v", err)
			if self.errStreak >= self.config.ErrorStorm {
				self.disconnect(errors.Annotatef(ErrErrorStorm, "errors=%d", self.errStreak))
				return
			}
			continue
		}
		self.errStreak = 0
		self.lastRx.SetNow()
		m, err := wire.DecodeMessage(f)
		if err != nil {
			self.log.Errorf("frame %s: %v", f.Type, err)
			continue
		}
		self.onMessage(ctx, m)
	}
}

func (self *Session) onMessage(ctx context.Context, m wire.Message) {
	state := self.State()
	if state == StateHandshaking {
		hs, ok := m.(*wire.Handshake)
		if !ok {
			self.log.Debugf("handshaking, ignore %s", m.MessageType())
			return
		}
		self.onHandshake(ctx, hs)
		return
	}

	switch x := m.(type) {
	case *wire.Command:
		if state != StateConnected {
			self.log.Debugf("%s, drop command id=%d", state, x.ID)
			return
		}
		for _, resp := range self.dispatcher.Submit(ctx, dispatch.FromWire(x)) {
			self.sendResponse(ctx, resp)
		}
	case *wire.Cancel:
		if resp, ok := self.dispatcher.Cancel(x.ID); ok {
			self.sendResponse(ctx, resp)
		}
	case *wire.Heartbeat:
		self.dispatcher.Ack(x.Acks)
	case *wire.Handshake:
		self.log.Debugf("unexpected handshake in state=%s version=%d", state, x.Version)
	default:
		self.log.Debugf("unexpected from host %s", m.MessageType())
	}
}

func (self *Session) onHandshake(ctx context.Context, hs *wire.Handshake) {
	if hs.Code != wire.HandshakeOK || hs.Version < MinProtocolVersion || hs.Version > ProtocolVersion {
		perr := &ProtocolError{HostVersion: hs.Version, HostMinVersion: hs.MinVersion, HostCode: hs.Code}
		if hs.Code == wire.HandshakeOK {
			self.send(ctx, &wire.Handshake{
				Version:    ProtocolVersion,
				MinVersion: MinProtocolVersion,
				DeviceID:   self.config.DeviceID,
				BootID:     self.bootID[:],
				Build:      self.config.Build,
				Code:       wire.HandshakeIncompatibleProtocol,
			})
		}
		if self.linkUp() {
			self.disconnect(perr)
		}
		return
	}
	self.handshakeC = nil
	self.attempt = 0
	self.hbSeq = 0
	if self.aggregator != nil {
		self.aggregator.ResetSeq()
	}
	self.lastRx.SetNow()
	self.heartbeat = time.NewTicker(self.config.HeartbeatInterval)
	self.setState(StateConnected)
	self.log.Infof("connected %s host version=%d", self.transport.String(), hs.Version)
}

func (self *Session) stopHeartbeat() {
	if self.heartbeat != nil {
		self.heartbeat.Stop()
		self.heartbeat = nil
	}
}

func (self *Session) onHeartbeatTick(ctx context.Context) {
	limit := self.config.HeartbeatInterval * time.Duration(self.config.HeartbeatMisses)
	if since := atomic_clock.Since(self.lastRx); since > limit {
		self.disconnect(errors.Annotatef(ErrHeartbeatTimeout, "silent for %v", since))
		return
	}
	if !self.send(ctx, &wire.Heartbeat{Seq: self.hbSeq}) {
		return
	}
	self.hbSeq++
	for _, resp := range self.dispatcher.Resend() {
		if !self.sendResponse(ctx, resp) {
			return
		}
	}
}

func (self *Session) collect(ctx context.Context) {
	if self.collecting || self.State() == StateDraining {
		return
	}
	self.collecting = true
	go func() {
		b, err := self.aggregator.Collect(ctx)
		self.collectCh <- collected{b, err}
	}()
}

func (self *Session) onCollected(ctx context.Context, c collected) {
	if c.err != nil {
		self.log.Errorf("telemetry: %v", c.err)
		return
	}
	self.aggregator.Push(c.batch)
	if self.State() != StateConnected {
		return
	}
	if err := self.aggregator.Flush(ctx, self.sendFrame); err != nil {
		self.log.Errorf("%v", err)
		if transport.IsError(err) && self.linkUp() {
			self.disconnect(err)
		}
	}
}

// send returns false if link failed, session is disconnected then.
func (self *Session) send(ctx context.Context, m wire.Message) bool {
	if err := self.sendFrame(ctx, wire.EncodeMessage(m)); err != nil {
		if self.linkUp() {
			self.disconnect(errors.Annotatef(err, "send %s", m.MessageType()))
		}
		return false
	}
	return true
}

func (self *Session) sendFrame(ctx context.Context, f wire.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, self.config.SendTimeout)
	defer cancel()
	return self.transport.Send(ctx, wire.Encode(f))
}

func (self *Session) sendResponse(ctx context.Context, resp wire.CommandResponse) bool {
	fitResponse(&resp, self.config.MaxFrameSize)
	return self.send(ctx, &resp)
}

// fitResponse trims response so its frame is not larger than max.
func fitResponse(resp *wire.CommandResponse, max int) {
	if len(resp.Message) > responseMessageMax {
		n := responseMessageMax
		for n > 0 && !utf8.RuneStart(resp.Message[n]) {
			n--
		}
		resp.Message = resp.Message[:n]
	}
	if f := wire.EncodeMessage(resp); f.Size() <= max {
		return
	}
	resp.Value = value.None()
	resp.Message = "value too large"
}

func (self *Session) logStat() {
	st := self.transport.Stat()
	up, down := self.rate.Update(st, time.Now())
	pending, dropped := 0, uint64(0)
	if self.aggregator != nil {
		pending, dropped = self.aggregator.Pending(), self.aggregator.Stat().Dropped
	}
	self.log.Infof("stat state=%s mem=%d up=%.0fB/s down=%.0fB/s inflight=%d awaiting=%d telemetry pending=%d dropped=%d",
		self.State(), peripheral.FreeMemory(), up, down,
		self.dispatcher.InFlight(), self.dispatcher.Awaiting(), pending, dropped)
}
