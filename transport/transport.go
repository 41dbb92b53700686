// Package transport owns link level connection to host.
//
// Received bytes are delivered through one channel for the whole process lifetime.
// Each chunk is tagged with connection epoch, which increments on every successful Connect,
// so consumer can drop leftovers of previous link. Chunks of one epoch keep order.
// Link drop is reported once per epoch via Lost().
// Transport does not reconnect by itself, reconnect policy belongs to owner.
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astrobox-ng/edge/log2"
	"github.com/juju/errors"
)

const (
	DefaultNetworkTimeout = 5 * time.Second
	recvBuffer            = 16
)

var (
	ErrNotConnected = fmt.Errorf("not connected")
	ErrClosing      = fmt.Errorf("closing")
)

type Chunk struct {
	Epoch uint32
	Data  []byte
}

type Transport interface {
	// Connect closes previous link if any.
	Connect(ctx context.Context) error
	Send(ctx context.Context, b []byte) error
	Recv() <-chan Chunk
	Lost() <-chan error
	Epoch() uint32
	Close() error
	Stat() *Stat
	String() string
}

// Error is link level failure, owner should reconnect.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }

func IsError(err error) bool {
	_, ok := errors.Cause(err).(*Error)
	return ok
}

func IsNotConnected(err error) bool {
	e, ok := errors.Cause(err).(*Error)
	return ok && e.Err == ErrNotConnected
}

type Options struct {
	Log            *log2.Log
	NetworkTimeout time.Duration
	// mqtt
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	KeepAlive   time.Duration
}

func (o *Options) networkTimeout() time.Duration {
	if o.NetworkTimeout == 0 {
		return DefaultNetworkTimeout
	}
	return o.NetworkTimeout
}

// New selects implementation by URL scheme:
// tcp://host:port, tls://host:port, mqtt://host:port, mqtts://host:port, pipe://
func New(uri string, opt Options) (Transport, error) {
	scheme, hostport, err := parseURI(uri)
	if err != nil {
		return nil, errors.Annotatef(err, "transport url=%s", uri)
	}
	switch strings.ToLower(scheme) {
	case "tcp", "tls":
		return NewStream(scheme, hostport, opt), nil
	case "mqtt", "mqtts":
		return NewMQTT(scheme, hostport, opt)
	case "pipe":
		p, _ := NewPipe()
		return p, nil
	}
	return nil, errors.NotSupportedf("transport scheme=%s", scheme)
}

// link is shared receive plumbing.
type link struct {
	recv  chan Chunk
	lost  chan error
	epoch uint32 // atomic
	stat  Stat
}

func newLink() link {
	return link{
		recv: make(chan Chunk, recvBuffer),
		lost: make(chan error, 1),
	}
}

func (l *link) Recv() <-chan Chunk { return l.recv }
func (l *link) Lost() <-chan error { return l.lost }
func (l *link) Epoch() uint32      { return atomic.LoadUint32(&l.epoch) }
func (l *link) Stat() *Stat        { return &l.stat }

// next epoch, drops stale lost notification
func (l *link) begin() uint32 {
	select {
	case <-l.lost:
	default:
	}
	l.stat.Connects.Add(1)
	return atomic.AddUint32(&l.epoch, 1)
}

// deliver blocks until consumer takes data or connection is done.
func (l *link) deliver(epoch uint32, data []byte, done <-chan struct{}) bool {
	l.stat.Recv.Count.Add(1)
	select {
	case l.recv <- Chunk{Epoch: epoch, Data: data}:
		return true
	case <-done:
		return false
	}
}

func (l *link) signalLost(epoch uint32, err error) {
	if epoch != l.Epoch() {
		return
	}
	select {
	case l.lost <- err:
	default:
	}
}

// conn tracks one connection epoch.
type conn struct {
	epoch    uint32
	done     chan struct{}
	doneOnce sync.Once
}

func newConn(epoch uint32) *conn {
	return &conn{epoch: epoch, done: make(chan struct{})}
}

// close returns true only for first call
func (c *conn) close() bool {
	first := false
	c.doneOnce.Do(func() {
		first = true
		close(c.done)
	})
	return first
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// sendDeadline prefers ctx deadline, falls back to network timeout.
func sendDeadline(ctx context.Context, timeout time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(timeout)
}
