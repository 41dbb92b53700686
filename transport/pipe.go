package transport

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

// Pipe is in-memory link. PipeHost is the remote end, for tests and loopback runs.
type Pipe struct {
	link
	mu         sync.Mutex
	current    *conn
	host       *PipeHost
	connectErr error
}

var _ Transport = &Pipe{}

type PipeHost struct {
	p         *Pipe
	recv      chan []byte
	connected chan uint32
}

func NewPipe() (*Pipe, *PipeHost) {
	p := &Pipe{link: newLink()}
	p.host = &PipeHost{
		p:         p,
		recv:      make(chan []byte, 64),
		connected: make(chan uint32, 16),
	}
	return p, p.host
}

func (p *Pipe) Host() *PipeHost { return p.host }
func (p *Pipe) String() string  { return "pipe://" }

func (p *Pipe) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "connect", Err: err}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		p.current.close()
		p.current = nil
	}
	if p.connectErr != nil {
		return &Error{Op: "connect", Err: p.connectErr}
	}
	c := newConn(p.begin())
	p.current = c
	select {
	case p.host.connected <- c.epoch:
	default:
	}
	return nil
}

func (p *Pipe) Send(ctx context.Context, b []byte) error {
	p.mu.Lock()
	c := p.current
	p.mu.Unlock()
	if c == nil || c.closed() {
		return &Error{Op: "send", Err: ErrNotConnected}
	}
	data := append([]byte(nil), b...)
	select {
	case p.host.recv <- data:
		p.stat.Send.Count.Add(1)
		p.stat.Send.Size.Add(int64(len(b)))
		return nil
	case <-c.done:
		return &Error{Op: "send", Err: ErrNotConnected}
	case <-ctx.Done():
		return errors.Annotate(ctx.Err(), "pipe send")
	}
}

func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		p.current.close()
		p.current = nil
	}
	return nil
}

func (p *Pipe) connected() *conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Recv yields everything device sent, across connections.
func (h *PipeHost) Recv() <-chan []byte { return h.recv }

// Connected yields epoch of each successful device Connect.
func (h *PipeHost) Connected() <-chan uint32 { return h.connected }

// Send delivers data to device, blocks until device takes it.
func (h *PipeHost) Send(ctx context.Context, b []byte) error {
	c := h.p.connected()
	if c == nil {
		return &Error{Op: "host send", Err: ErrNotConnected}
	}
	h.p.stat.Recv.Size.Add(int64(len(b)))
	data := append([]byte(nil), b...)
	select {
	case h.p.recv <- Chunk{Epoch: c.epoch, Data: data}:
		h.p.stat.Recv.Count.Add(1)
		return nil
	case <-c.done:
		return &Error{Op: "host send", Err: ErrNotConnected}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drop simulates link failure.
func (h *PipeHost) Drop(err error) {
	p := h.p
	p.mu.Lock()
	c := p.current
	p.current = nil
	p.mu.Unlock()
	if c != nil && c.close() {
		p.signalLost(c.epoch, &Error{Op: "link", Err: err})
	}
}

// SetConnectError makes following Connect calls fail, nil restores.
func (h *PipeHost) SetConnectError(err error) {
	h.p.mu.Lock()
	h.p.connectErr = err
	h.p.mu.Unlock()
}

func (h *PipeHost) IsConnected() bool { return h.p.connected() != nil }
