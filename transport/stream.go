package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/astrobox-ng/edge/log2"
	"github.com/juju/errors"
)

const tcpOverhead = 40

// Stream is byte stream link over TCP, optionally TLS.
type Stream struct {
	link
	log     *log2.Log
	opt     Options
	scheme  string
	addr    string
	TLS     *tls.Config // nil = system defaults for tls scheme
	mu      sync.Mutex
	current *streamConn
}

var _ Transport = &Stream{}

type streamConn struct {
	*conn
	net net.Conn
	w   io.Writer
	err firstError
}

func NewStream(scheme, addr string, opt Options) *Stream {
	return &Stream{
		link:   newLink(),
		log:    opt.Log,
		opt:    opt,
		scheme: scheme,
		addr:   addr,
	}
}

func (s *Stream) String() string { return fmt.Sprintf("%s://%s", s.scheme, s.addr) }

func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()

	dialer := &net.Dialer{Timeout: s.opt.networkTimeout()}
	var nc net.Conn
	var err error
	if s.scheme == "tls" {
		td := &tls.Dialer{NetDialer: dialer, Config: s.TLS}
		nc, err = td.DialContext(ctx, "tcp", s.addr)
	} else {
		nc, err = dialer.DialContext(ctx, "tcp", s.addr)
	}
	if err != nil {
		return &Error{Op: "connect", Err: err}
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetLinger(0)
	}

	epoch := s.begin()
	c := &streamConn{
		conn: newConn(epoch),
		net:  nc,
		w:    &meterWriter{w: nc, pair: &s.stat.Send, fix: tcpOverhead},
	}
	s.current = c
	s.log.Debugf("stream connected epoch=%d local=%s remote=%s", epoch, addrString(nc.LocalAddr()), addrString(nc.RemoteAddr()))
	go s.reader(c)
	return nil
}

func (s *Stream) Send(ctx context.Context, b []byte) error {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil || c.closed() {
		return &Error{Op: "send", Err: ErrNotConnected}
	}
	if err := c.net.SetWriteDeadline(sendDeadline(ctx, s.opt.networkTimeout())); err != nil {
		return s.die(c, errors.Annotate(err, "SetWriteDeadline"))
	}
	if err := writeFull(c.w, b); err != nil {
		return s.die(c, errors.Annotate(err, "send"))
	}
	s.stat.Send.Count.Add(1)
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Stream) closeLocked() {
	if c := s.current; c != nil {
		s.current = nil
		if c.close() {
			c.err.store(ErrClosing)
			_ = c.net.Close()
		}
	}
}

// die closes connection after link failure and notifies owner.
func (s *Stream) die(c *streamConn, e error) error {
	if err, found := c.err.store(e); found {
		return &Error{Op: "link", Err: err}
	}
	c.close()
	_ = c.net.Close()

	// reformat some well known errors for easier log reading
	estr := e.Error()
	if neterr, ok := errors.Cause(e).(net.Error); ok && neterr.Timeout() {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "i/o timeout") {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "connection reset by peer") || errors.Cause(e) == io.EOF {
		estr = "closed by remote"
	}
	s.log.Debugf("stream die epoch=%d e=%s", c.epoch, estr)
	terr := &Error{Op: "link", Err: e}
	s.signalLost(c.epoch, terr)
	return terr
}

func (s *Stream) reader(c *streamConn) {
	r := &meterReader{r: c.net, pair: &s.stat.Recv, fix: tcpOverhead}
	for {
		buf := make([]byte, 4096)
		n, err := r.Read(buf)
		if n > 0 {
			if !s.deliver(c.epoch, buf[:n], c.done) {
				return
			}
		}
		if err != nil {
			if !c.closed() {
				_ = s.die(c, errors.Annotate(err, "recv"))
			}
			return
		}
	}
}
