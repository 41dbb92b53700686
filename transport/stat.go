package transport

// Values are read and modified atomically, but not consistently,
// i.e. it is possible to read .Count=1 .Size=0 because Size has not updated yet.

import (
	"expvar"
	"fmt"
	"io"
	"time"
)

type Stat struct {
	Connects expvar.Int
	Recv     CountSizePair
	Send     CountSizePair
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"connects":%d,"recv":%s,"send":%s}`,
		s.Connects.Value(), s.Recv.String(), s.Send.String())
}

type CountSizePair struct {
	Count expvar.Int
	Size  expvar.Int
}

func (csp *CountSizePair) String() string {
	return fmt.Sprintf(`{"count":%d,"size":%d}`, csp.Count.Value(), csp.Size.Value())
}

// Rate computes bytes per second between Update calls. Not safe for concurrent use.
type Rate struct {
	last     time.Time
	lastRecv int64
	lastSend int64
}

// Update returns zero rates on first call.
func (r *Rate) Update(s *Stat, now time.Time) (upBps, downBps float64) {
	recv, send := s.Recv.Size.Value(), s.Send.Size.Value()
	if !r.last.IsZero() {
		if sec := now.Sub(r.last).Seconds(); sec > 0 {
			upBps = float64(send-r.lastSend) / sec
			downBps = float64(recv-r.lastRecv) / sec
		}
	}
	r.last, r.lastRecv, r.lastSend = now, recv, send
	return upBps, downBps
}

// meterReader adds bytes read plus fixed per-read overhead to pair.Size.
type meterReader struct {
	r    io.Reader
	pair *CountSizePair
	fix  int64
}

func (m *meterReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		m.pair.Size.Add(int64(n) + m.fix)
	}
	return n, err
}

// meterWriter adds bytes written plus fixed per-write overhead to pair.Size.
type meterWriter struct {
	w    io.Writer
	pair *CountSizePair
	fix  int64
}

func (m *meterWriter) Write(p []byte) (int, error) {
	n, err := m.w.Write(p)
	if n > 0 {
		m.pair.Size.Add(int64(n) + m.fix)
	}
	return n, err
}
