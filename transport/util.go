package transport

import (
	"io"
	"net"
	"net/url"
	"sync"
)

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func parseURI(s string) (scheme, hostport string, err error) {
	u, err := url.ParseRequestURI(s)
	if err != nil {
		return "", "", err
	}
	return u.Scheme, u.Host, nil
}

// writeFull repeats short writes until b is written or error.
func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

// firstError keeps reason of connection death, later reasons are consequences.
type firstError struct {
	mu  sync.Mutex
	err error
}

// store returns earlier error and true if one was already kept.
func (f *firstError) store(e error) (error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err, true
	}
	f.err = e
	return e, false
}
