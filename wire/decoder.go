package wire

// Decoder reassembles frames from arbitrary chunks of a byte stream.
// Not safe for concurrent use.
type Decoder struct {
	buf []byte
	max int
}

func NewDecoder(max int) *Decoder {
	if max <= 0 {
		max = MaxFrameSize
	}
	return &Decoder{max: max, buf: make([]byte, 0, max)}
}

func (d *Decoder) Feed(chunk []byte) { d.buf = append(d.buf, chunk...) }

func (d *Decoder) Buffered() int { return len(d.buf) }

func (d *Decoder) Reset() { d.buf = d.buf[:0] }

// Next returns ErrNeedMore when buffered data is not a complete frame.
// CodecError means one frame (or whole buffer for Oversize) was dropped;
// keep calling Next until ErrNeedMore.
func (d *Decoder) Next() (Frame, error) {
	f, n, err := Decode(d.buf, d.max)
	if ce, ok := err.(*CodecError); ok && ce.Kind == Truncated && n == 0 {
		return Frame{}, ErrNeedMore
	}
	d.consume(n)
	return f, err
}

func (d *Decoder) consume(n int) {
	if n >= len(d.buf) {
		d.buf = d.buf[:0]
		return
	}
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}
