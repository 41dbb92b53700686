package transport

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRate(t *testing.T) {
	t.Parallel()
	var s Stat
	var r Rate
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	up, down := r.Update(&s, now)
	assert.Equal(t, 0.0, up)
	assert.Equal(t, 0.0, down)

	s.Send.Size.Add(200)
	s.Recv.Size.Add(50)
	up, down = r.Update(&s, now.Add(2*time.Second))
	assert.Equal(t, 100.0, up)
	assert.Equal(t, 25.0, down)

	up, down = r.Update(&s, now.Add(2*time.Second))
	assert.Equal(t, 0.0, up)
	assert.Equal(t, 0.0, down)
}

func TestStatString(t *testing.T) {
	t.Parallel()
	var s Stat
	s.Connects.Add(1)
	s.Recv.Count.Add(2)
	s.Recv.Size.Add(30)
	assert.Equal(t, `{"connects":1,"recv":{"count":2,"size":30},"send":{"count":0,"size":0}}`, s.String())
}

// chokeWriter accepts at most n bytes per Write.
type chokeWriter struct {
	buf bytes.Buffer
	n   int
}

func (w *chokeWriter) Write(p []byte) (int, error) {
	if len(p) > w.n {
		p = p[:w.n]
	}
	return w.buf.Write(p)
}

func TestMeterWriteFull(t *testing.T) {
	t.Parallel()
	var s Stat
	cw := &chokeWriter{n: 7}
	w := &meterWriter{w: cw, pair: &s.Send, fix: 40}
	frame := []byte("0123456789abcdefghij")
	require.NoError(t, writeFull(w, frame))
	assert.Equal(t, frame, cw.buf.Bytes())
	// 3 writes: 7+7+6 bytes, each with overhead
	assert.Equal(t, int64(20+3*40), s.Send.Size.Value())

	require.Equal(t, io.ErrShortWrite, writeFull(&chokeWriter{n: 0}, frame))

	r := &meterReader{r: bytes.NewReader(frame), pair: &s.Recv, fix: 1}
	got, err := ioutil.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
	assert.True(t, s.Recv.Size.Value() > int64(len(frame)))
}

func TestFirstError(t *testing.T) {
	t.Parallel()
	var f firstError
	first := fmt.Errorf("reset by peer")
	err, found := f.store(first)
	assert.False(t, found)
	assert.Equal(t, first, err)
	err, found = f.store(ErrClosing)
	assert.True(t, found)
	assert.Equal(t, first, err)
}
