// Package log2 is leveled logging for edge components:
// - log level filtering, e.g. show debug messages in tests only
// - safe concurrent change of log level
// - per component prefix via Named()
// - nil *Log is valid and discards everything
//
// Tests route output into t.Logf() with NewTest().
package log2

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sync/atomic"
	"testing"
)

type ctxkey struct{}

const (
	// type specified here helped against accidentally passing flags as level
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
	LAll Level = math.MaxInt32
)

type Log struct {
	l      *log.Logger
	level  *int32 // shared by Named() children
	w      io.Writer
	prefix string
	fatalf Func
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }
func NewWriter(w io.Writer, level Level) *Log {
	if w == io.Discard {
		return nil
	}
	lv := int32(level)
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: &lv,
		w:     w,
	}
}

type Func func(format string, args ...interface{})
type FuncWriter struct{ Func }

func NewFunc(f Func, level Level) *Log { return NewWriter(FuncWriter{f}, level) }
func (self FuncWriter) Write(b []byte) (int, error) {
	self.Func("%s", string(b))
	return len(b), nil
}

func NewTest(t testing.TB, level Level) *Log {
	l := NewFunc(t.Logf, level)
	l.SetFlags(LTestFlags)
	l.fatalf = t.Fatalf
	return l
}

func ContextWithLog(ctx context.Context, l *Log) context.Context {
	return context.WithValue(ctx, ctxkey{}, l)
}

// Returns nil (valid discarding logger) if ctx has no logger.
func ContextValueLogger(ctx context.Context) *Log {
	l, _ := ctx.Value(ctxkey{}).(*Log)
	return l
}

// Independent copy with own level.
func (self *Log) Clone(level Level) *Log {
	if self == nil {
		return nil
	}
	c := NewWriter(self.w, level)
	c.SetFlags(self.l.Flags())
	c.prefix = self.prefix
	c.fatalf = self.fatalf
	return c
}

// Named returns child logger with message prefix "name: ".
// Child shares level with parent, so SetLevel on either affects both.
func (self *Log) Named(name string) *Log {
	if self == nil {
		return nil
	}
	c := &Log{
		l:      log.New(self.w, "", self.l.Flags()),
		level:  self.level,
		w:      self.w,
		prefix: self.prefix + name + ": ",
		fatalf: self.fatalf,
	}
	return c
}

func (self *Log) SetLevel(level Level) {
	if self == nil {
		return
	}
	atomic.StoreInt32(self.level, int32(level))
}

func (self *Log) SetFlags(f int) {
	if self == nil {
		return
	}
	self.l.SetFlags(f)
}

func (self *Log) Enabled(level Level) bool {
	if self == nil {
		return false
	}
	return atomic.LoadInt32(self.level) >= int32(level)
}

func (self *Log) Log(level Level, s string) {
	if self.Enabled(level) {
		_ = self.l.Output(3, self.prefix+s)
	}
}
func (self *Log) Logf(level Level, format string, args ...interface{}) {
	if self.Enabled(level) {
		_ = self.l.Output(3, self.prefix+fmt.Sprintf(format, args...))
	}
}

func (self *Log) Error(args ...interface{}) {
	self.Log(LError, "error: "+fmt.Sprint(args...))
}
func (self *Log) Errorf(format string, args ...interface{}) {
	self.Logf(LError, "error: "+format, args...)
}
func (self *Log) Info(args ...interface{}) {
	self.Log(LInfo, fmt.Sprint(args...))
}
func (self *Log) Infof(format string, args ...interface{}) {
	self.Logf(LInfo, format, args...)
}
func (self *Log) Debug(args ...interface{}) {
	self.Log(LDebug, "debug: "+fmt.Sprint(args...))
}
func (self *Log) Debugf(format string, args ...interface{}) {
	self.Logf(LDebug, "debug: "+format, args...)
}

// Printf makes *Log usable where stdlib-like logger is expected (paho mqtt.ERROR etc).
func (self *Log) Printf(format string, args ...interface{}) {
	self.Logf(LInfo, format, args...)
}
func (self *Log) Println(args ...interface{}) {
	self.Log(LInfo, fmt.Sprint(args...))
}

func (self *Log) Fatalf(format string, args ...interface{}) {
	if self != nil && self.fatalf != nil {
		self.fatalf(format, args...)
		return
	}
	self.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}
func (self *Log) Fatal(args ...interface{}) {
	s := fmt.Sprint(args...)
	if self != nil && self.fatalf != nil {
		self.fatalf("%s", s)
		return
	}
	self.Log(LError, "fatal: "+s)
	os.Exit(1)
}
