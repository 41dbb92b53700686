// Package value is the tagged scalar shared by peripheral drivers, commands and telemetry.
package value

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

type Kind uint8

const (
	KindNone Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Zero Value is None.
type Value struct {
	kind Kind
	n    uint64 // bool, int64 or float64 bits
	s    string
	b    []byte
}

func None() Value { return Value{} }
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.n = 1
	}
	return v
}
func Int(i int64) Value     { return Value{kind: KindInt, n: uint64(i)} }
func Float(f float64) Value { return Value{kind: KindFloat, n: math.Float64bits(f)} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Bytes(b []byte) Value  { return Value{kind: KindBytes, b: append([]byte(nil), b...)} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNone() bool { return v.kind == KindNone }

func (v Value) Bool() (bool, bool) { return v.n != 0, v.kind == KindBool }
func (v Value) Int() (int64, bool) { return int64(v.n), v.kind == KindInt }
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return math.Float64frombits(v.n), true
	case KindInt:
		return float64(int64(v.n)), true
	}
	return 0, false
}
func (v Value) Str() (string, bool)     { return v.s, v.kind == KindString }
func (v Value) Bytes() ([]byte, bool)   { return v.b, v.kind == KindBytes }

// Raw is the numeric payload as stored on the wire (bool 0/1, int two's complement, float bits).
func (v Value) Raw() uint64 { return v.n }

// FromRaw is inverse of Raw/Str/Bytes for wire decoding.
func FromRaw(k Kind, n uint64, b []byte) (Value, error) {
	switch k {
	case KindNone:
		return None(), nil
	case KindBool:
		return Bool(n != 0), nil
	case KindInt:
		return Int(int64(n)), nil
	case KindFloat:
		return Float(math.Float64frombits(n)), nil
	case KindString:
		return String(string(b)), nil
	case KindBytes:
		return Bytes(b), nil
	}
	return None(), errors.NotValidf("value kind=%d", k)
}

func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNone:
		return true
	case KindString:
		return v.s == other.s
	case KindBytes:
		return bytes.Equal(v.b, other.b)
	}
	return v.n == other.n
}

func (v Value) String() string {
	switch v.kind {
	case KindNone:
		return "none"
	case KindBool:
		return strconv.FormatBool(v.n != 0)
	case KindInt:
		return strconv.FormatInt(int64(v.n), 10)
	case KindFloat:
		return strconv.FormatFloat(math.Float64frombits(v.n), 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	case KindBytes:
		return "0x" + hex.EncodeToString(v.b)
	}
	return "invalid"
}

// Parse reads text form produced by String().
// Unquoted text that is not a number, bool or 0x-hex is taken as string.
func Parse(s string) (Value, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "none":
		return None(), nil
	case "true", "on", "yes":
		return Bool(true), nil
	case "false", "off", "no":
		return Bool(false), nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		b, err := hex.DecodeString(s[2:])
		if err != nil {
			return None(), errors.NotValidf("hex value %q", s)
		}
		return Bytes(b), nil
	}
	if s[0] == '"' {
		u, err := strconv.Unquote(s)
		if err != nil {
			return None(), errors.NotValidf("quoted value %s", s)
		}
		return String(u), nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(i), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Float(f), nil
	}
	return String(s), nil
}
