package wire

import (
	"fmt"

	"github.com/juju/errors"
)

var ErrNeedMore = fmt.Errorf("frame incomplete, need more data")

type CodecErrorKind uint8

const (
	Truncated CodecErrorKind = iota + 1
	ChecksumMismatch
	UnknownType
	Oversize
)

func (k CodecErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case ChecksumMismatch:
		return "checksum mismatch"
	case UnknownType:
		return "unknown type"
	case Oversize:
		return "length out of range"
	}
	return fmt.Sprintf("codec(%d)", uint8(k))
}

// CodecError is frame level problem. Frame is dropped, connection survives.
type CodecError struct {
	Kind   CodecErrorKind
	Type   Type
	Length int
	detail string
}

func (e *CodecError) Error() string {
	s := fmt.Sprintf("wire: %s length=%d", e.Kind, e.Length)
	if e.Kind == UnknownType {
		s += fmt.Sprintf(" type=%02x", byte(e.Type))
	}
	if e.detail != "" {
		s += " " + e.detail
	}
	return s
}

// Skippable errors leave stream in sync, next frame may be decoded right away.
func (e *CodecError) Skippable() bool { return e.Kind == UnknownType || e.Kind == ChecksumMismatch }

// AsCodecError looks through annotations.
func AsCodecError(err error) (*CodecError, bool) {
	ce, ok := errors.Cause(err).(*CodecError)
	return ce, ok
}

func IsKind(err error, k CodecErrorKind) bool {
	ce, ok := AsCodecError(err)
	return ok && ce.Kind == k
}
