package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/astrobox-ng/edge/crc"
)

type Type byte

const (
	TypeCommand         Type = 0x01
	TypeCommandResponse Type = 0x02
	TypeTelemetry       Type = 0x03
	TypeHandshake       Type = 0x04
	TypeCancel          Type = 0x05
	TypeHeartbeat       Type = 0x06
)

func (t Type) Known() bool { return t >= TypeCommand && t <= TypeHeartbeat }

func (t Type) String() string {
	switch t {
	case TypeCommand:
		return "command"
	case TypeCommandResponse:
		return "response"
	case TypeTelemetry:
		return "telemetry"
	case TypeHandshake:
		return "handshake"
	case TypeCancel:
		return "cancel"
	case TypeHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("type(%02x)", byte(t))
}

const (
	LengthSize   = 2
	TypeSize     = 1
	CRCSize      = 2
	Overhead     = LengthSize + TypeSize + CRCSize
	MinFrameSize = Overhead
	// Default limit of whole encoded frame including overhead.
	MaxFrameSize = 512
	// Hard limit imposed by length field.
	MaxFrameSizeWire = LengthSize + 0xffff
)

type Frame struct {
	Type    Type
	Payload []byte
}

// Size of encoded frame.
func (f *Frame) Size() int { return Overhead + len(f.Payload) }

func (f *Frame) String() string {
	return fmt.Sprintf("(%s len=%d)", f.Type, len(f.Payload))
}

// Encode is total for frames with payload up to MaxFrameSizeWire-Overhead.
// Larger payload is a programming error and panics.
func Encode(f Frame) []byte {
	return AppendEncode(make([]byte, 0, f.Size()), f)
}

func AppendEncode(dst []byte, f Frame) []byte {
	size := f.Size()
	if size > MaxFrameSizeWire {
		panic(fmt.Sprintf("code error wire.Encode payload=%d too large", len(f.Payload)))
	}
	start := len(dst)
	dst = append(dst, 0, 0, byte(f.Type))
	binary.BigEndian.PutUint16(dst[start:], uint16(size-LengthSize))
	dst = append(dst, f.Payload...)
	sum := crc.CRC16(dst[start:])
	return append(dst, byte(sum>>8), byte(sum))
}

// Decode one frame from start of b.
// Returns frame and number of consumed bytes.
// Truncated error with n=0 means b holds incomplete frame.
// Other codec errors report n bytes to skip; Oversize n=len(b) as stream is out of sync.
// Checksum is validated before type is looked at.
func Decode(b []byte, max int) (Frame, int, error) {
	if max <= 0 {
		max = MaxFrameSize
	}
	if len(b) < LengthSize {
		return Frame{}, 0, &CodecError{Kind: Truncated, Length: len(b)}
	}
	length := int(binary.BigEndian.Uint16(b))
	total := LengthSize + length
	if total < MinFrameSize || total > max {
		return Frame{}, len(b), &CodecError{Kind: Oversize, Length: total}
	}
	if len(b) < total {
		return Frame{}, 0, &CodecError{Kind: Truncated, Length: total}
	}
	declared := binary.BigEndian.Uint16(b[total-CRCSize:])
	actual := crc.CRC16(b[:total-CRCSize])
	if declared != actual {
		return Frame{}, total, &CodecError{Kind: ChecksumMismatch, Length: total,
			detail: fmt.Sprintf("declared=%04x actual=%04x", declared, actual)}
	}
	f := Frame{
		Type:    Type(b[LengthSize]),
		Payload: append([]byte(nil), b[LengthSize+TypeSize:total-CRCSize]...),
	}
	if !f.Type.Known() {
		return f, total, &CodecError{Kind: UnknownType, Type: f.Type, Length: total}
	}
	return f, total, nil
}
