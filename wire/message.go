package wire

import (
	"fmt"
	"math"

	"github.com/astrobox-ng/edge/value"
	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
)

// protobuf wire types
const (
	wireVarint  = 0
	wireFixed64 = 1
	wireBytes   = 2
	wireFixed32 = 5
)

const (
	HandshakeOK                   uint16 = 0
	HandshakeIncompatibleProtocol uint16 = 1
)

type Message interface {
	MessageType() Type
	encodeFields(e *encoder)
	decodeField(f *field) error
}

type Command struct {
	ID        uint32
	Opcode    uint32
	Handle    string
	Value     value.Value
	TimeoutMs uint32
}

type CommandResponse struct {
	ID      uint32
	State   uint8
	Code    uint16
	Message string
	Value   value.Value
}

type Sample struct {
	Handle string
	TimeMs int64 // unix milliseconds
	Value  value.Value
	Fault  string // not empty means gap, Value is None
}

type Telemetry struct {
	Seq     uint32
	Part    uint32 // 0 based
	Parts   uint32
	TimeMs  int64
	Samples []Sample
}

type Handshake struct {
	Version    uint32
	MinVersion uint32
	DeviceID   string
	BootID     []byte
	Build      string
	Code       uint16
}

type Cancel struct {
	ID uint32
}

type Heartbeat struct {
	Seq  uint32
	Acks []uint32 // command ids whose final response host received
}

func (*Command) MessageType() Type         { return TypeCommand }
func (*CommandResponse) MessageType() Type { return TypeCommandResponse }
func (*Telemetry) MessageType() Type       { return TypeTelemetry }
func (*Handshake) MessageType() Type       { return TypeHandshake }
func (*Cancel) MessageType() Type          { return TypeCancel }
func (*Heartbeat) MessageType() Type       { return TypeHeartbeat }

// EncodeMessage is total.
func EncodeMessage(m Message) Frame {
	e := newEncoder()
	m.encodeFields(e)
	return Frame{Type: m.MessageType(), Payload: e.b.Bytes()}
}

// Marshal is shortcut for Encode(EncodeMessage(m)).
func Marshal(m Message) []byte { return Encode(EncodeMessage(m)) }

func NewMessage(t Type) (Message, error) {
	switch t {
	case TypeCommand:
		return &Command{}, nil
	case TypeCommandResponse:
		return &CommandResponse{}, nil
	case TypeTelemetry:
		return &Telemetry{}, nil
	case TypeHandshake:
		return &Handshake{}, nil
	case TypeCancel:
		return &Cancel{}, nil
	case TypeHeartbeat:
		return &Heartbeat{}, nil
	}
	return nil, &CodecError{Kind: UnknownType, Type: t}
}

// DecodeMessage interprets payload of checksum-valid frame.
func DecodeMessage(f Frame) (Message, error) {
	m, err := NewMessage(f.Type)
	if err != nil {
		return nil, err
	}
	if err := decodeFields(f.Payload, m.decodeField); err != nil {
		return nil, errors.Annotatef(err, "decode %s", f.Type)
	}
	return m, nil
}

func Unmarshal(f Frame, m Message) error {
	if f.Type != m.MessageType() {
		return errors.NotValidf("frame type=%s message=%s", f.Type, m.MessageType())
	}
	return decodeFields(f.Payload, m.decodeField)
}

func (self *Command) encodeFields(e *encoder) {
	e.uint(1, uint64(self.ID))
	e.uint(2, uint64(self.Opcode))
	e.str(3, self.Handle)
	e.value(4, self.Value)
	e.uint(5, uint64(self.TimeoutMs))
}
func (self *Command) decodeField(f *field) error {
	var err error
	switch f.num {
	case 1:
		self.ID, err = f.uint32()
	case 2:
		self.Opcode, err = f.uint32()
	case 3:
		self.Handle = string(f.b)
	case 4:
		return f.value(&self.Value)
	case 5:
		self.TimeoutMs, err = f.uint32()
	}
	return err
}

func (self *CommandResponse) encodeFields(e *encoder) {
	e.uint(1, uint64(self.ID))
	e.uint(2, uint64(self.State))
	e.uint(3, uint64(self.Code))
	e.str(4, self.Message)
	e.value(5, self.Value)
}
func (self *CommandResponse) decodeField(f *field) error {
	var err error
	switch f.num {
	case 1:
		self.ID, err = f.uint32()
	case 2:
		self.State, err = f.uint8()
	case 3:
		self.Code, err = f.uint16()
	case 4:
		self.Message = string(f.b)
	case 5:
		return f.value(&self.Value)
	}
	return err
}

func (self *Sample) encodeFields(e *encoder) {
	e.str(1, self.Handle)
	e.uint(2, uint64(self.TimeMs))
	e.value(3, self.Value)
	e.str(4, self.Fault)
}
func (self *Sample) decodeField(f *field) error {
	switch f.num {
	case 1:
		self.Handle = string(f.b)
	case 2:
		self.TimeMs = int64(f.n)
	case 3:
		return f.value(&self.Value)
	case 4:
		self.Fault = string(f.b)
	}
	return nil
}

// EncodedSize is number of bytes sample adds to Telemetry payload.
func (self *Sample) EncodedSize() int {
	e := newEncoder()
	e.message(4, self.encodeFields)
	return len(e.b.Bytes())
}

func (self *Telemetry) encodeFields(e *encoder) {
	e.uint(1, uint64(self.Seq))
	e.uint(2, uint64(self.Part))
	e.uint(3, uint64(self.Parts))
	e.uint(5, uint64(self.TimeMs))
	for i := range self.Samples {
		e.message(4, self.Samples[i].encodeFields)
	}
}
func (self *Telemetry) decodeField(f *field) error {
	var err error
	switch f.num {
	case 1:
		self.Seq, err = f.uint32()
	case 2:
		self.Part, err = f.uint32()
	case 3:
		self.Parts, err = f.uint32()
	case 4:
		var s Sample
		if err := decodeFields(f.b, s.decodeField); err != nil {
			return errors.Annotate(err, "sample")
		}
		self.Samples = append(self.Samples, s)
	case 5:
		self.TimeMs = int64(f.n)
	}
	return err
}

// TelemetryOverhead is upper bound of encoded frame size for Telemetry without samples.
func TelemetryOverhead(seq uint32, timeMs int64) int {
	t := Telemetry{Seq: seq, TimeMs: timeMs, Part: math.MaxUint32, Parts: math.MaxUint32}
	f := EncodeMessage(&t)
	return f.Size()
}

func (self *Handshake) encodeFields(e *encoder) {
	e.uint(1, uint64(self.Version))
	e.str(2, self.DeviceID)
	e.bytes(3, self.BootID)
	e.str(4, self.Build)
	e.uint(5, uint64(self.Code))
	e.uint(6, uint64(self.MinVersion))
}
func (self *Handshake) decodeField(f *field) error {
	var err error
	switch f.num {
	case 1:
		self.Version, err = f.uint32()
	case 2:
		self.DeviceID = string(f.b)
	case 3:
		self.BootID = append([]byte(nil), f.b...)
	case 4:
		self.Build = string(f.b)
	case 5:
		self.Code, err = f.uint16()
	case 6:
		self.MinVersion, err = f.uint32()
	}
	return err
}

func (self *Cancel) encodeFields(e *encoder) { e.uint(1, uint64(self.ID)) }
func (self *Cancel) decodeField(f *field) error {
	var err error
	if f.num == 1 {
		self.ID, err = f.uint32()
	}
	return err
}

func (self *Heartbeat) encodeFields(e *encoder) {
	e.uint(1, uint64(self.Seq))
	for _, id := range self.Acks {
		e.key(2, wireVarint)
		_ = e.b.EncodeVarint(uint64(id))
	}
}
func (self *Heartbeat) decodeField(f *field) error {
	var err error
	switch f.num {
	case 1:
		self.Seq, err = f.uint32()
	case 2:
		if f.wire == wireBytes { // packed
			pb := proto.NewBuffer(f.b)
			for len(pb.Unread()) > 0 {
				x, err := pb.DecodeVarint()
				if err != nil {
					return errors.Annotate(err, "acks")
				}
				if x > math.MaxUint32 {
					return errors.NotValidf("ack=%d overflow", x)
				}
				self.Acks = append(self.Acks, uint32(x))
			}
			return nil
		}
		var id uint32
		if id, err = f.uint32(); err == nil {
			self.Acks = append(self.Acks, id)
		}
	}
	return err
}

func (self *Command) String() string {
	return fmt.Sprintf("command(id=%d op=%d handle=%s value=%s timeout=%dms)", self.ID, self.Opcode, self.Handle, self.Value.String(), self.TimeoutMs)
}
func (self *CommandResponse) String() string {
	return fmt.Sprintf("response(id=%d state=%d code=%d value=%s message=%s)", self.ID, self.State, self.Code, self.Value.String(), self.Message)
}

type encoder struct{ b *proto.Buffer }

func newEncoder() *encoder { return &encoder{b: proto.NewBuffer(nil)} }

func (e *encoder) key(num int, wire uint64) { _ = e.b.EncodeVarint(uint64(num)<<3 | wire) }

// zero values are omitted
func (e *encoder) uint(num int, x uint64) {
	if x == 0 {
		return
	}
	e.key(num, wireVarint)
	_ = e.b.EncodeVarint(x)
}
func (e *encoder) bytes(num int, b []byte) {
	if len(b) == 0 {
		return
	}
	e.key(num, wireBytes)
	_ = e.b.EncodeRawBytes(b)
}
func (e *encoder) str(num int, s string) {
	if s == "" {
		return
	}
	e.key(num, wireBytes)
	_ = e.b.EncodeStringBytes(s)
}
func (e *encoder) message(num int, fun func(*encoder)) {
	sub := newEncoder()
	fun(sub)
	e.key(num, wireBytes)
	_ = e.b.EncodeRawBytes(sub.b.Bytes())
}

// value: kind:1 raw:2(fixed64) bytes:3
func (e *encoder) value(num int, v value.Value) {
	if v.IsNone() {
		return
	}
	e.message(num, func(sub *encoder) {
		sub.uint(1, uint64(v.Kind()))
		switch v.Kind() {
		case value.KindString:
			s, _ := v.Str()
			sub.str(3, s)
		case value.KindBytes:
			b, _ := v.Bytes()
			sub.bytes(3, b)
		default:
			if raw := v.Raw(); raw != 0 {
				sub.key(2, wireFixed64)
				_ = sub.b.EncodeFixed64(raw)
			}
		}
	})
}

type field struct {
	num  int
	wire int
	n    uint64
	b    []byte
}

func (f *field) uint8() (uint8, error) {
	if f.n > math.MaxUint8 {
		return 0, errors.NotValidf("field=%d value=%d overflows uint8", f.num, f.n)
	}
	return uint8(f.n), nil
}

func (f *field) uint16() (uint16, error) {
	if f.n > math.MaxUint16 {
		return 0, errors.NotValidf("field=%d value=%d overflows uint16", f.num, f.n)
	}
	return uint16(f.n), nil
}

func (f *field) uint32() (uint32, error) {
	if f.n > math.MaxUint32 {
		return 0, errors.NotValidf("field=%d value=%d overflows uint32", f.num, f.n)
	}
	return uint32(f.n), nil
}

func (f *field) value(v *value.Value) error {
	var kind, raw uint64
	var b []byte
	err := decodeFields(f.b, func(sub *field) error {
		switch sub.num {
		case 1:
			kind = sub.n
		case 2:
			raw = sub.n
		case 3:
			b = sub.b
		}
		return nil
	})
	if err != nil {
		return errors.Annotate(err, "value")
	}
	*v, err = value.FromRaw(value.Kind(kind), raw, b)
	return err
}

// decodeFields walks protobuf encoded fields, unknown ones are passed to fun and usually ignored.
func decodeFields(b []byte, fun func(*field) error) error {
	pb := proto.NewBuffer(b)
	for len(pb.Unread()) > 0 {
		key, err := pb.DecodeVarint()
		if err != nil {
			return errors.Annotate(err, "key")
		}
		f := field{num: int(key >> 3), wire: int(key & 7)}
		switch f.wire {
		case wireVarint:
			f.n, err = pb.DecodeVarint()
		case wireFixed64:
			f.n, err = pb.DecodeFixed64()
		case wireBytes:
			f.b, err = pb.DecodeRawBytes(false)
		case wireFixed32:
			f.n, err = pb.DecodeFixed32()
		default:
			return errors.NotSupportedf("field=%d wire type=%d", f.num, f.wire)
		}
		if err != nil {
			return errors.Annotatef(err, "field=%d", f.num)
		}
		if err = fun(&f); err != nil {
			return err
		}
	}
	return nil
}
