package dispatch

import "fmt"

type Code uint16

// Host visible result codes.
const (
	CodeOK Code = iota
	CodeDuplicateCommand
	CodeUnsupportedOperation
	CodeInvalidValue
	CodeTimedOut
	CodeCancelled
	CodeConnectionLost
	CodeHardwareFault
	CodeUnknownPeripheral
	CodeBusy
)

var codeNames = [...]string{
	"OK",
	"DuplicateCommand",
	"UnsupportedOperation",
	"InvalidValue",
	"TimedOut",
	"Cancelled",
	"ConnectionLost",
	"HardwareFault",
	"UnknownPeripheral",
	"Busy",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", uint16(c))
}

type State uint8

const (
	StateUnknown State = iota
	StatePending
	StateExecuting
	StateCompleted
	StateFailed
	StateTimedOut
	// Rejected response refuses one submission, existing command with same id is not affected.
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StatePending:
		return "pending"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timedout"
	case StateRejected:
		return "rejected"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Final states wait for host ack.
func (s State) Final() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

func (s State) InFlight() bool { return s == StatePending || s == StateExecuting }

type Opcode uint32

const (
	OpRead   Opcode = 0x01
	OpWrite  Opcode = 0x02
	OpStatus Opcode = 0x03
	OpList   Opcode = 0x04
)

func (o Opcode) Known() bool { return o >= OpRead && o <= OpList }

func (o Opcode) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpStatus:
		return "status"
	case OpList:
		return "list"
	}
	return fmt.Sprintf("Opcode(%d)", uint32(o))
}
