// Package protocol implements the GRBL wire codec: parsing controller-to-host
// lines into typed Messages, and formatting host-to-controller commands.
package protocol

import "fmt"

// RealtimeByte is one of the single-byte realtime commands the controller
// recognises. Realtime bytes are written raw, without termination, and are
// never acknowledged by a normal response.
type RealtimeByte byte

const (
	Reset              RealtimeByte = 0x18
	Stop               RealtimeByte = 0x19
	JogCancel          RealtimeByte = 0x85
	StatusQuery        RealtimeByte = 0x3F // '?'
	Report             RealtimeByte = 0x80
	CycleStart         RealtimeByte = 0x81
	FeedHold           RealtimeByte = 0x82
	ParserStateReport  RealtimeByte = 0x83
	FullReport         RealtimeByte = 0x87
)

func (b RealtimeByte) String() string {
	switch b {
	case Reset:
		return "Reset"
	case Stop:
		return "Stop"
	case JogCancel:
		return "JogCancel"
	case StatusQuery:
		return "StatusQuery"
	case Report:
		return "Report"
	case CycleStart:
		return "CycleStart"
	case FeedHold:
		return "FeedHold"
	case ParserStateReport:
		return "ParserStateReport"
	case FullReport:
		return "FullReport"
	default:
		return fmt.Sprintf("RealtimeByte(0x%02x)", byte(b))
	}
}

// Command is a host-to-controller instruction.
//
// Exactly one of the two shapes is meaningful at a time: a Block carries
// Line (and never IsRealtime), a Realtime command carries Byte (and never a
// Line). Keeping Command a single struct rather than an interface avoids
// heap-allocating a tiny wrapper for every realtime byte on the hot path in
// the scheduler.
type Command struct {
	IsRealtime bool
	Line       string       // Block: opaque text, no embedded newline
	Byte       RealtimeByte // Realtime
}

// BlockCommand constructs a Block command from an opaque text line.
func BlockCommand(line string) Command {
	return Command{Line: line}
}

// RealtimeCommand constructs a Realtime command from a realtime byte.
func RealtimeCommand(b RealtimeByte) Command {
	return Command{IsRealtime: true, Byte: b}
}

// WireLen is the number of bytes this Block occupies on the controller's
// receive buffer once written (line bytes plus the terminating '\n').
// Only meaningful for Block commands.
func (c Command) WireLen() int {
	return len(c.Line) + 1
}

func (c Command) String() string {
	if c.IsRealtime {
		return c.Byte.String()
	}
	return c.Line
}

// Message is a controller-to-host line, as a tagged variant. Kind says
// which of Response/Push is meaningful; for MessageUnknown neither is, and
// Raw holds the verbatim line.
type Message struct {
	Kind     MessageKind
	Response Response
	Push     Push
	Raw      string
}

type MessageKind int

const (
	MessageResponse MessageKind = iota
	MessagePush
	MessageUnknown
)

func (m Message) String() string {
	switch m.Kind {
	case MessageResponse:
		return m.Response.String()
	case MessagePush:
		return m.Push.String()
	default:
		return m.Raw
	}
}

// ResponseKind distinguishes Ok from Error within a Response.
type ResponseKind int

const (
	ResponseOk ResponseKind = iota
	ResponseError
)

// Response is produced exactly once per Block command, in order.
type Response struct {
	Kind ResponseKind
	Code uint8 // meaningful only when Kind == ResponseError
}

func (r Response) String() string {
	if r.Kind == ResponseError {
		return fmt.Sprintf("error:%d", r.Code)
	}
	return "ok"
}

// PushKind distinguishes the three asynchronous push variants.
type PushKind int

const (
	PushAlarm PushKind = iota
	PushReportKind
	PushFeedback
)

// Push is produced asynchronously, not tied to any single command.
type Push struct {
	Kind     PushKind
	Alarm    uint8    // meaningful when Kind == PushAlarm
	Report   Report   // meaningful when Kind == PushReportKind
	Feedback Feedback // meaningful when Kind == PushFeedback
	Raw      string
}

func (p Push) String() string {
	switch p.Kind {
	case PushAlarm:
		return fmt.Sprintf("ALARM:%d", p.Alarm)
	default:
		return p.Raw
	}
}

// Status is the machine status word of a Report.
type Status int

const (
	StatusUnknown Status = iota
	StatusIdle
	StatusHome
	StatusJog
)

func parseStatus(s string) Status {
	switch s {
	case "Idle":
		return StatusIdle
	case "Home":
		return StatusHome
	case "Jog":
		return StatusJog
	default:
		return StatusUnknown
	}
}

// Report is parsed from a push of the form "<Status|Field:Value|...>".
type Report struct {
	StatusWord string // verbatim status word, e.g. "Idle", "Run", "Alarm"
	Status     Status
	HasMPos    bool
	MPos       [3]float64
	HasBuffers bool
	Planner    int
	RxFree     int
	Raw        string
}

// Feedback is parsed from a bracketed message "[KIND:DATA]".
type Feedback struct {
	Kind string
	Data string
	Raw  string
}

// Probe is the parsed form of a PRB feedback's Data field, accepting either
// a 3-tuple (x,y,z:success) or a 5-tuple (x,y,z,a,b:success) coordinate
// list, surfacing only x,y,z (see spec Open Question #3).
type Probe struct {
	X, Y, Z float64
	Success bool
}
