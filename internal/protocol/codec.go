package protocol

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"cnc-ctrl/internal/protoerr"
)

var (
	errorRegex    = regexp.MustCompile(`^error:(\d+)$`)
	alarmRegex    = regexp.MustCompile(`^ALARM:(\d+)$`)
	reportRegex   = regexp.MustCompile(`^<([^|>]+)(\|[^>]*)*>$`)
	feedbackRegex = regexp.MustCompile(`^\[(MSG|GC|PRB|TLO|G\d+):[^\]]*\]$`)
)

// Parse classifies a trimmed controller line into a Message. It never
// returns an error for lines it cannot classify: those become
// MessageUnknown, per spec (a ParseError is non-fatal and the line is
// surfaced verbatim). Parse returns an error only for a recognised shape
// carrying an unparseable payload (e.g. "error:300", whose code does not
// fit in a uint8; "error:abc" does not match and is Unknown), which callers should
// log and otherwise ignore.
func Parse(line string) (Message, error) {
	switch {
	case line == "ok":
		return Message{Kind: MessageResponse, Response: Response{Kind: ResponseOk}}, nil

	case errorRegex.MatchString(line):
		code, err := parseCode(errorRegex.FindStringSubmatch(line)[1])
		if err != nil {
			return Message{}, errors.Wrapf(protoerr.ErrInvalidCode, "error response %q", line)
		}
		return Message{Kind: MessageResponse, Response: Response{Kind: ResponseError, Code: code}}, nil

	case alarmRegex.MatchString(line):
		code, err := parseCode(alarmRegex.FindStringSubmatch(line)[1])
		if err != nil {
			return Message{}, errors.Wrapf(protoerr.ErrInvalidCode, "alarm push %q", line)
		}
		return Message{Kind: MessagePush, Push: Push{Kind: PushAlarm, Alarm: code, Raw: line}}, nil

	case reportRegex.MatchString(line):
		return Message{Kind: MessagePush, Push: Push{Kind: PushReportKind, Report: parseReport(line), Raw: line}}, nil

	case feedbackRegex.MatchString(line):
		return Message{Kind: MessagePush, Push: Push{Kind: PushFeedback, Feedback: parseFeedback(line), Raw: line}}, nil

	default:
		return Message{Kind: MessageUnknown, Raw: line}, nil
	}
}

func parseCode(digits string) (uint8, error) {
	n, err := strconv.ParseUint(digits, 10, 8)
	if err != nil {
		return 0, err
	}
	return uint8(n), nil
}

// parseReport splits the body between '<' and '>' on '|'; the first segment
// is the status word, subsequent segments are KEY:VALUE. Unknown keys are
// ignored but preserved in Raw.
func parseReport(line string) Report {
	content := strings.TrimSuffix(strings.TrimPrefix(line, "<"), ">")
	parts := strings.Split(content, "|")

	r := Report{Raw: line}
	if len(parts) > 0 {
		r.StatusWord = parts[0]
		r.Status = parseStatus(parts[0])
	}

	for _, part := range parts[1:] {
		switch {
		case strings.HasPrefix(part, "MPos:"):
			coords := strings.Split(strings.TrimPrefix(part, "MPos:"), ",")
			if len(coords) >= 3 {
				x, ex := strconv.ParseFloat(coords[0], 64)
				y, ey := strconv.ParseFloat(coords[1], 64)
				z, ez := strconv.ParseFloat(coords[2], 64)
				if ex == nil && ey == nil && ez == nil {
					r.HasMPos = true
					r.MPos = [3]float64{x, y, z}
				}
			}
		case strings.HasPrefix(part, "Bf:"):
			buf := strings.Split(strings.TrimPrefix(part, "Bf:"), ",")
			if len(buf) >= 2 {
				plan, ep := strconv.Atoi(buf[0])
				rx, er := strconv.Atoi(buf[1])
				if ep == nil && er == nil {
					r.HasBuffers = true
					r.Planner = plan
					r.RxFree = rx
				}
			}
		}
	}

	return r
}

// parseFeedback splits the content between '[' and ']' on the first ':'
// only; the key becomes Kind, the remainder Data.
func parseFeedback(line string) Feedback {
	content := strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
	idx := strings.IndexByte(content, ':')
	if idx < 0 {
		return Feedback{Kind: content, Raw: line}
	}
	return Feedback{Kind: content[:idx], Data: content[idx+1:], Raw: line}
}

// ParseProbe parses the Data field of a PRB feedback, accepting either a
// 3-tuple (x,y,z:success) or 5-tuple (x,y,z,a,b:success) coordinate list,
// surfacing only x,y,z. The data string is the part after "PRB:", e.g.
// "1.000,2.000,3.000:1".
func ParseProbe(data string) (Probe, bool) {
	coordPart, successPart, ok := strings.Cut(data, ":")
	if !ok {
		return Probe{}, false
	}
	coords := strings.Split(coordPart, ",")
	if len(coords) != 3 && len(coords) != 5 {
		return Probe{}, false
	}
	x, ex := strconv.ParseFloat(coords[0], 64)
	y, ey := strconv.ParseFloat(coords[1], 64)
	z, ez := strconv.ParseFloat(coords[2], 64)
	if ex != nil || ey != nil || ez != nil {
		return Probe{}, false
	}
	return Probe{X: x, Y: y, Z: z, Success: successPart == "1"}, true
}

// Format renders the canonical wire/log representation of a Message. It is
// used only for logging; the scheduler writes raw bytes separately via
// Command.Line/Command.Byte.
func Format(m Message) string {
	return m.String()
}
