package grbl

import (
	"regexp"
	"strconv"
	"strings"
)

// ReplyKind classifies a reply line.
type ReplyKind uint8

const (
	ReplyOK ReplyKind = iota + 1
	ReplyError
	ReplyAlarm
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyOK:
		return "ok"
	case ReplyError:
		return "error"
	case ReplyAlarm:
		return "alarm"
	default:
		return "unknown"
	}
}

// AlarmCodeUnknown is the Code of an alarm reply without a readable number.
const AlarmCodeUnknown = -1

// Reply is a classified acknowledgement line. Raw holds the lowercased line.
type Reply struct {
	Kind   ReplyKind
	Raw    string
	Detail string
	// Code is the alarm number for ReplyAlarm (AlarmCodeUnknown when absent) and the error
	// number for ReplyError when the detail is numeric.
	Code int
}

// IsOK reports whether the reply is an ok.
func (r Reply) IsOK() bool { return r.Kind == ReplyOK }

func (r Reply) String() string {
	if r.Raw == "" {
		return r.Kind.String()
	}

	return r.Raw
}

var alarmCodeRe = regexp.MustCompile(`^alarm:?\s*(\d+)`)

// ParseReply classifies a received line as ok, error or alarm. The match is case-insensitive
// and on the line prefix only. It returns false for any other line.
func ParseReply(line string) (Reply, bool) {
	norm := strings.ToLower(strings.TrimSpace(line))

	switch {
	case strings.HasPrefix(norm, "ok"):
		return Reply{Kind: ReplyOK, Raw: norm}, true

	case strings.HasPrefix(norm, "error"):
		detail := strings.TrimSpace(strings.TrimPrefix(norm[len("error"):], ":"))
		code, err := strconv.Atoi(detail)
		if err != nil {
			code = AlarmCodeUnknown
		}

		return Reply{Kind: ReplyError, Raw: norm, Detail: detail, Code: code}, true

	case strings.HasPrefix(norm, "alarm"):
		r := Reply{Kind: ReplyAlarm, Raw: norm, Code: AlarmCodeUnknown}
		r.Detail = strings.TrimSpace(strings.TrimPrefix(norm[len("alarm"):], ":"))
		if m := alarmCodeRe.FindStringSubmatch(norm); m != nil {
			if code, err := strconv.Atoi(m[1]); err == nil {
				r.Code = code
			}
		}

		return r, true
	}

	return Reply{}, false
}

// ClassifyAlarm returns the alarm code of r. ok is false when r is not an alarm or carries no
// readable code.
func ClassifyAlarm(r Reply) (code int, ok bool) {
	if r.Kind != ReplyAlarm || r.Code == AlarmCodeUnknown {
		return AlarmCodeUnknown, false
	}

	return r.Code, true
}

// IsRecoverableAlarm reports whether code is cleared by unlock-and-retry.
//
// Alarm 8 is a failed pull-off and alarm 9 a limit switch not found (or still triggered) during
// homing. Every other code aborts the enclosing sequence.
func IsRecoverableAlarm(code int) bool {
	return code == 8 || code == 9
}
