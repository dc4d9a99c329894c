package registry

import "fmt"

// Code classifies registry errors.
type Code int

const (
	UnknownTunable Code = iota + 1
	PermissionDenied
	OutOfRange
	CorruptState
)

func (c Code) String() string {
	switch c {
	case UnknownTunable:
		return "unknown tunable"
	case PermissionDenied:
		return "permission denied"
	case OutOfRange:
		return "out of range"
	case CorruptState:
		return "corrupt state"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error is a registry error. Its message is short and meant to be shown to an
// operator as-is.
type Error struct {
	Code Code
	Op   string // "get", "set", "set_flag", "load", ...
	Name string // tunable or flag name, if any
	Msg  string // extra detail
}

func (e *Error) Error() string {
	s := e.Code.String()
	if e.Name != "" {
		s += ": " + e.Name
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

// Is matches on Code so that errors.Is(err, ErrOutOfRange) works for any
// out-of-range error regardless of name and detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Name == "" && t.Op == ""
}

// Sentinels for errors.Is.
var (
	ErrUnknownTunable   = &Error{Code: UnknownTunable}
	ErrPermissionDenied = &Error{Code: PermissionDenied}
	ErrOutOfRange       = &Error{Code: OutOfRange}
	ErrCorruptState     = &Error{Code: CorruptState}
)

func corrupt(format string, args ...any) *Error {
	return &Error{Code: CorruptState, Op: "load", Msg: fmt.Sprintf(format, args...)}
}
