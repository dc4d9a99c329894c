package registry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the type of a tunable.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindInt
	KindFloat
	KindDuration
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindDuration:
		return "duration"
	case KindEnum:
		return "enum"
	default:
		return "invalid"
	}
}

// Value is an immutable tunable value. The zero Value has no kind and is
// what failed lookups return.
//
// Every kind packs into raw; enums additionally carry the option name.
type Value struct {
	kind Kind
	raw  uint64
	str  string
}

// Bool returns a bool value.
func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, raw: 1}
	}
	return Value{kind: KindBool}
}

// Int returns an int value.
func Int(n int64) Value { return Value{kind: KindInt, raw: uint64(n)} }

// Float returns a float value.
func Float(f float64) Value { return Value{kind: KindFloat, raw: math.Float64bits(f)} }

// Duration returns a duration value.
func Duration(d time.Duration) Value { return Value{kind: KindDuration, raw: uint64(d)} }

// Enum returns an enum value naming one of a tunable's options. The option
// is resolved against the tunable when the value is written.
func Enum(option string) Value { return Value{kind: KindEnum, str: option} }

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether v is the zero Value.
func (v Value) IsZero() bool { return v.kind == 0 }

func (v Value) Bool() bool { return v.kind == KindBool && v.raw != 0 }

func (v Value) Int() int64 { return int64(v.raw) }

func (v Value) Float() float64 { return math.Float64frombits(v.raw) }

func (v Value) Duration() time.Duration { return time.Duration(v.raw) }

func (v Value) Enum() string { return v.str }

// String renders the value for operators and audit lines.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.raw != 0)
	case KindInt:
		return strconv.FormatInt(int64(v.raw), 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case KindDuration:
		return time.Duration(v.raw).String()
	case KindEnum:
		return v.str
	default:
		return ""
	}
}

// Equal reports whether two values are the same kind and value. Enum options
// compare case-insensitively.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	if v.kind == KindEnum {
		return strings.EqualFold(v.str, o.str)
	}
	return v.raw == o.raw
}

// ParseValue parses an operator-supplied string into a value of t's kind.
// Range checks are not applied here; Set applies them.
func ParseValue(t *Tunable, s string) (Value, error) {
	s = strings.TrimSpace(s)
	bad := func(msg string) error {
		return &Error{Code: OutOfRange, Op: "parse", Name: t.Name, Msg: msg}
	}
	switch t.Kind {
	case KindBool:
		b, ok := parseBool(s)
		if !ok {
			return Value{}, bad(fmt.Sprintf("%q is not a boolean", s))
		}
		return Bool(b), nil
	case KindInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, bad(fmt.Sprintf("%q is not an integer", s))
		}
		return Int(n), nil
	case KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return Value{}, bad(fmt.Sprintf("%q is not a number", s))
		}
		if strings.HasSuffix(s, "%") {
			f /= 100
		}
		return Float(f), nil
	case KindDuration:
		// Bare integers are seconds, matching the legacy console format.
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			if n > maxSeconds || n < -maxSeconds {
				return Value{}, bad(fmt.Sprintf("%s seconds does not fit a duration", s))
			}
			return Duration(time.Duration(n) * time.Second), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return Value{}, bad(fmt.Sprintf("%q is not a duration", s))
		}
		return Duration(d), nil
	case KindEnum:
		for _, opt := range t.Options {
			if strings.EqualFold(opt, s) {
				return Enum(opt), nil
			}
		}
		return Value{}, bad(fmt.Sprintf("%q is not one of %s", s, strings.Join(t.Options, ", ")))
	}
	return Value{}, bad("tunable has no kind")
}

const maxSeconds = int64(math.MaxInt64 / time.Second)

// ParseBool parses the boolean spellings accepted by the console.
func ParseBool(s string) (bool, bool) {
	return parseBool(s)
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "true", "1", "on":
		return true, true
	case "no", "false", "0", "off":
		return false, true
	}
	return false, false
}
