package registry

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/crystal-mush/worldtune/pkg/access"
)

// Tunable is one schema entry. The schema is fixed at startup; the registry
// never adds or removes tunables at runtime.
type Tunable struct {
	Name        string
	Kind        Kind
	Default     Value
	Options     []string // enum choices; order is the persisted index for version 1 saves
	ReadFloor   access.Level
	WriteFloor  access.Level
	Check       func(Value) error // range check, nil = any value of the kind
	Sensitive   bool              // writes go to the audit sink
	Description string
}

// Flag is one feature switch in the shared bitset. Bit indices are
// permanent once shipped.
type Flag struct {
	Name        string
	Bit         int
	Default     bool
	ReadFloor   access.Level
	WriteFloor  access.Level
	Sensitive   bool
	Description string
}

// Schema is the complete static definition of a registry.
type Schema struct {
	Tunables  []Tunable
	Flags     []Flag
	FlagWidth int // number of bits; rounded up to a multiple of 64
}

// validate checks the schema's static invariants.
func (s *Schema) validate() error {
	seen := make(map[string]string)
	for i := range s.Tunables {
		t := &s.Tunables[i]
		if t.Name == "" {
			return fmt.Errorf("registry: tunable %d has no name", i)
		}
		if prev, dup := seen[t.Name]; dup {
			return fmt.Errorf("registry: %q defined twice (%s and tunable)", t.Name, prev)
		}
		seen[t.Name] = "tunable"
		if t.Kind < KindBool || t.Kind > KindEnum {
			return fmt.Errorf("registry: %s: invalid kind %d", t.Name, t.Kind)
		}
		if !t.ReadFloor.Valid() || !t.WriteFloor.Valid() {
			return fmt.Errorf("registry: %s: invalid access floor", t.Name)
		}
		if t.ReadFloor > t.WriteFloor {
			return fmt.Errorf("registry: %s: read floor %s above write floor %s", t.Name, t.ReadFloor, t.WriteFloor)
		}
		if t.Kind == KindEnum && len(t.Options) == 0 {
			return fmt.Errorf("registry: %s: enum without options", t.Name)
		}
		if t.Default.Kind() != t.Kind {
			return fmt.Errorf("registry: %s: default is %s, want %s", t.Name, t.Default.Kind(), t.Kind)
		}
		if _, err := t.encode(t.Default); err != nil {
			return fmt.Errorf("registry: %s: default rejected: %w", t.Name, err)
		}
	}

	width := s.FlagWidth
	if width <= 0 {
		width = 64
	}
	bits := make(map[int]string)
	for i := range s.Flags {
		f := &s.Flags[i]
		if f.Name == "" {
			return fmt.Errorf("registry: flag %d has no name", i)
		}
		if prev, dup := seen[f.Name]; dup {
			return fmt.Errorf("registry: %q defined twice (%s and flag)", f.Name, prev)
		}
		seen[f.Name] = "flag"
		if f.Bit < 0 || f.Bit >= width {
			return fmt.Errorf("registry: flag %s: bit %d outside width %d", f.Name, f.Bit, width)
		}
		if other, dup := bits[f.Bit]; dup {
			return fmt.Errorf("registry: flag %s: bit %d already used by %s", f.Name, f.Bit, other)
		}
		bits[f.Bit] = f.Name
		if f.ReadFloor > f.WriteFloor {
			return fmt.Errorf("registry: flag %s: read floor %s above write floor %s", f.Name, f.ReadFloor, f.WriteFloor)
		}
	}
	return nil
}

// encode validates v against t and returns its packed form.
func (t *Tunable) encode(v Value) (uint64, *Error) {
	raw, err := t.pack(v)
	if err != nil {
		return 0, err
	}
	switch t.Kind {
	case KindFloat:
		if f := v.Float(); math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, &Error{Code: OutOfRange, Op: "set", Name: t.Name, Msg: "not a finite number"}
		}
	case KindDuration:
		if v.Duration() < 0 {
			return 0, &Error{Code: OutOfRange, Op: "set", Name: t.Name, Msg: "duration must not be negative"}
		}
	}
	if t.Check != nil {
		if cerr := t.Check(v); cerr != nil {
			return 0, &Error{Code: OutOfRange, Op: "set", Name: t.Name, Msg: cerr.Error()}
		}
	}
	return raw, nil
}

// pack converts v to its raw form, checking only kind and enum membership.
func (t *Tunable) pack(v Value) (uint64, *Error) {
	if v.Kind() != t.Kind {
		return 0, &Error{Code: OutOfRange, Op: "set", Name: t.Name,
			Msg: fmt.Sprintf("expects %s, got %s", t.Kind, kindName(v.Kind()))}
	}
	if t.Kind == KindEnum {
		idx := t.optionIndex(v.Enum())
		if idx < 0 {
			return 0, &Error{Code: OutOfRange, Op: "set", Name: t.Name,
				Msg: fmt.Sprintf("%q is not a valid option", v.Enum())}
		}
		return uint64(idx), nil
	}
	return v.raw, nil
}

// unpack builds a Value from its raw form.
func (t *Tunable) unpack(raw uint64) Value {
	if t.Kind == KindEnum {
		if raw < uint64(len(t.Options)) {
			return Value{kind: KindEnum, raw: raw, str: t.Options[raw]}
		}
		return Value{kind: KindEnum, raw: raw}
	}
	return Value{kind: t.Kind, raw: raw}
}

func (t *Tunable) optionIndex(name string) int {
	for i, opt := range t.Options {
		if opt == name {
			return i
		}
	}
	for i, opt := range t.Options {
		if strings.EqualFold(opt, name) {
			return i
		}
	}
	return -1
}

func kindName(k Kind) string {
	if k == 0 {
		return "nothing"
	}
	return k.String()
}

// --- Range checks ---

// IntAtLeast rejects ints below min.
func IntAtLeast(min int64) func(Value) error {
	return func(v Value) error {
		if v.Int() < min {
			return fmt.Errorf("must be at least %d", min)
		}
		return nil
	}
}

// IntBetween rejects ints outside [min, max].
func IntBetween(min, max int64) func(Value) error {
	return func(v Value) error {
		if n := v.Int(); n < min || n > max {
			return fmt.Errorf("must be between %d and %d", min, max)
		}
		return nil
	}
}

// FloatBetween rejects floats outside [min, max].
func FloatBetween(min, max float64) func(Value) error {
	return func(v Value) error {
		if f := v.Float(); f < min || f > max {
			return fmt.Errorf("must be between %g and %g", min, max)
		}
		return nil
	}
}

// Fraction rejects floats outside [0, 1]. Used for percentages.
func Fraction() func(Value) error {
	return FloatBetween(0, 1)
}

// DurationBetween rejects durations outside [min, max].
func DurationBetween(min, max time.Duration) func(Value) error {
	return func(v Value) error {
		if d := v.Duration(); d < min || d > max {
			return fmt.Errorf("must be between %s and %s", min, max)
		}
		return nil
	}
}

// DurationAtLeast rejects durations below min.
func DurationAtLeast(min time.Duration) func(Value) error {
	return func(v Value) error {
		if v.Duration() < min {
			return fmt.Errorf("must be at least %s", min)
		}
		return nil
	}
}
